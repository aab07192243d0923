// logging.go: Pluggable logging interface for the execution subsystem
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"sync"
)

// Logger is the pluggable logging interface used throughout the executor.
//
// Any structured logging framework (zap, logrus, zerolog, slog) can be
// adapted to this interface without the library taking a dependency on it.
// Args are alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that includes the given key-value pairs in all
	// subsequent log calls.
	With(args ...any) Logger
}

// NoOpLogger discards all messages. It is the default when no logger is
// provided.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}
func (n *NoOpLogger) With(args ...any) Logger       { return n }

// DefaultLogger returns the logger used when callers pass nil.
func DefaultLogger() Logger { return NewNoOpLogger() }

// TestLogger captures log messages for assertions in tests.
type TestLogger struct {
	mu       sync.RWMutex
	Messages []TestLogMessage
}

// TestLogMessage is one captured log call.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

func NewTestLogger() *TestLogger {
	return &TestLogger{Messages: make([]TestLogMessage, 0)}
}

func (t *TestLogger) capture(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, TestLogMessage{Level: level, Message: msg, Args: args})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.capture("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.capture("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.capture("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.capture("ERROR", msg, args) }

// With returns the same logger; test assertions do not need field chaining.
func (t *TestLogger) With(args ...any) Logger { return t }

// HasMessage reports whether a message with the given level and text was
// captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.Messages {
		if m.Level == level && m.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}
