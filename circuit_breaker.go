// circuit_breaker.go: Reusable per-dependency circuit breaker primitive
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitBreakerState represents the operational state of a circuit breaker.
//
// State behaviors:
//   - StateClosed: normal operation, attempts pass through
//   - StateOpen: tripped, attempts fail fast until the reset timeout elapses
//   - StateHalfOpen: probing, attempts allowed to test recovery
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the thresholds and timings of one circuit.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// ResetTimeout is the cooldown after opening before a half-open probe is
	// allowed.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`

	// HalfOpenMaxAttempts is the number of consecutive half-open successes
	// required to close the circuit again.
	HalfOpenMaxAttempts int `json:"half_open_max_attempts" yaml:"half_open_max_attempts"`

	// WindowDuration bounds the failure-counting window: a failure streak
	// whose first failure is older than the window restarts the count.
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
}

// CircuitOpenError is returned by Execute when the circuit refuses the
// attempt. RetryAfter estimates how long until a half-open probe is allowed.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// CircuitBreaker implements the circuit breaker state machine for a single
// protected dependency.
//
// Counters use atomics; state transitions take a mutex with a double-check so
// two concurrent failures cannot both observe a stale state and lose an
// update.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	state             atomic.Int32 // CircuitBreakerState
	consecutiveFails  atomic.Int64
	halfOpenSuccesses atomic.Int64
	firstFailureTime  atomic.Int64 // unix nanos of the streak's first failure
	lastStateChange   atomic.Int64 // unix nanos

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker starting in StateClosed.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, config: config}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(timecache.CachedTimeNano())
	return cb
}

// Name returns the identity the circuit was created under.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute wraps exactly one attempt. When the circuit is open and the
// cooldown has not elapsed it fails fast with *CircuitOpenError without
// invoking op. Otherwise op runs and its outcome drives the state machine.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allowRequest() {
		return &CircuitOpenError{Name: cb.name, RetryAfter: cb.RetryAfter()}
	}

	if err := op(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// allowRequest checks the current state and performs the OPEN -> HALF_OPEN
// transition once the reset timeout has elapsed.
func (cb *CircuitBreaker) allowRequest() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true

	case StateOpen:
		if !cb.cooldownElapsed() {
			return false
		}
		cb.mu.Lock()
		defer cb.mu.Unlock()
		// Double-check after acquiring the lock
		if CircuitBreakerState(cb.state.Load()) == StateOpen && cb.cooldownElapsed() {
			cb.transitionTo(StateHalfOpen)
		}
		return CircuitBreakerState(cb.state.Load()) == StateHalfOpen

	default:
		return false
	}
}

// recordSuccess advances the state machine toward StateClosed.
func (cb *CircuitBreaker) recordSuccess() {
	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed:
		cb.consecutiveFails.Store(0)
		cb.firstFailureTime.Store(0)

	case StateHalfOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if CircuitBreakerState(cb.state.Load()) != StateHalfOpen {
			return
		}
		if cb.halfOpenSuccesses.Add(1) >= int64(cb.config.HalfOpenMaxAttempts) {
			cb.transitionTo(StateClosed)
		}
	}
}

// recordFailure advances the state machine toward StateOpen. Any failure in
// StateHalfOpen reopens the circuit immediately.
func (cb *CircuitBreaker) recordFailure() {
	now := timecache.CachedTimeNano()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch CircuitBreakerState(cb.state.Load()) {
	case StateHalfOpen:
		cb.transitionTo(StateOpen)

	case StateClosed:
		// A streak whose first failure fell out of the window restarts
		first := cb.firstFailureTime.Load()
		if cb.config.WindowDuration > 0 && first > 0 &&
			time.Duration(now-first) > cb.config.WindowDuration {
			cb.consecutiveFails.Store(0)
			cb.firstFailureTime.Store(0)
		}

		if cb.consecutiveFails.Load() == 0 {
			cb.firstFailureTime.Store(now)
		}
		if cb.consecutiveFails.Add(1) >= int64(cb.config.FailureThreshold) {
			cb.transitionTo(StateOpen)
		}
	}
}

// transitionTo changes state and resets the per-state counters. Callers must
// hold cb.mu.
func (cb *CircuitBreaker) transitionTo(state CircuitBreakerState) {
	cb.state.Store(int32(state))
	cb.lastStateChange.Store(timecache.CachedTimeNano())
	switch state {
	case StateClosed:
		cb.consecutiveFails.Store(0)
		cb.firstFailureTime.Store(0)
		cb.halfOpenSuccesses.Store(0)
	case StateHalfOpen:
		cb.halfOpenSuccesses.Store(0)
	case StateOpen:
		// Failure counters are kept for observability until the next close
	}
}

func (cb *CircuitBreaker) cooldownElapsed() bool {
	elapsed := time.Duration(timecache.CachedTimeNano() - cb.lastStateChange.Load())
	return elapsed >= cb.config.ResetTimeout
}

// RetryAfter estimates the remaining cooldown before a half-open probe is
// allowed, clamped to >= 0. It is zero unless the circuit is open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if CircuitBreakerState(cb.state.Load()) != StateOpen {
		return 0
	}
	elapsed := time.Duration(timecache.CachedTimeNano() - cb.lastStateChange.Load())
	remaining := cb.config.ResetTimeout - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetState returns the current state without affecting behavior.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// IsOpen reports whether the circuit is open and the cooldown has not yet
// elapsed, i.e. an attempt right now would fail fast.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen && !cb.cooldownElapsed()
}

// Reset forces the circuit back to StateClosed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// CircuitBreakerStats is a monitoring snapshot of one circuit.
type CircuitBreakerStats struct {
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int64               `json:"consecutive_failures"`
	HalfOpenSuccesses   int64               `json:"half_open_successes"`
	LastStateChange     time.Time           `json:"last_state_change"`
}

// GetStats returns a consistent snapshot of the circuit's state and counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	return CircuitBreakerStats{
		State:               cb.GetState(),
		ConsecutiveFailures: cb.consecutiveFails.Load(),
		HalfOpenSuccesses:   cb.halfOpenSuccesses.Load(),
		LastStateChange:     time.Unix(0, cb.lastStateChange.Load()),
	}
}
