// recorder.go: Best-effort execution outcome recording
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionRecorder is the execution outcome sink. Recording is best-effort:
// the orchestrator logs recorder failures but never fails the overall call on
// them.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, installationID string, success bool, durationMs int64, execErr string) error
}

// ExecutionRecord is one recorded plugin execution outcome.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	InstallationID string    `json:"installation_id"`
	Success        bool      `json:"success"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// MemoryRecorder keeps a bounded per-installation execution history in
// memory. It backs tests and single-process deployments; production
// composition points RecordExecution at the durable counter service.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records map[string][]ExecutionRecord
	limit   int
}

// NewMemoryRecorder creates a recorder retaining at most limit records per
// installation (most recent kept). A non-positive limit defaults to 100.
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryRecorder{
		records: make(map[string][]ExecutionRecord),
		limit:   limit,
	}
}

// RecordExecution implements ExecutionRecorder.
func (r *MemoryRecorder) RecordExecution(ctx context.Context, installationID string, success bool, durationMs int64, execErr string) error {
	record := ExecutionRecord{
		ID:             uuid.NewString(),
		InstallationID: installationID,
		Success:        success,
		DurationMs:     durationMs,
		Error:          execErr,
		RecordedAt:     time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := append(r.records[installationID], record)
	if len(history) > r.limit {
		history = history[len(history)-r.limit:]
	}
	r.records[installationID] = history
	return nil
}

// Records returns a copy of the installation's history, oldest first.
func (r *MemoryRecorder) Records(installationID string) []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.records[installationID]
	out := make([]ExecutionRecord, len(history))
	copy(out, history)
	return out
}

// LastRecord returns the most recent record for the installation, if any.
func (r *MemoryRecorder) LastRecord(installationID string) (ExecutionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.records[installationID]
	if len(history) == 0 {
		return ExecutionRecord{}, false
	}
	return history[len(history)-1], true
}
