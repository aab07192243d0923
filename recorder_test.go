// recorder_test.go: Tests for in-memory execution outcome recording
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryRecorder_RecordsOutcomes(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	ctx := context.Background()

	if err := recorder.RecordExecution(ctx, "install-1", true, 42, ""); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	if err := recorder.RecordExecution(ctx, "install-1", false, 7, "boom"); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}

	records := recorder.Records("install-1")
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if !records[0].Success || records[0].DurationMs != 42 {
		t.Errorf("Unexpected first record: %+v", records[0])
	}
	if records[1].Success || records[1].Error != "boom" {
		t.Errorf("Unexpected second record: %+v", records[1])
	}
	if records[0].ID == records[1].ID || records[0].ID == "" {
		t.Error("Expected unique non-empty record ids")
	}

	last, ok := recorder.LastRecord("install-1")
	if !ok || last.Error != "boom" {
		t.Errorf("Expected last record to be the failure, got %+v", last)
	}
}

func TestMemoryRecorder_BoundedHistory(t *testing.T) {
	recorder := NewMemoryRecorder(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = recorder.RecordExecution(ctx, "install-1", true, int64(i), "")
	}

	records := recorder.Records("install-1")
	if len(records) != 3 {
		t.Fatalf("Expected history capped at 3, got %d", len(records))
	}
	// Oldest entries are evicted first
	if records[0].DurationMs != 2 || records[2].DurationMs != 4 {
		t.Errorf("Expected most recent records kept, got %+v", records)
	}
}

func TestMemoryRecorder_InstallationsAreSeparate(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	ctx := context.Background()

	_ = recorder.RecordExecution(ctx, "install-1", true, 1, "")
	_ = recorder.RecordExecution(ctx, "install-2", false, 2, "x")

	if got := len(recorder.Records("install-1")); got != 1 {
		t.Errorf("Expected 1 record for install-1, got %d", got)
	}
	if got := len(recorder.Records("install-2")); got != 1 {
		t.Errorf("Expected 1 record for install-2, got %d", got)
	}
	if _, ok := recorder.LastRecord("install-3"); ok {
		t.Error("Expected no record for unknown installation")
	}
}

func TestMemoryRecorder_ConcurrentRecording(t *testing.T) {
	recorder := NewMemoryRecorder(200)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				_ = recorder.RecordExecution(ctx, "install-1", true, int64(worker), fmt.Sprintf("w%d", worker))
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := len(recorder.Records("install-1")); got != 100 {
		t.Fatalf("Expected 100 records, got %d", got)
	}
}
