// errors_test.go: Tests for structured error construction and classification
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"fmt"
	"testing"
	"time"
)

func TestErrorCode_Classification(t *testing.T) {
	if code := errorCode(NewExecutionTimeoutError("p1", time.Second)); code != ErrCodeExecutionTimeout {
		t.Errorf("Expected %s, got %s", ErrCodeExecutionTimeout, code)
	}
	if code := errorCode(fmt.Errorf("plain error")); code != "" {
		t.Errorf("Expected empty code for plain errors, got %s", code)
	}
	if code := errorCode(nil); code != "" {
		t.Errorf("Expected empty code for nil, got %s", code)
	}

	// Wrapped structured errors keep their code visible
	wrapped := fmt.Errorf("outer: %w", NewHandlerNotRegisteredError("p1"))
	if code := errorCode(wrapped); code != ErrCodeHandlerNotRegistered {
		t.Errorf("Expected %s through wrapping, got %s", ErrCodeHandlerNotRegistered, code)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsTimeoutError(NewExecutionTimeoutError("p1", time.Second)) {
		t.Error("Expected timeout predicate to match timeout error")
	}
	if !IsCrashError(NewExecutionCrashError("p1", fmt.Errorf("exit 1"))) {
		t.Error("Expected crash predicate to match crash error")
	}
	if !IsCircuitOpenError(NewPluginCircuitOpenError("p1", time.Minute)) {
		t.Error("Expected circuit predicate to match circuit-open error")
	}
	if !IsNotRegisteredError(NewHandlerNotRegisteredError("p1")) {
		t.Error("Expected registration predicate to match not-registered error")
	}
	if IsTimeoutError(NewExecutionCrashError("p1", fmt.Errorf("exit 1"))) {
		t.Error("Expected predicates to reject mismatched codes")
	}
	if IsCrashError(nil) {
		t.Error("Expected predicates to reject nil")
	}
}
