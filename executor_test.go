// executor_test.go: Orchestrator tests covering routing, circuits, and recording
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedHandler drives orchestrator tests: it counts calls and returns
// whatever the current mode dictates.
type scriptedHandler struct {
	mu     sync.Mutex
	calls  int
	result *ExecutionResult
	err    error
}

func (h *scriptedHandler) OnEvent(context.Context, Event, *InvocationContext) (*ExecutionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *scriptedHandler) set(result *ExecutionResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = result
	h.err = err
}

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: time.Second,
		Circuit: CircuitConfig{
			Default: CircuitBreakerConfig{
				FailureThreshold:    5,
				ResetTimeout:        100 * time.Millisecond,
				HalfOpenMaxAttempts: 2,
				WindowDuration:      time.Minute,
			},
			Strict: StrictCircuitConfig,
		},
	}
}

func newTestExecutor(t *testing.T, recorder ExecutionRecorder) *Executor {
	t.Helper()
	opts := []ExecutorOption{WithLogger(NewTestLogger())}
	if recorder != nil {
		opts = append(opts, WithRecorder(recorder))
	}
	executor, err := NewExecutor(testExecutorConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = executor.Close() })
	return executor
}

// flushRecords waits for fire-and-forget outcome records to land.
func flushRecords(e *Executor) {
	e.wg.Wait()
}

func TestNewExecutor_AppliesDefaults(t *testing.T) {
	executor, err := NewExecutor(ExecutorConfig{}, WithLogger(NewTestLogger()))
	require.NoError(t, err)
	defer func() { _ = executor.Close() }()

	cfg := executor.Config()
	assert.Equal(t, DefaultExecutionTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultMemoryLimitMB, cfg.MemoryLimitMB)
	assert.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	assert.Equal(t, DefaultCircuitConfig, cfg.Circuit.Default)
}

func TestNewExecutor_RejectsIsolationWithoutUnit(t *testing.T) {
	_, err := NewExecutor(ExecutorConfig{IsolationEnabled: true})
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidConfig, errorCode(err))
}

func TestExecutor_ExecuteSuccess(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	executor := newTestExecutor(t, recorder)

	handler := &scriptedHandler{result: &ExecutionResult{Success: true, Payload: map[string]any{"n": 1}}}
	require.NoError(t, executor.RegisterHandler("builtin:counter", handler))

	result, err := executor.Execute(context.Background(), "p1", "builtin:counter", Event{Type: EventGeneric}, testInvocation())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, result.Metrics.DurationMs, int64(0))

	flushRecords(executor)
	last, ok := recorder.LastRecord("install-1")
	require.True(t, ok)
	assert.True(t, last.Success)
}

func TestExecutor_ReportedFailureIsReturnedNotThrown(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	executor := newTestExecutor(t, recorder)

	handler := &scriptedHandler{result: &ExecutionResult{Success: false, Error: "X"}}
	require.NoError(t, executor.RegisterHandler("builtin:flaky", handler))

	result, err := executor.Execute(context.Background(), "p1", "builtin:flaky", Event{Type: EventGeneric}, testInvocation())
	require.NoError(t, err, "plugin-level failures must resolve, not raise")
	assert.False(t, result.Success)
	assert.Equal(t, "X", result.Error)

	// The failure still counts against the circuit
	stats := executor.CircuitStats("p1")
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.ConsecutiveFailures)

	flushRecords(executor)
	last, ok := recorder.LastRecord("install-1")
	require.True(t, ok)
	assert.False(t, last.Success)
	assert.Equal(t, "X", last.Error)
}

func TestExecutor_CircuitOpensAndFailsFast(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	executor := newTestExecutor(t, recorder)

	handler := &scriptedHandler{err: errors.New("boom")}
	require.NoError(t, executor.RegisterHandler("builtin:broken", handler))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := executor.Execute(ctx, "p1", "builtin:broken", Event{Type: EventGeneric}, testInvocation())
		require.Error(t, err)
		assert.Equal(t, ErrCodeExecutionFailed, errorCode(err))
	}
	assert.Equal(t, 5, handler.callCount())
	assert.True(t, executor.IsCircuitOpen("p1"))

	flushRecords(executor)
	records := recorder.Records("install-1")
	require.Len(t, records, 5)
	assert.Contains(t, records[4].Error, "boom")

	// The sixth call fails fast without touching the runner. A blocked
	// execution resolves as a failed result, not an error, so callers keep
	// one uniform shape for "the plugin did not run usefully".
	result, err := executor.Execute(ctx, "p1", "builtin:broken", Event{Type: EventGeneric}, testInvocation())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "circuit breaker open")
	retryAfter, ok := result.Payload["retry_after_ms"].(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, retryAfter, int64(0))
	assert.LessOrEqual(t, retryAfter, int64(100))
	assert.Equal(t, 5, handler.callCount(), "runner must not be invoked while open")

	// The blocked attempt still lands in the execution history
	flushRecords(executor)
	records = recorder.Records("install-1")
	require.Len(t, records, 6)
	assert.False(t, records[5].Success)
	assert.Contains(t, records[5].Error, "circuit")
}

func TestExecutor_CircuitRecoveryCycle(t *testing.T) {
	executor := newTestExecutor(t, nil)

	handler := &scriptedHandler{err: errors.New("boom")}
	require.NoError(t, executor.RegisterHandler("builtin:recovering", handler))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = executor.Execute(ctx, "p1", "builtin:recovering", Event{Type: EventGeneric}, testInvocation())
	}
	require.True(t, executor.IsCircuitOpen("p1"))

	// After the cooldown, two consecutive successes close the circuit
	time.Sleep(150 * time.Millisecond)
	handler.set(&ExecutionResult{Success: true}, nil)

	for i := 0; i < 2; i++ {
		result, err := executor.Execute(ctx, "p1", "builtin:recovering", Event{Type: EventGeneric}, testInvocation())
		require.NoError(t, err)
		assert.True(t, result.Success)
	}

	stats := executor.CircuitStats("p1")
	require.NotNil(t, stats)
	assert.Equal(t, StateClosed, stats.State)
}

func TestExecutor_TimeoutResolvesPromptly(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	executor, err := NewExecutor(cfg, WithLogger(NewTestLogger()))
	require.NoError(t, err)
	defer func() { _ = executor.Close() }()

	require.NoError(t, executor.RegisterHandler("builtin:hang", &sleepHandler{delay: time.Minute}))

	start := time.Now()
	_, err = executor.Execute(context.Background(), "p1", "builtin:hang", Event{Type: EventGeneric}, testInvocation())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, ErrCodeExecutionTimeout, errorCode(err))
	assert.Less(t, elapsed, 300*time.Millisecond, "timeout must not hang")
}

func TestExecutor_NotRegisteredPropagates(t *testing.T) {
	executor := newTestExecutor(t, nil)

	_, err := executor.Execute(context.Background(), "p1", "builtin:ghost", Event{Type: EventGeneric}, testInvocation())
	require.Error(t, err)
	assert.Equal(t, ErrCodeHandlerNotRegistered, errorCode(err))
}

func TestExecutor_ResetCircuitIdempotent(t *testing.T) {
	executor := newTestExecutor(t, nil)

	handler := &scriptedHandler{err: errors.New("boom")}
	require.NoError(t, executor.RegisterHandler("builtin:broken", handler))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = executor.Execute(ctx, "p1", "builtin:broken", Event{Type: EventGeneric}, testInvocation())
	}
	require.True(t, executor.IsCircuitOpen("p1"))

	executor.ResetCircuit("p1")
	executor.ResetCircuit("p1")

	assert.False(t, executor.IsCircuitOpen("p1"))
	handler.set(&ExecutionResult{Success: true}, nil)
	result, err := executor.Execute(ctx, "p1", "builtin:broken", Event{Type: EventGeneric}, testInvocation())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutor_CleanupCircuitAndList(t *testing.T) {
	executor := newTestExecutor(t, nil)
	require.NoError(t, executor.RegisterHandler("builtin:a", &scriptedHandler{result: &ExecutionResult{Success: true}}))

	_, err := executor.Execute(context.Background(), "p1", "builtin:a", Event{Type: EventGeneric}, testInvocation())
	require.NoError(t, err)

	assert.Len(t, executor.ListCircuits(), 1)
	executor.CleanupCircuit("p1")
	assert.Empty(t, executor.ListCircuits())
	assert.Nil(t, executor.CircuitStats("p1"))
}

func TestExecutor_LifecycleHooks(t *testing.T) {
	executor := newTestExecutor(t, nil)
	ctx := context.Background()

	// No handler at all: hooks are optional, so this is a logged no-op
	require.NoError(t, executor.ExecuteLifecycleHook(ctx, "p1", "builtin:ghost", HookInstall, testInvocation()))

	handler := &echoHandler{}
	require.NoError(t, executor.RegisterHandler("builtin:hooked", handler))

	require.NoError(t, executor.ExecuteLifecycleHook(ctx, "p1", "builtin:hooked", HookInstall, testInvocation()))
	assert.Equal(t, 1, handler.installed)

	// Implemented failure is wrapped and named
	handler.installErr = errors.New("migration failed")
	err := executor.ExecuteLifecycleHook(ctx, "p1", "builtin:hooked", HookInstall, testInvocation())
	require.Error(t, err)
	assert.Equal(t, ErrCodeLifecycleHookFailed, errorCode(err))
	assert.True(t, strings.Contains(err.Error(), HookInstall))
}

func TestExecutor_CloseRejectsNewWork(t *testing.T) {
	executor := newTestExecutor(t, nil)
	require.NoError(t, executor.RegisterHandler("builtin:a", &scriptedHandler{result: &ExecutionResult{Success: true}}))

	require.NoError(t, executor.Close())
	require.NoError(t, executor.Close(), "second close is a no-op")

	_, err := executor.Execute(context.Background(), "p1", "builtin:a", Event{Type: EventGeneric}, testInvocation())
	assert.Equal(t, ErrCodeExecutorClosed, errorCode(err))
	assert.Equal(t, ErrCodeExecutorClosed, errorCode(
		executor.ExecuteLifecycleHook(context.Background(), "p1", "builtin:a", HookInstall, testInvocation())))
}

// gateHandler parks inside OnEvent until released so tests can interleave
// shutdown with an in-flight execution.
type gateHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (h *gateHandler) OnEvent(context.Context, Event, *InvocationContext) (*ExecutionResult, error) {
	close(h.entered)
	<-h.release
	return &ExecutionResult{Success: true}, nil
}

func TestExecutor_CloseDuringInFlightExecution(t *testing.T) {
	recorder := NewMemoryRecorder(0)
	executor := newTestExecutor(t, recorder)

	gate := &gateHandler{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, executor.RegisterHandler("builtin:gated", gate))

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := executor.Execute(context.Background(), "p1", "builtin:gated", Event{Type: EventGeneric}, testInvocation())
		done <- outcome{result, err}
	}()

	<-gate.entered
	require.NoError(t, executor.Close())
	close(gate.release)

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.result.Success)

	// The execution finished after shutdown began, so its record is dropped
	flushRecords(executor)
	assert.Empty(t, recorder.Records("install-1"))
}

func TestExecutor_ApplyConfigKeepsStorageBackend(t *testing.T) {
	executor := newTestExecutor(t, nil)

	next := testExecutorConfig()
	next.DefaultTimeout = 5 * time.Second
	next.Storage.Backend = StorageBackendRedis
	next.Storage.Redis.Addr = "localhost:6379"

	require.NoError(t, executor.ApplyConfig(next))

	cfg := executor.Config()
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, StorageBackendMemory, cfg.Storage.Backend, "backend changes require a restart")
}

func TestExecutor_ApplyConfigUpdatesStrictPlugins(t *testing.T) {
	executor := newTestExecutor(t, nil)

	handler := &scriptedHandler{err: errors.New("boom")}
	require.NoError(t, executor.RegisterHandler("builtin:critical", handler))

	next := testExecutorConfig()
	next.StrictPlugins = []string{"p-critical"}
	next.Circuit.Strict = CircuitBreakerConfig{
		FailureThreshold:    2,
		ResetTimeout:        time.Minute,
		HalfOpenMaxAttempts: 2,
		WindowDuration:      time.Minute,
	}
	require.NoError(t, executor.ApplyConfig(next))

	ctx := context.Background()
	_, _ = executor.Execute(ctx, "p-critical", "builtin:critical", Event{Type: EventGeneric}, testInvocation())
	_, _ = executor.Execute(ctx, "p-critical", "builtin:critical", Event{Type: EventGeneric}, testInvocation())

	assert.True(t, executor.IsCircuitOpen("p-critical"), "strict preset opens after 2 failures")
}

func TestExecutor_StorageAccessorScoped(t *testing.T) {
	executor := newTestExecutor(t, nil)
	ctx := context.Background()

	a := executor.Storage("install-a")
	b := executor.Storage("install-b")
	require.NoError(t, a.Set(ctx, "k", []byte("va"), 0))

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "installations must not see each other's keys")
}
