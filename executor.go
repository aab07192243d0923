// executor.go: Orchestrator routing plugin executions through runners and circuits
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pluginFailureError carries a plugin-reported failure result through the
// circuit breaker guard. The guard must see a failure so the circuit counts
// plugin-level failures, but callers must receive the original result rather
// than an error.
type pluginFailureError struct {
	result *ExecutionResult
}

func (e *pluginFailureError) Error() string {
	if e.result != nil && e.result.Error != "" {
		return e.result.Error
	}
	return "plugin reported failure"
}

// Executor routes plugin executions to the isolated or in-process runner,
// wraps every attempt in a per-plugin circuit breaker, and records each
// outcome.
//
// Configuration is held behind an atomic pointer so a watcher can swap it
// without interrupting in-flight executions; each call reads a consistent
// snapshot at entry.
type Executor struct {
	config   atomic.Pointer[ExecutorConfig]
	circuits *CircuitBinding
	inproc   *InProcessRunner
	isolated *IsolatedRunner
	store    KVStore
	ownStore bool
	gateway  GatewayExecutor
	recorder ExecutionRecorder
	logger   Logger
	closed   atomic.Bool

	// closeMu orders recordOutcome's wg.Add against the closed transition so
	// Close never waits on a WaitGroup that a late recording resurrects.
	closeMu sync.Mutex
	wg      sync.WaitGroup
}

// ExecutorOption customizes an Executor's collaborators at construction.
type ExecutorOption func(*Executor)

// WithLogger sets the logger for the executor and everything it builds.
func WithLogger(logger Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithGatewayExecutor sets the collaborator that performs gateway actions on
// behalf of plugins. Without one, gateway calls fail with an authorization
// error surface but storage remains available.
func WithGatewayExecutor(executor GatewayExecutor) ExecutorOption {
	return func(e *Executor) { e.gateway = executor }
}

// WithRecorder sets the execution outcome sink. Defaults to a bounded
// in-memory recorder.
func WithRecorder(recorder ExecutionRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = recorder }
}

// WithKVStore overrides the storage backend selected by the configuration.
// The caller keeps ownership; Close will not close an injected store.
func WithKVStore(store KVStore) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

// NewExecutor builds an executor from the configuration, applying defaults
// and validating before anything is constructed.
func NewExecutor(cfg ExecutorConfig, opts ...ExecutorOption) (*Executor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = DefaultLogger()
	}
	if e.recorder == nil {
		e.recorder = NewMemoryRecorder(0)
	}

	if e.store == nil {
		store, err := buildKVStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.ownStore = true
	}

	e.circuits = NewCircuitBindingWithConfigs(cfg.Circuit.Default, cfg.Circuit.Strict, e.logger)
	e.circuits.SetStrictPlugins(cfg.StrictPlugins)
	e.inproc = NewInProcessRunner(NewHandlerRegistry(), e.logger)
	e.isolated = NewIsolatedRunner(cfg.Unit.Command, cfg.Unit.Args, cfg.MaxBridgeInflight, e.logger)

	e.config.Store(&cfg)

	e.logger.Info("Plugin executor initialized",
		"isolation_enabled", cfg.IsolationEnabled,
		"storage_backend", cfg.Storage.Backend,
		"default_timeout", cfg.DefaultTimeout)
	return e, nil
}

func buildKVStore(cfg StorageConfig) (KVStore, error) {
	switch cfg.Backend {
	case StorageBackendRedis:
		return NewRedisKVStore(cfg.Redis)
	default:
		return NewMemoryKVStore(), nil
	}
}

// Config returns the current configuration snapshot.
func (e *Executor) Config() ExecutorConfig {
	return *e.config.Load()
}

// ApplyConfig swaps the active configuration. In-flight executions keep the
// snapshot they started with. The storage backend is not rebuilt at runtime;
// backend changes require a restart.
func (e *Executor) ApplyConfig(cfg ExecutorConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	current := e.config.Load()
	if cfg.Storage != current.Storage {
		e.logger.Warn("Storage backend change ignored until restart",
			"active", current.Storage.Backend,
			"requested", cfg.Storage.Backend)
		cfg.Storage = current.Storage
	}
	e.circuits.SetPresets(cfg.Circuit.Default, cfg.Circuit.Strict)
	e.circuits.SetStrictPlugins(cfg.StrictPlugins)
	e.config.Store(&cfg)
	e.logger.Info("Executor configuration applied",
		"isolation_enabled", cfg.IsolationEnabled,
		"default_timeout", cfg.DefaultTimeout)
	return nil
}

// RegisterHandler binds an in-process handler to a builtin code reference.
func (e *Executor) RegisterHandler(ref string, handler PluginHandler) error {
	return e.inproc.Registry().Register(ref, handler)
}

// Execute runs one plugin invocation and returns its result.
//
// Plugin-reported failures (success:false) come back as a normal result with
// a nil error, and so does an execution blocked by an already-open circuit:
// both mean "the runtime is fine, the plugin is not", so telemetry consumers
// get one uniform shape. Timeout, Crash, Not-Registered, and a circuit that
// opens mid-flight come back as errors. Every outcome, including fast-failed
// ones, is recorded.
func (e *Executor) Execute(ctx context.Context, pluginID, code string, event Event, invocation *InvocationContext) (*ExecutionResult, error) {
	if e.closed.Load() {
		return nil, NewExecutorClosedError()
	}
	cfg := e.config.Load()
	start := time.Now()

	// Fast-fail before touching a runner when the circuit is open. Blocked
	// attempts still show up in execution history.
	if e.circuits.IsOpen(pluginID) {
		retryAfter := e.circuits.RetryAfter(pluginID)
		e.logger.Warn("Execution blocked by open circuit",
			"plugin_id", pluginID,
			"retry_after", retryAfter)
		e.recordOutcome(invocation.InstallationID, false, 0, "circuit breaker open")
		return &ExecutionResult{
			Success: false,
			Error:   fmt.Sprintf("circuit breaker open, retry after %s", retryAfter.Round(time.Millisecond)),
			Payload: map[string]any{"retry_after_ms": retryAfter.Milliseconds()},
		}, nil
	}

	runnerCfg := RunnerConfig{
		Timeout:       cfg.DefaultTimeout,
		MemoryLimitMB: cfg.MemoryLimitMB,
		StackSizeKB:   cfg.StackSizeKB,
	}

	var result *ExecutionResult
	guardErr := e.circuits.Guard(pluginID, func() error {
		res, err := e.runAttempt(ctx, cfg, pluginID, code, event, invocation, runnerCfg)
		if err != nil {
			return err
		}
		if !res.Success {
			// Thrown so the circuit counts plugin-level failures, recovered
			// below so the caller still receives the result.
			return &pluginFailureError{result: res}
		}
		result = res
		return nil
	})

	durationMs := time.Since(start).Milliseconds()

	if guardErr == nil {
		if result.Metrics.DurationMs == 0 {
			result.Metrics.DurationMs = durationMs
		}
		e.recordOutcome(invocation.InstallationID, true, result.Metrics.DurationMs, "")
		return result, nil
	}

	// The circuit opened mid-flight between the pre-check and the guard. This
	// surfaces as a typed error, unlike the pre-check's failed result.
	var circuitOpen *CircuitOpenError
	if stderrors.As(guardErr, &circuitOpen) {
		e.recordOutcome(invocation.InstallationID, false, durationMs, "circuit breaker open")
		return nil, NewPluginCircuitOpenError(pluginID, circuitOpen.RetryAfter)
	}

	var failure *pluginFailureError
	if stderrors.As(guardErr, &failure) {
		res := failure.result
		if res.Metrics.DurationMs == 0 {
			res.Metrics.DurationMs = durationMs
		}
		e.recordOutcome(invocation.InstallationID, false, res.Metrics.DurationMs, res.Error)
		return res, nil
	}

	e.recordOutcome(invocation.InstallationID, false, durationMs, rootMessage(guardErr))
	switch errorCode(guardErr) {
	case ErrCodeExecutionTimeout, ErrCodeExecutionCrash, ErrCodeHandlerNotRegistered:
		return nil, guardErr
	case ErrCodeExecutionFailed:
		return nil, guardErr
	default:
		return nil, NewExecutionError(pluginID, guardErr)
	}
}

// runAttempt picks the runner for one attempt. Built-in references always run
// in-process; everything else uses the isolated runner when isolation is
// enabled.
func (e *Executor) runAttempt(
	ctx context.Context,
	cfg *ExecutorConfig,
	pluginID, code string,
	event Event,
	invocation *InvocationContext,
	runnerCfg RunnerConfig,
) (*ExecutionResult, error) {
	if cfg.IsolationEnabled && !IsBuiltinRef(code) {
		storage := NewStorageAccessor(e.store, invocation.InstallationID)
		gateway := NewGatewayAccessor(e.gateway, invocation.Gateways)
		return e.isolated.Run(ctx, pluginID, code, event, invocation, storage, gateway, runnerCfg)
	}
	return e.inproc.Run(ctx, pluginID, code, event, invocation, runnerCfg)
}

// ExecuteLifecycleHook invokes a plugin's lifecycle hook. Plugins without an
// in-process handler, and handlers without the named hook, no-op: lifecycle
// hooks are optional and administrative, so they bypass isolation and the
// circuit breaker.
func (e *Executor) ExecuteLifecycleHook(ctx context.Context, pluginID, code, hook string, invocation *InvocationContext) error {
	if e.closed.Load() {
		return NewExecutorClosedError()
	}
	if _, ok := e.inproc.Registry().Lookup(code); !ok {
		e.logger.Info("No handler registered for lifecycle hook, skipping",
			"plugin_id", pluginID,
			"hook", hook)
		return nil
	}
	if err := e.inproc.RunHook(ctx, pluginID, code, hook, invocation); err != nil {
		return err
	}
	e.logger.Debug("Lifecycle hook completed", "plugin_id", pluginID, "hook", hook)
	return nil
}

// Storage returns a plugin-scoped storage accessor for the installation.
func (e *Executor) Storage(installationID string) *StorageAccessor {
	return NewStorageAccessor(e.store, installationID)
}

// IsCircuitOpen reports whether the plugin's circuit currently blocks
// executions.
func (e *Executor) IsCircuitOpen(pluginID string) bool {
	return e.circuits.IsOpen(pluginID)
}

// CircuitStats returns the plugin's circuit statistics, or nil when the
// plugin has never executed.
func (e *Executor) CircuitStats(pluginID string) *CircuitBreakerStats {
	return e.circuits.Stats(pluginID)
}

// ResetCircuit removes the plugin's circuit so it starts fresh on next use.
// Idempotent.
func (e *Executor) ResetCircuit(pluginID string) {
	e.circuits.Reset(pluginID)
}

// CleanupCircuit removes the plugin's circuit on uninstall.
func (e *Executor) CleanupCircuit(pluginID string) {
	e.circuits.Cleanup(pluginID)
}

// ListCircuits returns statistics for every live circuit.
func (e *Executor) ListCircuits() map[string]CircuitBreakerStats {
	return e.circuits.List()
}

// rootMessage digs out the innermost cause so execution history shows the
// plugin's original error text rather than the wrapping chain.
func rootMessage(err error) string {
	cause := err
	for {
		next := stderrors.Unwrap(cause)
		if next == nil {
			return cause.Error()
		}
		cause = next
	}
}

// recordOutcome persists one execution outcome without blocking or failing
// the caller. Outcomes arriving after Close has begun are dropped.
func (e *Executor) recordOutcome(installationID string, success bool, durationMs int64, execErr string) {
	e.closeMu.Lock()
	if e.closed.Load() {
		e.closeMu.Unlock()
		e.logger.Debug("Dropping outcome record during shutdown",
			"installation_id", installationID)
		return
	}
	e.wg.Add(1)
	e.closeMu.Unlock()
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.recorder.RecordExecution(ctx, installationID, success, durationMs, execErr); err != nil {
			e.logger.Warn("Failed to record execution outcome",
				"installation_id", installationID,
				"error", err)
		}
	}()
}

// Close shuts the executor down: new executions are rejected, pending
// outcome records are flushed, and an owned storage backend is closed.
func (e *Executor) Close() error {
	e.closeMu.Lock()
	swapped := e.closed.CompareAndSwap(false, true)
	e.closeMu.Unlock()
	if !swapped {
		return nil
	}
	e.wg.Wait()
	if e.ownStore {
		if err := e.store.Close(); err != nil {
			return NewStorageError("close", "", err)
		}
	}
	e.logger.Info("Plugin executor closed")
	return nil
}
