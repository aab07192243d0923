// runner_inprocess.go: Shared-runtime execution for registered handlers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PluginHandler is the contract an in-process plugin implements. Handlers run
// inside the host runtime with no isolation boundary, so only trusted code
// should be registered.
type PluginHandler interface {
	// OnEvent processes one event and returns the execution result.
	// A nil result with a nil error is treated as a reported failure.
	OnEvent(ctx context.Context, event Event, invocation *InvocationContext) (*ExecutionResult, error)
}

// Optional lifecycle interfaces. A handler that implements one is invoked at
// the corresponding lifecycle transition; handlers without one are skipped.
type (
	// InstallHook runs when the plugin is installed for an installation.
	InstallHook interface {
		OnInstall(ctx context.Context, invocation *InvocationContext) error
	}

	// UninstallHook runs when the plugin is removed.
	UninstallHook interface {
		OnUninstall(ctx context.Context, invocation *InvocationContext) error
	}

	// EnableHook runs when the plugin is enabled.
	EnableHook interface {
		OnEnable(ctx context.Context, invocation *InvocationContext) error
	}

	// DisableHook runs when the plugin is disabled.
	DisableHook interface {
		OnDisable(ctx context.Context, invocation *InvocationContext) error
	}
)

// HandlerRegistry maps builtin code references to their handlers. It is safe
// for concurrent use; registration normally happens at startup but lookups
// run on every invocation.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]PluginHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]PluginHandler)}
}

// Register binds a handler to a builtin reference. The reference may be given
// with or without the builtin prefix. Registering the same reference twice is
// rejected.
func (r *HandlerRegistry) Register(ref string, handler PluginHandler) error {
	if handler == nil {
		return NewInvalidConfigError("handler must not be nil", nil)
	}
	name := builtinName(ref)
	if name == "" {
		return NewInvalidConfigError("handler reference must not be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return NewHandlerConflictError(name)
	}
	r.handlers[name] = handler
	return nil
}

// Lookup returns the handler bound to ref.
func (r *HandlerRegistry) Lookup(ref string) (PluginHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[builtinName(ref)]
	return h, ok
}

// Names returns the registered references in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinName strips the builtin prefix from a code reference.
func builtinName(ref string) string {
	if IsBuiltinRef(ref) {
		return ref[len(BuiltinCodePrefix):]
	}
	return ref
}

// InProcessRunner executes registered handlers inside the host runtime.
//
// Its timeout is cooperative: the context handed to the handler is cancelled
// on expiry and the call resolves with a Timeout failure, but a handler that
// ignores cancellation keeps its goroutine alive. That leak is accepted for
// trusted builtin code; untrusted code belongs in the isolated runner.
type InProcessRunner struct {
	registry *HandlerRegistry
	logger   Logger
}

// NewInProcessRunner creates a runner over the given registry.
func NewInProcessRunner(registry *HandlerRegistry, logger Logger) *InProcessRunner {
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &InProcessRunner{registry: registry, logger: logger}
}

// Registry exposes the runner's handler registry.
func (r *InProcessRunner) Registry() *HandlerRegistry {
	return r.registry
}

// Run executes the handler bound to the code reference. A handler panic is
// recovered and converted into a Crash failure so one misbehaving builtin
// cannot take down the host.
func (r *InProcessRunner) Run(
	ctx context.Context,
	pluginID, code string,
	event Event,
	invocation *InvocationContext,
	cfg RunnerConfig,
) (*ExecutionResult, error) {
	handler, ok := r.registry.Lookup(code)
	if !ok {
		return nil, NewHandlerNotRegisteredError(builtinName(code))
	}

	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type handlerOutcome struct {
		result *ExecutionResult
		err    error
	}
	outcome := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Handler panicked",
					"plugin_id", pluginID,
					"panic", rec)
				outcome <- handlerOutcome{err: NewExecutionCrashError(pluginID, fmt.Errorf("handler panic: %v", rec))}
			}
		}()
		res, err := handler.OnEvent(runCtx, event, invocation)
		outcome <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			if errorCode(out.err) != "" {
				return nil, out.err
			}
			return nil, NewExecutionError(pluginID, out.err)
		}
		result := out.result
		if result == nil {
			result = &ExecutionResult{Success: false, Error: "handler returned no result"}
		}
		// The measured wall clock is authoritative; handler-reported
		// durations are discarded.
		result.Metrics.DurationMs = time.Since(start).Milliseconds()
		return result, nil

	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, NewExecutionError(pluginID, ctx.Err())
		}
		r.logger.Warn("In-process handler timed out",
			"plugin_id", pluginID,
			"timeout", cfg.Timeout)
		return nil, NewExecutionTimeoutError(pluginID, cfg.Timeout)
	}
}

// RunHook invokes the named lifecycle hook if the handler implements it.
// Handlers without the hook succeed trivially. Hook panics are recovered and
// reported as hook failures.
func (r *InProcessRunner) RunHook(ctx context.Context, pluginID, code, hook string, invocation *InvocationContext) (err error) {
	handler, ok := r.registry.Lookup(code)
	if !ok {
		return NewHandlerNotRegisteredError(builtinName(code))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Lifecycle hook panicked",
				"plugin_id", pluginID,
				"hook", hook,
				"panic", rec)
			err = NewLifecycleHookError(pluginID, hook, fmt.Errorf("hook panic: %v", rec))
		}
	}()

	var hookErr error
	switch hook {
	case HookInstall:
		if h, ok := handler.(InstallHook); ok {
			hookErr = h.OnInstall(ctx, invocation)
		}
	case HookUninstall:
		if h, ok := handler.(UninstallHook); ok {
			hookErr = h.OnUninstall(ctx, invocation)
		}
	case HookEnable:
		if h, ok := handler.(EnableHook); ok {
			hookErr = h.OnEnable(ctx, invocation)
		}
	case HookDisable:
		if h, ok := handler.(DisableHook); ok {
			hookErr = h.OnDisable(ctx, invocation)
		}
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown lifecycle hook %q", hook), nil)
	}

	if hookErr != nil {
		return NewLifecycleHookError(pluginID, hook, hookErr)
	}
	return nil
}
