// errors.go: structured error definitions for the plugin execution subsystem
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	stderrors "errors"
	"time"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin execution subsystem
const (
	// Execution errors (2000-2099)
	ErrCodeExecutionTimeout     = "EXEC_2001"
	ErrCodeExecutionCrash       = "EXEC_2002"
	ErrCodeExecutionFailed      = "EXEC_2003"
	ErrCodeHandlerNotRegistered = "EXEC_2004"
	ErrCodeLifecycleHookFailed  = "EXEC_2005"
	ErrCodeHandlerConflict      = "EXEC_2006"
	ErrCodeExecutorClosed       = "EXEC_2007"

	// Circuit breaker errors (2100-2199)
	ErrCodeCircuitOpen = "CIRCUIT_2101"

	// Gateway capability errors (2200-2299)
	ErrCodeGatewayNotAuthorized = "GATEWAY_2201"
	ErrCodeGatewayFailed        = "GATEWAY_2202"

	// Storage capability errors (2300-2399)
	ErrCodeStorageFailed = "STORAGE_2301"

	// Configuration errors (2400-2499)
	ErrCodeInvalidConfig = "CONFIG_2401"
	ErrCodeConfigWatch   = "CONFIG_2402"

	// Message bridge errors (2500-2599)
	ErrCodeBridgeProtocol = "BRIDGE_2501"
	ErrCodeBridgeOverflow = "BRIDGE_2502"
)

// Execution error constructors

func NewExecutionTimeoutError(pluginID string, timeout time.Duration) *errors.Error {
	return errors.New(ErrCodeExecutionTimeout, "Plugin execution timed out").
		WithUserMessage("The plugin did not finish within the configured timeout").
		WithContext("plugin_id", pluginID).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning")
}

func NewExecutionCrashError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExecutionCrash, "Plugin execution unit crashed").
		WithUserMessage("The isolated execution unit terminated abnormally").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewExecutionError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExecutionFailed, "Plugin execution failed").
		WithUserMessage("The plugin failed to execute the requested operation").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewHandlerNotRegisteredError(pluginID string) *errors.Error {
	return errors.New(ErrCodeHandlerNotRegistered, "Plugin handler not registered").
		WithUserMessage("No in-process handler is registered for this plugin").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewLifecycleHookError(pluginID, hook string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeLifecycleHookFailed, "Lifecycle hook failed: "+hook).
		WithUserMessage("The plugin's lifecycle hook returned an error").
		WithContext("plugin_id", pluginID).
		WithContext("hook", hook).
		WithSeverity("error")
}

func NewHandlerConflictError(pluginID string) *errors.Error {
	return errors.New(ErrCodeHandlerConflict, "Plugin handler already registered").
		WithUserMessage("A handler is already registered under this plugin identity").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewExecutorClosedError() *errors.Error {
	return errors.New(ErrCodeExecutorClosed, "Executor is closed").
		WithUserMessage("The executor has been shut down and no longer accepts work").
		WithSeverity("error")
}

// Circuit breaker error constructors

func NewPluginCircuitOpenError(pluginID string, retryAfter time.Duration) *errors.Error {
	return errors.New(ErrCodeCircuitOpen, "Circuit breaker open").
		WithUserMessage("Circuit breaker is open, failing fast to prevent cascading failures").
		WithContext("plugin_id", pluginID).
		WithContext("retry_after_ms", retryAfter.Milliseconds()).
		WithSeverity("warning").
		AsRetryable()
}

// Gateway capability error constructors

func NewGatewayNotAuthorizedError(gatewayID string) *errors.Error {
	return errors.New(ErrCodeGatewayNotAuthorized, "Gateway not authorized").
		WithUserMessage("The requested gateway is not in the invocation's authorized set").
		WithContext("gateway_id", gatewayID).
		WithSeverity("warning")
}

func NewGatewayExecutionError(gatewayID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeGatewayFailed, "Gateway execution failed").
		WithUserMessage("The gateway operation failed").
		WithContext("gateway_id", gatewayID).
		WithSeverity("error")
}

// Storage capability error constructors

func NewStorageError(op, key string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStorageFailed, "Storage operation failed: "+op).
		WithUserMessage("The plugin storage operation failed").
		WithContext("operation", op).
		WithContext("key", key).
		WithSeverity("error")
}

// Configuration error constructors

func NewInvalidConfigError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeInvalidConfig, "Invalid executor configuration: "+message).
			WithUserMessage("Executor configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeInvalidConfig, "Invalid executor configuration: "+message).
		WithUserMessage("Executor configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatchError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatch, "Configuration watcher error: "+message).
		WithUserMessage("Executor configuration monitoring failed").
		WithSeverity("error")
}

// Message bridge error constructors

func NewBridgeProtocolError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeBridgeProtocol, "Bridge protocol error: "+message).
			WithUserMessage("Communication with the isolated unit failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeBridgeProtocol, "Bridge protocol error: "+message).
		WithUserMessage("Communication with the isolated unit failed").
		WithSeverity("error")
}

func NewBridgeOverflowError(limit int) *errors.Error {
	return errors.New(ErrCodeBridgeOverflow, "Bridge request limit exceeded").
		WithUserMessage("Too many concurrent capability requests from one invocation").
		WithContext("limit", limit).
		WithSeverity("warning")
}

// errorCode extracts the structured code from any error in the chain, or ""
// for plain errors.
func errorCode(err error) string {
	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return string(structured.Code)
	}
	return ""
}

// IsTimeoutError reports whether err is a runner-enforced deadline failure.
func IsTimeoutError(err error) bool {
	return errorCode(err) == ErrCodeExecutionTimeout
}

// IsCrashError reports whether err is an abnormal unit termination.
func IsCrashError(err error) bool {
	return errorCode(err) == ErrCodeExecutionCrash
}

// IsCircuitOpenError reports whether err is a circuit-breaker fast-fail.
func IsCircuitOpenError(err error) bool {
	return errorCode(err) == ErrCodeCircuitOpen
}

// IsNotRegisteredError reports whether err is a missing in-process handler.
func IsNotRegisteredError(err error) bool {
	return errorCode(err) == ErrCodeHandlerNotRegistered
}
