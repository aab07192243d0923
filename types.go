// types.go: Common data types for the plugin execution subsystem
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"strings"
	"time"
)

// EventType discriminates the event shapes a plugin invocation can carry.
//
// Workflow-step events wrap their effective payload one level deeper than
// generic events; EffectivePayload applies the unwrap rule so runners never
// have to inspect the shape themselves.
type EventType string

const (
	EventGeneric      EventType = "generic"
	EventWorkflowStep EventType = "workflow_step"
)

// WorkflowStep carries the step-scoped portion of a workflow event.
type WorkflowStep struct {
	StepID  string         `json:"step_id"`
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event is the tagged union delivered to plugin code. Step is set only when
// Type is EventWorkflowStep; all other variants use the event's own Payload.
type Event struct {
	Type    EventType      `json:"type"`
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Step    *WorkflowStep  `json:"step,omitempty"`
}

// EffectivePayload returns the payload plugin code should observe: workflow
// step events unwrap to the step's sub-payload, everything else keeps the
// event's own payload.
func (e Event) EffectivePayload() map[string]any {
	if e.Type == EventWorkflowStep && e.Step != nil {
		return e.Step.Payload
	}
	return e.Payload
}

// GatewayDescriptor is the reduced, serializable view of a gateway that
// plugin code is allowed to see.
type GatewayDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// InvocationContext carries the caller-scoped data for one plugin execution.
//
// The orchestrator owns the context for the duration of a single call; runners
// must not retain it past that call. Plugin code never receives this struct
// directly, only the reduced snapshot and the capability accessors.
type InvocationContext struct {
	UserID         string
	OrganizationID string
	PluginConfig   map[string]any
	InstallationID string
	Gateways       []GatewayDescriptor
}

// ExecutionMetrics holds per-attempt measurements.
type ExecutionMetrics struct {
	DurationMs int64 `json:"duration_ms"`
}

// ExecutionResult is the uniform outcome shape produced exactly once per
// attempt. The orchestrator may synthesize one when the runner never returns
// (crash, timeout) so callers always observe a consistent shape.
type ExecutionResult struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Payload map[string]any   `json:"payload,omitempty"`
	Metrics ExecutionMetrics `json:"metrics"`
}

// RunnerConfig bundles the per-invocation execution limits handed to runners.
type RunnerConfig struct {
	Timeout       time.Duration
	MemoryLimitMB int
	StackSizeKB   int
}

// BuiltinCodePrefix marks a code reference as a built-in plugin. Built-in
// references always execute on the in-process runner regardless of the
// isolation setting.
const BuiltinCodePrefix = "builtin:"

// IsBuiltinRef reports whether code is a built-in reference rather than
// user-supplied plugin source.
func IsBuiltinRef(code string) bool {
	return strings.HasPrefix(code, BuiltinCodePrefix)
}

// Lifecycle hook names dispatched by ExecuteLifecycleHook.
const (
	HookInstall   = "install"
	HookUninstall = "uninstall"
	HookEnable    = "enable"
	HookDisable   = "disable"
)
