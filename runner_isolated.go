// runner_isolated.go: Subprocess-per-invocation plugin execution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// maxUnitMessageBytes bounds a single framed message from the unit.
const maxUnitMessageBytes = 4 << 20

// defaultWatchdogInterval is how often the memory supervisor samples the
// unit's RSS.
const defaultWatchdogInterval = 250 * time.Millisecond

// unitBootstrap is the serializable snapshot handed to the unit as its first
// stdin line. It is the only host data plugin code ever sees directly.
type unitBootstrap struct {
	PluginID     string         `json:"plugin_id"`
	Code         string         `json:"code"`
	EventType    EventType      `json:"event_type"`
	EventName    string         `json:"event_name,omitempty"`
	EventPayload map[string]any `json:"event_payload,omitempty"`
	Context      unitContext    `json:"context"`
	Limits       unitLimits     `json:"limits"`
}

// unitContext is the reduced invocation context exposed to the unit.
type unitContext struct {
	UserID         string              `json:"user_id"`
	OrganizationID string              `json:"organization_id,omitempty"`
	Config         map[string]any      `json:"config,omitempty"`
	InstallationID string              `json:"installation_id"`
	Gateways       []GatewayDescriptor `json:"gateways,omitempty"`
}

// unitLimits carries the resource ceilings the unit runtime must apply to
// itself. The young generation is budgeted at one quarter of the total.
type unitLimits struct {
	OldSpaceMB   int   `json:"old_space_mb"`
	YoungSpaceMB int   `json:"young_space_mb"`
	StackSizeKB  int   `json:"stack_size_kb"`
	TimeoutMs    int64 `json:"timeout_ms"`
}

func buildUnitLimits(cfg RunnerConfig) unitLimits {
	young := cfg.MemoryLimitMB / 4
	return unitLimits{
		OldSpaceMB:   cfg.MemoryLimitMB - young,
		YoungSpaceMB: young,
		StackSizeKB:  cfg.StackSizeKB,
		TimeoutMs:    cfg.Timeout.Milliseconds(),
	}
}

// Sentinel terminal causes used internally by Run.
var (
	errUnitTimeout = errors.New("unit deadline exceeded")
	errUnitExited  = errors.New("unit exited before returning a result")
	errMemoryLimit = errors.New("unit exceeded its memory ceiling")
)

type unitOutcome struct {
	result *ExecutionResult
}

// IsolatedRunner executes plugin code in a dedicated subprocess per
// invocation. Units are never pooled or reused: a crashed or hung unit
// cannot contaminate the next invocation.
//
// The runner's timeout is authoritative and destructive. On expiry the unit's
// whole process group is killed with no grace period, and the call resolves
// with a Timeout failure.
type IsolatedRunner struct {
	command          string
	args             []string
	maxInflight      int
	watchdogInterval time.Duration
	logger           Logger
}

// NewIsolatedRunner creates a runner that spawns command for every
// invocation. The command is the unit runtime executable that hosts the
// plugin code; it receives the bootstrap snapshot on stdin and speaks the
// bridge protocol on stdout.
func NewIsolatedRunner(command string, args []string, maxInflight int, logger Logger) *IsolatedRunner {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &IsolatedRunner{
		command:          command,
		args:             args,
		maxInflight:      maxInflight,
		watchdogInterval: defaultWatchdogInterval,
		logger:           logger,
	}
}

// Run executes one plugin invocation in a fresh isolated unit.
//
// Exactly one terminal event wins: result message, crash, exit, or timeout.
// The timeout timer is always cleared on any terminal event, so a late
// success can never be followed by a dangling force-kill.
func (r *IsolatedRunner) Run(
	ctx context.Context,
	pluginID, code string,
	event Event,
	invocation *InvocationContext,
	storage *StorageAccessor,
	gateway *GatewayAccessor,
	cfg RunnerConfig,
) (*ExecutionResult, error) {
	start := time.Now()

	bootstrap := unitBootstrap{
		PluginID:     pluginID,
		Code:         code,
		EventType:    event.Type,
		EventName:    event.Name,
		EventPayload: event.EffectivePayload(),
		Context: unitContext{
			UserID:         invocation.UserID,
			OrganizationID: invocation.OrganizationID,
			Config:         invocation.PluginConfig,
			InstallationID: invocation.InstallationID,
			Gateways:       invocation.Gateways,
		},
		Limits: buildUnitLimits(cfg),
	}
	payload, err := json.Marshal(bootstrap)
	if err != nil {
		return nil, NewBridgeProtocolError("failed to marshal unit bootstrap", err)
	}

	cmd := exec.Command(r.command, r.args...) // #nosec G204 -- unit runtime path comes from operator config
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PLUGIN_UNIT_OLD_SPACE_MB=%d", bootstrap.Limits.OldSpaceMB),
		fmt.Sprintf("PLUGIN_UNIT_YOUNG_SPACE_MB=%d", bootstrap.Limits.YoungSpaceMB),
		fmt.Sprintf("PLUGIN_UNIT_STACK_KB=%d", bootstrap.Limits.StackSizeKB),
		fmt.Sprintf("PLUGIN_UNIT_TIMEOUT_MS=%d", bootstrap.Limits.TimeoutMs),
	)
	configureUnitProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewExecutionCrashError(pluginID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewExecutionCrashError(pluginID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewExecutionCrashError(pluginID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewExecutionCrashError(pluginID, err)
	}

	unitLog := r.logger.With("plugin_id", pluginID, "pid", cmd.Process.Pid)
	unitLog.Debug("Isolated unit started",
		"timeout", cfg.Timeout,
		"memory_limit_mb", cfg.MemoryLimitMB)

	// Keep stderr out of the protocol stream but visible in host logs.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			unitLog.Debug("Unit stderr", "line", scanner.Text())
		}
	}()

	bridge := newCapabilityBridge(stdin, storage, gateway, r.maxInflight, unitLog)

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		killUnit(cmd)
		_ = cmd.Wait()
		return nil, NewExecutionCrashError(pluginID, err)
	}

	var memKilled atomic.Bool
	watchdogStop := make(chan struct{})
	go r.superviseMemory(cmd, int64(cfg.MemoryLimitMB)*1024*1024, &memKilled, watchdogStop, unitLog)

	outcome := make(chan unitOutcome, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxUnitMessageBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var req unitRequest
			if err := json.Unmarshal(line, &req); err != nil {
				unitLog.Warn("Discarding malformed unit message", "error", err)
				continue
			}
			if req.Method == bridgeMethodResult {
				res := req.Result
				if res == nil {
					res = &ExecutionResult{Success: false, Error: "unit returned an empty result message"}
				}
				outcome <- unitOutcome{result: res}
				return
			}
			bridge.dispatch(ctx, req)
		}
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	var result *ExecutionResult
	var terminal error

	select {
	case out := <-outcome:
		result = out.result
	case <-readerDone:
		// The reader may have delivered a result in the same instant the
		// stream closed; prefer it over the exit event.
		select {
		case out := <-outcome:
			result = out.result
		default:
			terminal = errUnitExited
		}
	case <-timer.C:
		terminal = errUnitTimeout
	case <-ctx.Done():
		terminal = ctx.Err()
	}

	// Single cleanup path for every terminal event: stop the watchdog, make
	// sure the unit is gone, drain the reader, cancel pending bridge slots,
	// and reap the process.
	close(watchdogStop)
	killUnit(cmd)
	<-readerDone
	bridge.close()
	waitErr := cmd.Wait()

	durationMs := time.Since(start).Milliseconds()

	switch {
	case result != nil:
		if result.Metrics.DurationMs == 0 {
			result.Metrics.DurationMs = durationMs
		}
		return result, nil

	case errors.Is(terminal, errUnitTimeout):
		unitLog.Warn("Isolated unit killed on timeout", "timeout", cfg.Timeout)
		return nil, NewExecutionTimeoutError(pluginID, cfg.Timeout)

	case errors.Is(terminal, errUnitExited):
		cause := waitErr
		if memKilled.Load() {
			cause = errMemoryLimit
		}
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		unitLog.Warn("Isolated unit crashed", "cause", cause)
		return nil, NewExecutionCrashError(pluginID, cause)

	default:
		// Caller cancellation
		return nil, NewExecutionError(pluginID, terminal)
	}
}

// superviseMemory samples the unit's resident set and kills the unit when it
// exceeds the ceiling. OS rlimits cannot bound RSS portably, so the ceiling
// is enforced by observation.
func (r *IsolatedRunner) superviseMemory(cmd *exec.Cmd, limitBytes int64, memKilled *atomic.Bool, stop <-chan struct{}, logger Logger) {
	if limitBytes <= 0 || cmd.Process == nil {
		return
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil {
				// Process already gone
				return
			}
			if int64(info.RSS) > limitBytes {
				memKilled.Store(true)
				logger.Warn("Unit exceeded memory ceiling, killing",
					"rss_bytes", info.RSS,
					"limit_bytes", limitBytes)
				killUnit(cmd)
				return
			}
		}
	}
}
