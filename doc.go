// Package pluginexec executes untrusted third-party plugin code against live
// tenant data with strict isolation, hard timeouts, resource ceilings, and
// per-plugin circuit breaking.
//
// The package provides two runners behind a single orchestrator:
//
//   - IsolatedRunner spawns a fresh subprocess per invocation, enforces a
//     memory ceiling and a destructive wall-clock timeout, and serves the
//     plugin's storage and gateway requests over a correlated JSON message
//     channel on the process's stdio.
//   - InProcessRunner executes trusted built-in handlers on the caller's
//     goroutine with cooperative (context-based) cancellation only.
//
// Every execution attempt passes through an independent, lazily created
// circuit breaker keyed by plugin identity, so a consistently failing plugin
// is contained without affecting its neighbors.
//
// Basic usage:
//
//	exec, err := pluginexec.NewExecutor(pluginexec.ExecutorConfig{
//		IsolationEnabled: true,
//		Unit: pluginexec.UnitConfig{Command: "/usr/local/bin/plugin-unit"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result, err := exec.Execute(ctx, "weather-widget", code, event, invocation)
//
// Plugin code never receives raw host handles; it sees only the event payload
// and the two capability accessors (storage, gateway). That boundary is the
// invariant the whole design protects.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginexec
