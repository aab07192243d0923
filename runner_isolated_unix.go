// runner_isolated_unix.go: Process-group isolation for units on Unix
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package pluginexec

import (
	"os/exec"
	"syscall"
)

// configureUnitProcAttr places the unit in its own process group so that a
// forced kill reaches any children the unit itself spawned.
func configureUnitProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killUnit forcibly terminates the unit's whole process group with no grace
// period. Safe to call more than once and after the unit has already exited.
func killUnit(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Group kill can fail when the leader already exited; fall back to
		// the single process.
		_ = cmd.Process.Kill()
	}
}
