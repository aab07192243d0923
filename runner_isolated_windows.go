// runner_isolated_windows.go: Unit termination on Windows
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package pluginexec

import "os/exec"

// configureUnitProcAttr is a no-op on Windows; there is no process-group
// equivalent of Setpgid, so killUnit terminates only the unit itself.
func configureUnitProcAttr(_ *exec.Cmd) {}

// killUnit forcibly terminates the unit process. Safe to call more than once
// and after the unit has already exited.
func killUnit(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
