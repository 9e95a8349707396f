// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package osutil

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setPdeathsig(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// The child gets its own process group so that KillPgroup takes down
	// everything the tool spawned, not just the tool itself.
	cmd.SysProcAttr.Setpgid = true
	setPdeathsigOS(cmd.SysProcAttr)
}

// KillPgroup forcibly kills the whole process group of the started command.
func KillPgroup(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// ProcessExists reports whether a process with the given pid is still alive.
func ProcessExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
