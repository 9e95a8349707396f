// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import "os/exec"

func setPdeathsig(cmd *exec.Cmd) {
}

func KillPgroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func ProcessExists(pid int) bool {
	return false
}
