// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setPdeathsigOS(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = unix.SIGKILL
}
