// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix && !linux

package osutil

import "syscall"

func setPdeathsigOS(attr *syscall.SysProcAttr) {
}
