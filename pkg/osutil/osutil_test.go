// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package osutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExist(t *testing.T) {
	if f := os.Args[0]; !IsExist(f) {
		t.Fatalf("executable %v does not exist", f)
	}
	if f := os.Args[0] + "-foo-bar-buz"; IsExist(f) {
		t.Fatalf("file %v exists", f)
	}
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Run(time.Second, Command("sleep", "60"))
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timedout")
	assert.Less(t, elapsed, 10*time.Second)
}

func TestRunKillsGroup(t *testing.T) {
	// The shell spawns a grandchild that records its pid; after the timeout
	// kill, the grandchild must be gone as well.
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := "echo $$ > " + pidFile + "; sleep 60"
	_, err := Run(time.Second, Command("sh", "-c", "sh -c '"+script+"' & wait"))
	require.Error(t, err)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	// Give the kernel a moment to reap.
	for i := 0; i < 50 && ProcessExists(pid); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, ProcessExists(pid), "grandchild %v survived the group kill", pid)
}

func TestRunOutput(t *testing.T) {
	out, err := Run(time.Minute, Command("echo", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExitCode(t *testing.T) {
	_, err := Run(time.Minute, Command("sh", "-c", "exit 42"))
	require.Error(t, err)
	var verbose *VerboseError
	require.ErrorAs(t, err, &verbose)
	assert.Equal(t, 42, verbose.ExitCode)
}

func TestPrependContext(t *testing.T) {
	_, err := Run(time.Minute, Command("sh", "-c", "echo some output; exit 7"))
	require.Error(t, err)
	err = PrependContext("symbol upload", err)
	var verbose *VerboseError
	require.ErrorAs(t, err, &verbose)
	assert.True(t, strings.HasPrefix(verbose.Title, "symbol upload: "), verbose.Title)
	assert.Equal(t, 7, verbose.ExitCode)
	assert.Contains(t, err.Error(), "some output")

	plain := PrependContext("open spool", os.ErrNotExist)
	require.ErrorIs(t, plain, os.ErrNotExist)
	assert.Contains(t, plain.Error(), "open spool: ")
}

func TestIsAccessible(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.Error(t, IsAccessible(file))
	require.NoError(t, WriteFile(file, nil))
	require.NoError(t, IsAccessible(file))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, WriteFile(src, []byte("payload")))
	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.False(t, IsExist(dst+".tmp"))

	require.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "a"), make([]byte, 100)))
	require.NoError(t, MkdirAll(filepath.Join(dir, "sub")))
	require.NoError(t, WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 23)))
	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(123), size)
}
