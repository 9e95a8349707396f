// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package stackwalk

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/pkg/osutil"
)

func testScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func testInvoker(t *testing.T, script string, args string, timeout time.Duration) *Invoker {
	inv, err := New(Config{
		Command:    script + " " + args,
		Timeout:    timeout,
		MaxOutput:  1 << 20,
		ScratchDir: filepath.Join(t.TempDir(), "scratch"),
		CacheDir:   "/cache",
		SymbolURLs: []string{"https://sym1.example.com", "https://sym2.example.com"},
	})
	require.NoError(t, err)
	return inv
}

func TestWalkCompleted(t *testing.T) {
	script := testScript(t, "echo OK; echo noise >&2; exit 0")
	inv := testInvoker(t, script, "{dump_file}", time.Minute)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "OK\n", string(res.Output))
	assert.Equal(t, "noise\n", string(res.Stderr))
	assert.False(t, res.Truncated)
}

func TestWalkArgumentExpansion(t *testing.T) {
	script := testScript(t, `printf '%s\n' "$@"`)
	inv := testInvoker(t, script,
		"-m --cache {symbols_cache} --tmp {symbols_tmp} {dump_file} {symbol_search_path} {symbol_urls}",
		time.Minute)
	res, err := inv.Walk(context.Background(), "/dumps/a.dmp", []string{"/syms/one", "/syms/two"})
	require.NoError(t, err)
	require.Equal(t, Completed, res.Status)

	args := strings.Split(strings.TrimRight(string(res.Output), "\n"), "\n")
	require.Len(t, args, 10)
	assert.Equal(t, "-m", args[0])
	assert.Equal(t, "--cache", args[1])
	assert.Equal(t, "/cache", args[2])
	assert.Equal(t, "--tmp", args[3])
	assert.True(t, strings.HasPrefix(args[4], inv.cfg.ScratchDir+"/walk-"), "scratch arg %q", args[4])
	assert.Equal(t, "/dumps/a.dmp", args[5])
	// The search path placeholder expands to one argument per directory.
	assert.Equal(t, "/syms/one", args[6])
	assert.Equal(t, "/syms/two", args[7])
	// Same for the URL placeholder.
	assert.Equal(t, "https://sym1.example.com", args[8])
	assert.Equal(t, "https://sym2.example.com", args[9])
}

func TestWalkEmptySearchPath(t *testing.T) {
	script := testScript(t, `echo "$#"`)
	inv := testInvoker(t, script, "{dump_file} {symbol_search_path}", time.Minute)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, "1\n", string(res.Output))
}

func TestWalkTimedOut(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	// The grandchild records its pid; after the group kill it must be gone.
	script := testScript(t, "sh -c 'echo $$ > "+pidFile+"; sleep 60' & wait")
	inv := testInvoker(t, script, "{dump_file}", time.Second)

	start := time.Now()
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, res.Status)
	assert.Less(t, time.Since(start), 10*time.Second)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	for i := 0; i < 50 && osutil.ProcessExists(pid); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, osutil.ProcessExists(pid), "grandchild %v survived the kill", pid)
}

func TestWalkCrashed(t *testing.T) {
	script := testScript(t, "exit 3")
	inv := testInvoker(t, script, "{dump_file}", time.Minute)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, Crashed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Empty(t, res.Output)
}

func TestWalkToolError(t *testing.T) {
	// Partial output from a failed walk is kept.
	script := testScript(t, "echo 'OS|Linux|...'; exit 1")
	inv := testInvoker(t, script, "{dump_file}", time.Minute)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, ToolError, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "OS|Linux|...\n", string(res.Output))
}

func TestWalkTruncatesOutput(t *testing.T) {
	script := testScript(t, "head -c 100000 /dev/zero | tr '\\0' 'a'")
	inv, err := New(Config{
		Command:    script,
		Timeout:    time.Minute,
		MaxOutput:  1024,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Status)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Output, 1024)
}

func TestWalkCanceled(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := testScript(t, "echo $$ > "+pidFile+"; sleep 60")
	inv := testInvoker(t, script, "", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := inv.Walk(ctx, "/tmp/x.dmp", nil)
	require.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	for i := 0; i < 50 && osutil.ProcessExists(pid); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, osutil.ProcessExists(pid))
}

func TestWalkScratchCleanup(t *testing.T) {
	scratch := filepath.Join(t.TempDir(), "scratch")
	inv, err := New(Config{
		Command:    testScript(t, "test -d \"$1\"") + " {symbols_tmp}",
		Timeout:    time.Minute,
		MaxOutput:  1 << 20,
		ScratchDir: scratch,
	})
	require.NoError(t, err)
	res, err := inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.NoError(t, err)
	// The scratch dir existed while the tool ran and is gone afterwards.
	assert.Equal(t, Completed, res.Status)
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalkStartError(t *testing.T) {
	inv, err := New(Config{
		Command:    "/nonexistent/stackwalker {dump_file}",
		Timeout:    time.Minute,
		MaxOutput:  1 << 20,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = inv.Walk(context.Background(), "/tmp/x.dmp", nil)
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Command: "  ", Timeout: time.Minute, ScratchDir: t.TempDir()})
	require.Error(t, err)
	_, err = New(Config{Command: "tool", ScratchDir: t.TempDir()})
	require.Error(t, err)
}
