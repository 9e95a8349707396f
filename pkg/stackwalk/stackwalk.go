// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stackwalk runs the external stackwalking tool on a minidump
// under a hard wall-clock limit.
//
// The tool runs in its own process group; on timeout or cancellation the
// whole group is killed so no descendants survive. Stdout is captured up
// to a configured cap and the outcome is classified from the exit status:
// exit 0 is a completed walk, nonzero with no output means the tool itself
// died, nonzero with partial output is a tool error whose output is still
// worth keeping.
package stackwalk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/stat"
)

type Status int

const (
	Completed Status = iota
	TimedOut
	Crashed
	ToolError
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Crashed:
		return "crashed"
	case ToolError:
		return "tool_error"
	}
	return fmt.Sprintf("status(%v)", int(s))
}

// Result is the outcome of one tool invocation.
// Output/Stderr are returned for every status; a partial stack from a
// failed walk still has diagnostic value.
type Result struct {
	Status    Status
	ExitCode  int
	Output    []byte
	Stderr    []byte
	Truncated bool
	Elapsed   time.Duration
}

// Config describes how to run the tool.
type Config struct {
	// Command line template, split on whitespace into argv (no shell).
	// Placeholders: {dump_file}, {symbol_search_path}, {symbols_cache},
	// {symbols_tmp}, {symbol_urls}. The search path and URL placeholders
	// expand to one argv entry per value when they form a whole word.
	Command    string
	Timeout    time.Duration
	MaxOutput  int64
	ScratchDir string // per-invocation temp dirs are created under it
	CacheDir   string // substituted for {symbols_cache}
	SymbolURLs []string
}

type Invoker struct {
	cfg  Config
	argv []string
}

const maxStderr = 256 << 10

var (
	statWalks    = stat.New("stackwalks", "Stackwalker invocations", stat.Rate{}, stat.Prometheus("crashwalk_stackwalks"))
	statTimeouts = stat.New("stackwalk timeouts", "Stackwalker invocations killed on timeout", stat.Prometheus("crashwalk_stackwalk_timeouts"))
	statWalkMS   = stat.New("stackwalk time ms", "Stackwalker run time (ms)", stat.Distribution{})
)

func New(cfg Config) (*Invoker, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty stackwalk command")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("stackwalk timeout must be positive")
	}
	if err := osutil.MkdirAll(cfg.ScratchDir); err != nil {
		return nil, err
	}
	return &Invoker{cfg: cfg, argv: argv}, nil
}

// Walk runs the tool on dumpFile with the given local symbol dirs.
// A non-nil error means the walk did not happen (bad environment or
// canceled context); tool failures are reported via Result.Status.
func (inv *Invoker) Walk(ctx context.Context, dumpFile string, symbolDirs []string) (*Result, error) {
	statWalks.Add(1)
	scratch, err := os.MkdirTemp(inv.cfg.ScratchDir, "walk-")
	if err != nil {
		return nil, fmt.Errorf("failed to create walk scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	argv := inv.expand(dumpFile, symbolDirs, scratch)
	log.Logf(2, "stackwalk: running %q", argv)
	cmd := osutil.Command(argv[0], argv[1:]...)
	stdout := &truncWriter{max: inv.cfg.MaxOutput}
	stderr := &truncWriter{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", argv[0], err)
	}
	done := make(chan struct{})
	timedout := make(chan bool, 1)
	timer := time.NewTimer(inv.cfg.Timeout)
	go func() {
		select {
		case <-timer.C:
			timedout <- true
			osutil.KillPgroup(cmd)
			cmd.Process.Kill()
		case <-ctx.Done():
			timedout <- false
			osutil.KillPgroup(cmd)
			cmd.Process.Kill()
		case <-done:
			timedout <- false
			timer.Stop()
		}
	}()
	waitErr := cmd.Wait()
	close(done)
	killed := <-timedout

	res := &Result{
		ExitCode:  osutil.ExitCode(waitErr),
		Output:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated,
		Elapsed:   time.Since(start),
	}
	statWalkMS.Add(int(res.Elapsed.Milliseconds()))
	if killed {
		statTimeouts.Add(1)
		res.Status = TimedOut
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case waitErr == nil:
		res.Status = Completed
	case len(res.Output) > 0:
		res.Status = ToolError
	default:
		res.Status = Crashed
	}
	return res, nil
}

func (inv *Invoker) expand(dumpFile string, symbolDirs []string, scratch string) []string {
	urls := strings.Join(inv.cfg.SymbolURLs, ",")
	var argv []string
	for _, word := range inv.argv {
		switch word {
		case "{symbol_search_path}":
			// A standalone placeholder becomes one argument per directory,
			// the form breakpad-style tools expect.
			argv = append(argv, symbolDirs...)
			continue
		case "{symbol_urls}":
			argv = append(argv, inv.cfg.SymbolURLs...)
			continue
		}
		word = strings.ReplaceAll(word, "{dump_file}", dumpFile)
		word = strings.ReplaceAll(word, "{symbols_cache}", inv.cfg.CacheDir)
		word = strings.ReplaceAll(word, "{symbols_tmp}", scratch)
		word = strings.ReplaceAll(word, "{symbol_search_path}", strings.Join(symbolDirs, string(os.PathListSeparator)))
		word = strings.ReplaceAll(word, "{symbol_urls}", urls)
		argv = append(argv, word)
	}
	return argv
}

// truncWriter keeps the first max bytes and discards the rest,
// remembering that it did.
type truncWriter struct {
	max       int64
	buf       bytes.Buffer
	truncated bool
}

func (w *truncWriter) Write(data []byte) (int, error) {
	n := len(data)
	room := w.max - int64(w.buf.Len())
	if room <= 0 {
		if n > 0 {
			w.truncated = true
		}
		return n, nil
	}
	if int64(n) > room {
		w.truncated = true
		data = data[:room]
	}
	w.buf.Write(data)
	return n, nil
}

func (w *truncWriter) Bytes() []byte {
	return w.buf.Bytes()
}
