// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package processor implements the stackwalking transform rule: it takes
// a raw crash with a minidump, resolves debug symbols through the shared
// disk cache, runs the external stackwalking tool and normalizes the
// outcome into a processed-crash fragment.
//
// Process never fails past its own boundary for crash-specific problems.
// A dump that cannot be parsed, symbols that cannot be found and a tool
// that times out or dies all resolve into a fragment with errors and
// warnings attached. The only condition reported as a Go error is a
// broken worker environment (cache disk I/O, cancellation), in which
// case the pipeline driver should retry the crash later.
package processor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crashwalk/crashwalk/pkg/crash"
	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/minidump"
	"github.com/crashwalk/crashwalk/pkg/procconfig"
	"github.com/crashwalk/crashwalk/pkg/stackwalk"
	"github.com/crashwalk/crashwalk/pkg/stat"
	"github.com/crashwalk/crashwalk/pkg/symbols"
	"github.com/crashwalk/crashwalk/pkg/symcache"
	"github.com/crashwalk/crashwalk/pkg/symsrv"
)

var (
	statProcessed = stat.New("crashes processed", "Processed crashes", stat.Rate{}, stat.Prometheus("crashwalk_crashes_processed"))
	statMalformed = stat.New("malformed dumps", "Crashes with unparsable dumps", stat.Prometheus("crashwalk_malformed_dumps"))
	statFailed    = stat.New("failed walks", "Crashes whose stackwalk did not complete", stat.Prometheus("crashwalk_failed_walks"))
)

// Keep pathological walks from turning into pathological fragments.
const maxFrames = 10000

type Processor struct {
	cfg     *procconfig.Config
	cache   *symcache.Cache
	fetcher *symsrv.Fetcher
	invoker *stackwalk.Invoker
}

func New(cfg *procconfig.Config) (*Processor, error) {
	cache, err := symcache.Open(cfg.SymbolCacheDir, cfg.SymbolCacheBudget(), cfg.SymbolNegativeTTL())
	if err != nil {
		return nil, err
	}
	invoker, err := stackwalk.New(stackwalk.Config{
		Command:    cfg.StackwalkCommand,
		Timeout:    cfg.WalkTimeout(),
		MaxOutput:  cfg.MaxWalkOutput(),
		ScratchDir: cfg.SymbolScratchDir,
		CacheDir:   cfg.SymbolCacheDir,
		SymbolURLs: cfg.SymbolURLs,
	})
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:     cfg,
		cache:   cache,
		fetcher: symsrv.New(cfg.SymbolURLs, cfg.FetchTimeout()),
		invoker: invoker,
	}, nil
}

// Process runs the transform rule on one raw crash.
// The fragment is non-nil whenever the error is nil; a non-nil error means
// the worker environment is broken or the context was canceled and the
// crash should be retried, with the partial fragment attached for logging.
func (p *Processor) Process(ctx context.Context, raw *crash.RawCrash) (*crash.Fragment, error) {
	start := time.Now()
	statProcessed.Add(1)
	frag := crash.NewFragment(raw.ID)
	defer func() {
		frag.DurationMS = time.Since(start).Milliseconds()
	}()

	dump := raw.Dumps[p.cfg.DumpField]
	if dump == "" {
		statMalformed.Add(1)
		frag.AddError(crash.MalformedInput, "raw crash has no %v dump", p.cfg.DumpField)
		return frag, nil
	}
	modules, err := minidump.ReadFileModules(dump)
	if err != nil {
		statMalformed.Add(1)
		frag.AddError(crash.MalformedInput, "%v", err)
		frag.AddNote("MDSW skipped: %v", err)
		return frag, nil
	}
	frag.ModulesTotal = len(modules)

	resolved, release, err := p.fetchSymbols(ctx, frag, symbolKeys(modules))
	// Cache entries stay referenced until the walk is over.
	defer release()
	if err != nil {
		return frag, err
	}

	var searchPath []string
	if resolved > 0 {
		// The cache directory mirrors the symbol store layout, so it serves
		// as the local symbol source for everything resolved above.
		searchPath = []string{p.cache.Dir()}
	}
	res, err := p.invoker.Walk(ctx, dump, searchPath)
	if err != nil {
		if ctx.Err() != nil {
			return frag, ctx.Err()
		}
		statFailed.Add(1)
		frag.AddError(crash.StackwalkToolError, "stackwalker did not run: %v", err)
		frag.AddNote("MDSW did not run: %v", err)
		return frag, nil
	}
	p.recordWalk(frag, res)
	log.Logf(1, "processed %v: status %v, %v frames, %v/%v modules missing symbols",
		raw.ID, frag.Status, len(frag.Frames), frag.ModulesMissing, frag.ModulesTotal)
	return frag, nil
}

// symbolKeys returns the deduplicated, validated symbol keys of modules.
func symbolKeys(modules []minidump.Module) []symbols.Key {
	var keys []symbols.Key
	seen := make(map[symbols.Key]bool)
	for _, mod := range modules {
		if mod.DebugFile == "" || mod.DebugID == "" {
			continue
		}
		key := mod.SymbolKey()
		if seen[key] || key.Validate() != nil {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// fetchSymbols resolves all keys through the cache with bounded
// concurrency. Per-key failures become fragment warnings; only a cache
// I/O failure (broken worker disk) or cancellation aborts the crash.
func (p *Processor) fetchSymbols(ctx context.Context, frag *crash.Fragment, keys []symbols.Key) (int, func(), error) {
	var mu sync.Mutex
	var releases []func()
	resolved := 0
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, rel := range releases {
			rel()
		}
		releases = nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, rel, err := p.cache.GetOrFetch(ctx, key, p.fetcher.Fetch)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				resolved++
				releases = append(releases, rel)
			case errors.Is(err, symbols.ErrNotFound):
				frag.AddWarning(crash.SymbolUnavailable, "no symbols for %v", key)
			case isCacheIO(err):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				frag.AddWarning(crash.SymbolFetchTransient, "symbol fetch for %v failed: %v", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if isCacheIO(err) {
			frag.AddError(crash.CacheIO, "%v", err)
		}
		release()
		return 0, func() {}, err
	}
	frag.ModulesMissing = len(keys) - resolved
	return resolved, release, nil
}

func isCacheIO(err error) bool {
	var ioErr *symcache.IOError
	return errors.As(err, &ioErr)
}

// recordWalk normalizes the tool outcome into the fragment.
func (p *Processor) recordWalk(frag *crash.Fragment, res *stackwalk.Result) {
	frag.Status = res.Status.String()
	frag.ExitCode = res.ExitCode
	frag.Output = string(res.Output)
	frag.OutputTruncated = res.Truncated
	if res.Truncated {
		frag.AddNote("MDSW output truncated at %v bytes", len(res.Output))
	}
	switch res.Status {
	case stackwalk.Completed:
		frag.Success = true
	case stackwalk.TimedOut:
		statFailed.Add(1)
		frag.AddError(crash.StackwalkTimeout, "stackwalker exceeded %v", p.cfg.WalkTimeout())
		frag.AddNote("MDSW terminated with SIGKILL due to timeout")
	case stackwalk.Crashed:
		statFailed.Add(1)
		frag.AddError(crash.StackwalkCrash, "stackwalker died with exit code %v and no output", res.ExitCode)
		frag.AddNote("MDSW failed with no output: exit code %v", res.ExitCode)
	case stackwalk.ToolError:
		statFailed.Add(1)
		frag.AddError(crash.StackwalkToolError, "stackwalker failed with exit code %v", res.ExitCode)
		frag.AddNote("MDSW failed: exit code %v, partial output kept", res.ExitCode)
	}
	if len(res.Output) > 0 {
		parseWalkOutput(frag, res.Output)
	}
}

// parseWalkOutput extracts the crash summary and the frames from the
// tool's machine-readable (pipe-separated) output:
//
//	Crash|SIGSEGV|0x7fff00000000|0
//	Module|app|1.0|xul.pdb|44E4...C2|0x400000|0x7fffff|1
//	0|0|libxul.so|nsFoo::Bar()|nsFoo.cpp|12|0x0
//
// Unknown and malformed lines are skipped: partial output from a failed
// walk must still yield whatever frames it contains.
func parseWalkOutput(frag *crash.Fragment, out []byte) {
	toolModules := 0
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, "|")
		switch fields[0] {
		case "Crash":
			if len(fields) < 4 {
				continue
			}
			frag.CrashType = fields[1]
			frag.CrashAddress = fields[2]
			if n, err := strconv.Atoi(fields[3]); err == nil {
				frag.CrashedThread = n
			}
		case "Module":
			// The tool may know about modules our header parse did not
			// yield a symbol key for.
			toolModules++
		case "OS", "CPU":
		default:
			if len(fields) < 7 || len(frag.Frames) >= maxFrames {
				continue
			}
			thread, err1 := strconv.Atoi(fields[0])
			index, err2 := strconv.Atoi(fields[1])
			if err1 != nil || err2 != nil {
				continue
			}
			line, _ := strconv.Atoi(fields[5])
			frag.Frames = append(frag.Frames, crash.Frame{
				Thread:   thread,
				Index:    index,
				Module:   fields[2],
				Function: fields[3],
				File:     fields[4],
				Line:     line,
				Offset:   fields[6],
			})
		}
	}
	if toolModules > frag.ModulesTotal {
		frag.ModulesTotal = toolModules
	}
}
