// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package procconfig holds the processor worker configuration.
package procconfig

import (
	"time"
)

type Config struct {
	// Workdir holds the symbol cache, scratch space and (by default) the
	// filesystem crash spool. Required.
	Workdir string `json:"workdir"`

	// Command line for the external stackwalking tool.
	// Split on whitespace into argv, no shell involved.
	// Recognized placeholders:
	//	{dump_file}           path to the minidump
	//	{symbol_search_path}  resolved local symbol dirs (expands to one
	//	                      argv entry per dir when it is a standalone word)
	//	{symbols_cache}       symbol cache directory
	//	{symbols_tmp}         per-invocation scratch directory
	//	{symbol_urls}         configured symbol server URLs
	StackwalkCommand string `json:"stackwalk_command"`

	// Symbol servers to try in priority order.
	SymbolURLs []string `json:"symbol_urls"`

	// Symbol cache directory (default: workdir/symbols).
	SymbolCacheDir string `json:"symbol_cache_dir"`

	// Scratch space for the tool's own temp files (default: workdir/tmp).
	SymbolScratchDir string `json:"symbol_scratch_dir"`

	// Symbol cache size budget in MB (default: 4096).
	SymbolCacheBudgetMB int `json:"symbol_cache_budget_mb"`

	// How long a "symbol not found" result is remembered, in seconds (default: 300).
	SymbolNegativeTTLSec int `json:"symbol_negative_ttl_sec"`

	// Per-attempt symbol download timeout in seconds (default: 30).
	FetchTimeoutSec int `json:"fetch_timeout_sec"`

	// Hard wall-clock limit for one stackwalker invocation in seconds (default: 120).
	WalkTimeoutSec int `json:"walk_timeout_sec"`

	// Cap on captured stackwalker stdout in MB (default: 64).
	MaxWalkOutputMB int `json:"max_walk_output_mb"`

	// Which named dump of a raw crash to process (default: upload_file_minidump).
	DumpField string `json:"dump_field"`

	// How many symbol files are fetched in parallel per crash (default: 4).
	FetchConcurrency int `json:"fetch_concurrency"`

	// Number of concurrent processing workers (default: 1).
	Workers int `json:"workers"`

	// Address for the stats/metrics HTTP endpoint (empty disables it).
	HTTP string `json:"http"`

	// Crash storage: "dir:/path/to/spool" or "gcs:bucket/prefix"
	// (default: dir:workdir/crashes).
	CrashStorage string `json:"crash_storage"`
}

func (cfg *Config) SymbolCacheBudget() int64 {
	return int64(cfg.SymbolCacheBudgetMB) << 20
}

func (cfg *Config) SymbolNegativeTTL() time.Duration {
	return time.Duration(cfg.SymbolNegativeTTLSec) * time.Second
}

func (cfg *Config) FetchTimeout() time.Duration {
	return time.Duration(cfg.FetchTimeoutSec) * time.Second
}

func (cfg *Config) WalkTimeout() time.Duration {
	return time.Duration(cfg.WalkTimeoutSec) * time.Second
}

func (cfg *Config) MaxWalkOutput() int64 {
	return int64(cfg.MaxWalkOutputMB) << 20
}
