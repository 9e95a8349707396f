// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package procconfig

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/crashwalk/crashwalk/pkg/config"
)

func LoadFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		StackwalkCommand: "minidump-stackwalk -m --symbols-tmp {symbols_tmp}" +
			" --symbols-cache {symbols_cache} {dump_file} {symbol_search_path}",
		SymbolCacheBudgetMB:  4096,
		SymbolNegativeTTLSec: 300,
		FetchTimeoutSec:      30,
		WalkTimeoutSec:       120,
		MaxWalkOutputMB:      64,
		DumpField:            "upload_file_minidump",
		FetchConcurrency:     4,
		Workers:              1,
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	cfg.Workdir, _ = filepath.Abs(cfg.Workdir)
	if cfg.SymbolCacheDir == "" {
		cfg.SymbolCacheDir = filepath.Join(cfg.Workdir, "symbols")
	}
	if cfg.SymbolScratchDir == "" {
		cfg.SymbolScratchDir = filepath.Join(cfg.Workdir, "tmp")
	}
	if cfg.CrashStorage == "" {
		cfg.CrashStorage = "dir:" + filepath.Join(cfg.Workdir, "crashes")
	}
	if strings.TrimSpace(cfg.StackwalkCommand) == "" {
		return fmt.Errorf("config param stackwalk_command is empty")
	}
	for _, u := range cfg.SymbolURLs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("bad symbol url %q", u)
		}
	}
	if cfg.SymbolCacheBudgetMB <= 0 {
		return fmt.Errorf("config param symbol_cache_budget_mb must be positive")
	}
	if cfg.WalkTimeoutSec <= 0 || cfg.FetchTimeoutSec <= 0 {
		return fmt.Errorf("config params walk_timeout_sec/fetch_timeout_sec must be positive")
	}
	if cfg.Workers < 1 || cfg.FetchConcurrency < 1 {
		return fmt.Errorf("config params workers/fetch_concurrency must be at least 1")
	}
	if cfg.DumpField == "" {
		return fmt.Errorf("config param dump_field is empty")
	}
	return nil
}
