// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// crashwalk-fetch inspects minidumps and exercises the symbol pipeline
// from the command line:
//
//	crashwalk-fetch -config cfg -dump crash.dmp     list modules and symbol keys
//	crashwalk-fetch -config cfg -file xul.pdb -id 44E4...C2 [-out file]
//	                                                fetch one symbol file into the cache
package main

import (
	"flag"
	"fmt"

	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/minidump"
	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/procconfig"
	"github.com/crashwalk/crashwalk/pkg/symbols"
	"github.com/crashwalk/crashwalk/pkg/symcache"
	"github.com/crashwalk/crashwalk/pkg/symsrv"
	"github.com/crashwalk/crashwalk/pkg/tool"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagDump   = flag.String("dump", "", "minidump file to inspect")
	flagFile   = flag.String("file", "", "debug file name to fetch")
	flagID     = flag.String("id", "", "debug id to fetch")
	flagOut    = flag.String("out", "", "also copy the fetched symbol file to this path")
)

func main() {
	flag.Parse()
	cfg, err := procconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	switch {
	case *flagDump != "":
		listModules(*flagDump)
	case *flagFile != "" && *flagID != "":
		fetchKey(cfg, symbols.MakeKey(*flagFile, *flagID))
	default:
		tool.Failf("specify either -dump, or -file and -id")
	}
}

func listModules(dump string) {
	modules, err := minidump.ReadFileModules(dump)
	if err != nil {
		log.Fatal(err)
	}
	for _, mod := range modules {
		key := "-"
		if mod.DebugFile != "" {
			key = mod.SymbolKey().StorePath()
		}
		fmt.Printf("%016x %8x %-40v %v\n", mod.Base, mod.Size, mod.Name, key)
	}
}

func fetchKey(cfg *procconfig.Config, key symbols.Key) {
	cache, err := symcache.Open(cfg.SymbolCacheDir, cfg.SymbolCacheBudget(), cfg.SymbolNegativeTTL())
	if err != nil {
		log.Fatal(err)
	}
	fetcher := symsrv.New(cfg.SymbolURLs, cfg.FetchTimeout())
	path, release, err := cache.GetOrFetch(tool.Context(), key, fetcher.Fetch)
	if err != nil {
		log.Fatal(err)
	}
	defer release()
	if *flagOut != "" {
		// Copy out while the entry is still referenced, eviction could
		// remove the cached file right after release.
		if err := osutil.CopyFile(path, *flagOut); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Println(path)
}
