// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// crashwalk-submit puts a minidump into the crash spool for processing
// and prints the assigned crash id.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/crashwalk/crashwalk/pkg/crash"
	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/procconfig"
	"github.com/crashwalk/crashwalk/pkg/storage"
	"github.com/crashwalk/crashwalk/pkg/tool"
)

var (
	flagConfig  = flag.String("config", "", "configuration file")
	flagDump    = flag.String("dump", "", "minidump file to submit")
	flagProduct = flag.String("product", "", "product name")
	flagVersion = flag.String("version", "", "product version")
)

func main() {
	flag.Parse()
	cfg, err := procconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	if *flagDump == "" {
		tool.Failf("specify -dump")
	}
	if err := osutil.IsAccessible(*flagDump); err != nil {
		tool.Failf("%v", err)
	}
	data, err := os.ReadFile(*flagDump)
	if err != nil {
		log.Fatal(err)
	}
	store, err := storage.Open(cfg.CrashStorage, cfg.SymbolScratchDir)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	raw := &crash.RawCrash{
		Product: *flagProduct,
		Version: *flagVersion,
	}
	dumps := map[string][]byte{cfg.DumpField: data}
	if err := store.Submit(tool.Context(), raw, dumps); err != nil {
		log.Fatal(err)
	}
	fmt.Println(raw.ID)
}
