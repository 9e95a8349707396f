// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// crashwalk-worker polls the crash spool and runs the stackwalking
// transform rule on every pending crash.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/procconfig"
	"github.com/crashwalk/crashwalk/pkg/processor"
	"github.com/crashwalk/crashwalk/pkg/stat"
	"github.com/crashwalk/crashwalk/pkg/storage"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagOnce   = flag.Bool("once", false, "process the current backlog and exit")
)

const pollInterval = 5 * time.Second

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	cfg, err := procconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	proc, err := processor.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	store, err := storage.Open(cfg.CrashStorage, cfg.SymbolScratchDir)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if cfg.HTTP != "" {
		serveHTTP(cfg.HTTP)
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	go func() {
		<-shutdown
		cancel()
	}()

	log.Logf(0, "serving crash spool %v with %v workers", cfg.CrashStorage, cfg.Workers)
	for ctx.Err() == nil {
		ids, err := store.Pending(ctx, 1000)
		if err != nil {
			log.Logf(0, "failed to list pending crashes: %v", err)
			sleep(ctx, pollInterval)
			continue
		}
		if len(ids) == 0 {
			if *flagOnce {
				break
			}
			sleep(ctx, pollInterval)
			continue
		}
		processBatch(ctx, cfg.Workers, ids, proc, store)
	}
	log.Logf(0, "shutting down")
}

// processBatch walks one batch of pending crashes and waits for all of
// them, so the next Pending poll never sees an in-flight crash.
func processBatch(ctx context.Context, workers int, ids []string, proc *processor.Processor, store storage.Store) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			processOne(ctx, id, proc, store)
		}(id)
	}
	wg.Wait()
}

func processOne(ctx context.Context, id string, proc *processor.Processor, store storage.Store) {
	raw, cleanup, err := store.Get(ctx, id)
	if err != nil {
		log.Errorf("%v", osutil.PrependContext("failed to load crash "+id, err))
		return
	}
	defer cleanup()
	frag, err := proc.Process(ctx, raw)
	if err != nil {
		// Broken worker environment or shutdown: the crash stays pending
		// and is retried on the next pass.
		log.Errorf("%v", osutil.PrependContext("processing of "+id+" aborted", err))
		return
	}
	if err := store.Put(ctx, id, frag); err != nil {
		log.Errorf("%v", osutil.PrependContext("failed to store fragment for "+id, err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func serveHTTP(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		for _, metric := range stat.Collect() {
			fmt.Fprintf(w, "%-30v %v\n", metric.Name, metric.Value)
		}
	})
	http.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, log.CachedLogOutput())
	})
	log.Logf(0, "serving http on http://%v", addr)
	go func() {
		log.Fatal(http.ListenAndServe(addr, nil))
	}()
}
