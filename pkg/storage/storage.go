// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package storage moves raw crashes and processed-crash fragments in and
// out of the crash spool. Two backends exist: a filesystem directory
// (single host) and a GCS bucket (workers spanning hosts).
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/crashwalk/crashwalk/pkg/crash"
	"github.com/crashwalk/crashwalk/pkg/stat"
)

// Store is the pipeline driver's view of crash storage.
type Store interface {
	// Submit stores a new raw crash together with its dump blobs.
	// Assigns raw.ID if it is empty.
	Submit(ctx context.Context, raw *crash.RawCrash, dumps map[string][]byte) error
	// Get returns the raw crash with all dumps materialized as local
	// files. The cleanup func removes whatever scratch files Get created
	// and must be called when processing is over.
	Get(ctx context.Context, id string) (*crash.RawCrash, func(), error)
	// Put persists the processed fragment for id.
	Put(ctx context.Context, id string, frag *crash.Fragment) error
	// Pending returns up to max ids of crashes with no processed result
	// yet, oldest first. max <= 0 means no limit.
	Pending(ctx context.Context, max int) ([]string, error)
	Close() error
}

var (
	statGets = stat.New("crashes fetched", "Raw crashes read from storage", stat.Rate{}, stat.Prometheus("crashwalk_storage_gets"))
	statPuts = stat.New("fragments stored", "Processed fragments written to storage", stat.Rate{}, stat.Prometheus("crashwalk_storage_puts"))
)

// Open creates a store from a spec of the form "dir:/path/to/spool" or
// "gcs:bucket/prefix". Scratch is where GCS dumps are materialized;
// the dir backend serves files in place and ignores it.
func Open(spec, scratch string) (Store, error) {
	typ, arg, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("bad crash storage spec %q", spec)
	}
	switch typ {
	case "dir":
		return openDir(arg)
	case "gcs":
		return openGCS(arg, scratch)
	}
	return nil, fmt.Errorf("unknown crash storage type %q", typ)
}
