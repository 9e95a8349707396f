// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symsrv downloads debug symbol files from a priority-ordered
// list of symbol servers.
//
// Availability is best-effort across the server list: a server that does
// not have the file is skipped, a server that is down is skipped too, and
// only after the whole list is exhausted does the fetch fail. If any
// server failed transiently the aggregate failure is transient (the
// symbols may exist there), otherwise it is a permanent "not found".
//
// The fetcher does no caching; that is the symcache package's job.
package symsrv

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/stat"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// TransientError is a retryable fetch failure: the symbols may well exist,
// but a server or the network was not cooperating.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient symbol fetch failure from %v: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Uncompressed symbol files can be large, but not this large.
const maxSymbolSize = 1 << 30

var (
	statFetches   = stat.New("symbol fetches", "Symbol download attempts", stat.Rate{}, stat.Prometheus("crashwalk_symbol_fetches"))
	statNotFound  = stat.New("symbol fetch misses", "Symbol downloads that found no file", stat.Prometheus("crashwalk_symbol_fetch_misses"))
	statTransient = stat.New("symbol fetch errors", "Transient symbol download failures", stat.Prometheus("crashwalk_symbol_fetch_errors"))
	statBytes     = stat.New("symbol bytes", "Downloaded symbol bytes", stat.FormatMB, stat.Prometheus("crashwalk_symbol_bytes"))
)

type Fetcher struct {
	urls    []string
	timeout time.Duration
	client  *http.Client
}

// New creates a Fetcher trying urls in order with the given per-attempt timeout.
func New(urls []string, perAttemptTimeout time.Duration) *Fetcher {
	return &Fetcher{
		urls:    urls,
		timeout: perAttemptTimeout,
		client:  &http.Client{},
	}
}

// Fetch downloads the symbol file for key.
// Returns symbols.ErrNotFound if no server has it, a *TransientError if at
// least one server failed in a retryable way, or the context error if ctx
// was canceled mid-traversal.
func (f *Fetcher) Fetch(ctx context.Context, key symbols.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		// A key we refuse to ask servers about is permanently unavailable.
		return nil, fmt.Errorf("%w: %v", symbols.ErrNotFound, err)
	}
	var lastTransient error
	for _, base := range f.urls {
		data, err := f.fetchOne(ctx, base, key)
		if err == nil {
			statBytes.Add(len(data))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, symbols.ErrNotFound) {
			statNotFound.Add(1)
			log.Logf(3, "symbols %v: not at %v", key, base)
			continue
		}
		statTransient.Add(1)
		log.Logf(2, "symbols %v: %v", key, err)
		lastTransient = err
	}
	if lastTransient != nil {
		return nil, lastTransient
	}
	return nil, symbols.ErrNotFound
}

func (f *Fetcher) fetchOne(ctx context.Context, base string, key symbols.Key) ([]byte, error) {
	statFetches.Add(1)
	url := strings.TrimSuffix(base, "/") + "/" + key.StorePath()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransientError{url, err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{url, err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, symbols.ErrNotFound
	default:
		return nil, &TransientError{url, fmt.Errorf("server returned %v", resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSymbolSize+1))
	if err != nil {
		return nil, &TransientError{url, err}
	}
	if len(data) > maxSymbolSize {
		return nil, &TransientError{url, fmt.Errorf("symbol file exceeds %v bytes", maxSymbolSize)}
	}
	data, err = decompress(data)
	if err != nil {
		// A corrupt download may succeed from the next server.
		return nil, &TransientError{url, err}
	}
	return data, nil
}

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// decompress transparently unpacks gzip/xz symbol bodies.
// Symbol stores routinely keep .sym files compressed.
func decompress(data []byte) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("bad gzip body: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, maxSymbolSize))
		if err != nil {
			return nil, fmt.Errorf("bad gzip body: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(data, xzMagic):
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("bad xz body: %w", err)
		}
		out, err := io.ReadAll(io.LimitReader(r, maxSymbolSize))
		if err != nil {
			return nil, fmt.Errorf("bad xz body: %w", err)
		}
		return out, nil
	}
	return data, nil
}
