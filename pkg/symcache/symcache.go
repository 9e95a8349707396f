// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symcache is a disk-backed symbol file cache with a byte-size
// budget and least-recently-used eviction.
//
// The cache directory mirrors the breakpad symbol store layout
// (debug_file/debug_id/file.sym), so the directory itself is handed to the
// stackwalking tool as a local symbol search path.
//
// Concurrent GetOrFetch calls for the same key perform exactly one
// underlying fetch (singleflight); callers that arrive while a download is
// in flight wait for it and share the result. Entries referenced by an
// in-flight walk are never evicted. "Not found" results are remembered
// for a short TTL so that a crash storm for a missing build does not
// hammer the symbol servers.
package symcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crashwalk/crashwalk/pkg/log"
	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/stat"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// IOError means the cache's own disk is broken (full, unwritable).
// Unlike fetch failures it poisons the worker's current job and must be
// escalated to the pipeline driver rather than recorded on the crash.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("symbol cache: %v: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

var (
	statHits      = stat.New("symbol cache hits", "Symbol cache hits", stat.Rate{}, stat.Prometheus("crashwalk_symcache_hits"))
	statMisses    = stat.New("symbol cache misses", "Symbol cache misses", stat.Rate{}, stat.Prometheus("crashwalk_symcache_misses"))
	statNegative  = stat.New("symbol cache negative hits", "Lookups answered by a cached not-found marker", stat.Prometheus("crashwalk_symcache_negative_hits"))
	statEvictions = stat.New("symbol cache evictions", "Evicted symbol files", stat.Prometheus("crashwalk_symcache_evictions"))
)

// FetchFunc obtains symbol bytes for a key (normally symsrv.Fetcher.Fetch).
// It reports symbols.ErrNotFound for a permanent miss; any other error is
// treated as transient and is not cached.
type FetchFunc func(ctx context.Context, key symbols.Key) ([]byte, error)

type Cache struct {
	dir    string
	budget int64
	negTTL time.Duration

	single singleflight.Group

	mu       sync.Mutex
	total    int64
	entries  map[symbols.Key]*entry
	lru      *list.List // front = most recently used
	negative map[symbols.Key]time.Time
	now      func() time.Time // for tests
}

type entry struct {
	key  symbols.Key
	path string
	size int64
	refs int
	// pinned marks the reference doFetch takes on a just-written entry so
	// that it cannot be evicted before a GetOrFetch caller adopts it.
	pinned bool
	elem   *list.Element
}

// Open opens (or creates) the cache rooted at dir with the given byte
// budget. Files already present from a previous run are re-indexed with
// their mtime as last access time, and the budget is enforced immediately.
func Open(dir string, budget int64, negTTL time.Duration) (*Cache, error) {
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, &IOError{"create cache dir", err}
	}
	c := &Cache{
		dir:      dir,
		budget:   budget,
		negTTL:   negTTL,
		entries:  make(map[symbols.Key]*entry),
		lru:      list.New(),
		negative: make(map[symbols.Key]time.Time),
		now:      time.Now,
	}
	if err := c.rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache root, usable as a stackwalker symbol search path.
func (c *Cache) Dir() string {
	return c.dir
}

// GetOrFetch returns the local path of the symbol file for key, fetching
// it via fetch on a miss. The returned release func marks the end of the
// caller's use of the file; until then the entry is exempt from eviction.
func (c *Cache) GetOrFetch(ctx context.Context, key symbols.Key, fetch FetchFunc) (string, func(), error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if e := c.entries[key]; e != nil {
			c.lru.MoveToFront(e.elem)
			if e.pinned {
				// Take over the reference doFetch is holding.
				e.pinned = false
			} else {
				e.refs++
			}
			c.mu.Unlock()
			statHits.Add(1)
			return e.path, c.releaseFunc(e), nil
		}
		if deadline, ok := c.negative[key]; ok {
			if c.now().Before(deadline) {
				c.mu.Unlock()
				statNegative.Add(1)
				return "", nil, symbols.ErrNotFound
			}
			delete(c.negative, key)
		}
		c.mu.Unlock()

		if attempt == 3 {
			// The entry keeps getting evicted before we can reference it,
			// which means the budget cannot hold the current working set.
			return "", nil, &IOError{"pin fetched entry", fmt.Errorf("cache thrashing on %v", key)}
		}
		// The fetch and the file write run outside the cache lock; the
		// singleflight group is the "fetch in progress" marker that
		// collapses concurrent fetches of the same key.
		_, err, _ := c.single.Do(key.String(), func() (interface{}, error) {
			return nil, c.doFetch(ctx, key, fetch)
		})
		if err != nil {
			return "", nil, err
		}
	}
}

func (c *Cache) doFetch(ctx context.Context, key symbols.Key, fetch FetchFunc) error {
	statMisses.Add(1)
	data, err := fetch(ctx, key)
	if errors.Is(err, symbols.ErrNotFound) {
		c.mu.Lock()
		c.negative[key] = c.now().Add(c.negTTL)
		c.mu.Unlock()
		return err
	}
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, key.CachePath())
	if err := osutil.MkdirAll(filepath.Dir(path)); err != nil {
		return &IOError{"create symbol dir", err}
	}
	// Unique tmp name: another worker process may be writing the same key.
	tmp := fmt.Sprintf("%v.%v.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, osutil.DefaultFilePerm); err != nil {
		os.Remove(tmp)
		return &IOError{"write symbol file", err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{"rename symbol file", err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == nil {
		e := c.insertLocked(key, path, int64(len(data)))
		// Reference the new entry on behalf of the waiting GetOrFetch
		// callers so that a concurrent insertion cannot evict it before
		// one of them picks it up.
		e.refs = 1
		e.pinned = true
		c.evictLocked()
	}
	return nil
}

func (c *Cache) insertLocked(key symbols.Key, path string, size int64) *entry {
	e := &entry{key: key, path: path, size: size}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.total += size
	return e
}

// evictLocked removes least-recently-used unreferenced entries until the
// total size fits the budget. Only references exempt an entry, so a lone
// over-budget file is removed as soon as its last user releases it. If
// everything that remains is referenced by an in-flight walk the pass
// ends over budget; the next release retries.
func (c *Cache) evictLocked() {
	for elem := c.lru.Back(); c.total > c.budget && elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.refs == 0 {
			c.removeLocked(e)
			statEvictions.Add(1)
		}
		elem = prev
	}
}

func (c *Cache) removeLocked(e *entry) {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		log.Logf(0, "symbol cache: failed to remove %v: %v", e.path, err)
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.total -= e.size
}

func (c *Cache) releaseFunc(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			e.refs--
			if c.total > c.budget {
				c.evictLocked()
			}
			c.mu.Unlock()
		})
	}
}

// TotalSize returns the current sum of cached file sizes.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of cached symbol files.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether key is currently resident (without touching
// its access time).
func (c *Cache) Contains(key symbols.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key] != nil
}

// rescan rebuilds the in-memory index from the cache directory.
// Only files at the canonical depth with names matching their key are
// indexed; stray files (leftover tmp files, junk) are deleted.
func (c *Cache) rescan() error {
	type found struct {
		key   symbols.Key
		path  string
		size  int64
		mtime time.Time
	}
	var files []found
	err := filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		segs := strings.Split(filepath.ToSlash(rel), "/")
		key := symbols.Key{}
		if len(segs) == 3 {
			key = symbols.MakeKey(segs[0], segs[1])
		}
		if len(segs) != 3 || key.Validate() != nil || segs[2] != key.SymFileName() {
			log.Logf(1, "symbol cache: removing stray file %v", path)
			os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, found{key, path, info.Size(), info.ModTime()})
		return nil
	})
	if err != nil {
		return &IOError{"rescan cache dir", err}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.insertLocked(f.key, f.path, f.size)
	}
	c.evictLocked()
	return nil
}
