// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/pkg/osutil"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

func testKey(name string) symbols.Key {
	return symbols.MakeKey(name+".pdb", "0123456789ABCDEF0123456789ABCDEF1")
}

func fetchBytes(data []byte, calls *atomic.Int32) FetchFunc {
	return func(ctx context.Context, key symbols.Key) ([]byte, error) {
		calls.Add(1)
		return data, nil
	}
}

func mustGet(t *testing.T, c *Cache, key symbols.Key, fetch FetchFunc) (string, func()) {
	path, release, err := c.GetOrFetch(context.Background(), key, fetch)
	require.NoError(t, err)
	return path, release
}

func TestGetOrFetch(t *testing.T) {
	c, err := Open(t.TempDir(), 1<<20, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	fetch := fetchBytes([]byte("MODULE test"), &calls)

	path, release := mustGet(t, c, testKey("xul"), fetch)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "MODULE test", string(data))
	release()

	// Second lookup is a cache hit.
	path2, release2 := mustGet(t, c, testKey("xul"), fetch)
	release2()
	assert.Equal(t, path, path2)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(len("MODULE test")), c.TotalSize())
}

func TestConcurrentFetchesCollapse(t *testing.T) {
	c, err := Open(t.TempDir(), 1<<20, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	fetch := func(ctx context.Context, key symbols.Key) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("data"), nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release := mustGet(t, c, testKey("shared"), fetch)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestBudgetEviction(t *testing.T) {
	c, err := Open(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	data := make([]byte, 60)

	pathA, releaseA := mustGet(t, c, testKey("a"), fetchBytes(data, &calls))
	releaseA()
	_, releaseB := mustGet(t, c, testKey("b"), fetchBytes(data, &calls))
	releaseB()

	assert.False(t, c.Contains(testKey("a")))
	assert.True(t, c.Contains(testKey("b")))
	assert.Equal(t, int64(60), c.TotalSize())
	assert.False(t, osutil.IsExist(pathA))
}

func TestOversizeEntryEvictedOnRelease(t *testing.T) {
	c, err := Open(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32

	// A file larger than the whole budget is usable while the caller
	// holds it.
	path, release := mustGet(t, c, testKey("huge"), fetchBytes(make([]byte, 150), &calls))
	assert.True(t, c.Contains(testKey("huge")))
	assert.Equal(t, int64(150), c.TotalSize())
	assert.True(t, osutil.IsExist(path))

	// Releasing the last reference must bring the total back under the
	// budget even though the file is the most recently used one.
	release()
	assert.False(t, c.Contains(testKey("huge")))
	assert.Equal(t, int64(0), c.TotalSize())
	assert.False(t, osutil.IsExist(path))

	// The cache keeps working for files that do fit.
	_, release = mustGet(t, c, testKey("small"), fetchBytes(make([]byte, 40), &calls))
	release()
	assert.True(t, c.Contains(testKey("small")))
	assert.Equal(t, int64(40), c.TotalSize())
}

func TestLRUOrder(t *testing.T) {
	c, err := Open(t.TempDir(), 250, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	data := make([]byte, 100)
	fetch := fetchBytes(data, &calls)

	_, release := mustGet(t, c, testKey("a"), fetch)
	release()
	_, release = mustGet(t, c, testKey("b"), fetch)
	release()
	// Touch a so that b becomes the eviction candidate.
	_, release = mustGet(t, c, testKey("a"), fetch)
	release()
	_, release = mustGet(t, c, testKey("c"), fetch)
	release()

	assert.True(t, c.Contains(testKey("a")))
	assert.False(t, c.Contains(testKey("b")))
	assert.True(t, c.Contains(testKey("c")))
}

func TestReferencedEntriesSurviveEviction(t *testing.T) {
	c, err := Open(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	data := make([]byte, 80)

	pathA, releaseA := mustGet(t, c, testKey("a"), fetchBytes(data, &calls))
	// a is still referenced, so inserting b goes over budget without
	// evicting it.
	_, releaseB := mustGet(t, c, testKey("b"), fetchBytes(data, &calls))
	assert.True(t, c.Contains(testKey("a")))
	assert.True(t, osutil.IsExist(pathA))
	assert.Equal(t, int64(160), c.TotalSize())

	releaseA()
	assert.False(t, c.Contains(testKey("a")))
	assert.Equal(t, int64(80), c.TotalSize())
	releaseB()
	assert.True(t, c.Contains(testKey("b")))
}

func TestReleaseIdempotent(t *testing.T) {
	c, err := Open(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	data := make([]byte, 80)

	_, releaseA := mustGet(t, c, testKey("a"), fetchBytes(data, &calls))
	releaseA()
	releaseA() // must not drive the refcount negative

	_, releaseA2 := mustGet(t, c, testKey("a"), fetchBytes(data, &calls))
	_, releaseB := mustGet(t, c, testKey("b"), fetchBytes(data, &calls))
	// a is referenced again; the double release above must not have
	// unpinned it.
	assert.True(t, c.Contains(testKey("a")))
	releaseA2()
	releaseB()
}

func TestNegativeCache(t *testing.T) {
	c, err := Open(t.TempDir(), 1<<20, time.Minute)
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }

	var calls atomic.Int32
	fetch := func(ctx context.Context, key symbols.Key) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("server says: %w", symbols.ErrNotFound)
	}

	_, _, err = c.GetOrFetch(context.Background(), testKey("gone"), fetch)
	require.ErrorIs(t, err, symbols.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())

	// Within the TTL the miss is answered from memory.
	_, _, err = c.GetOrFetch(context.Background(), testKey("gone"), fetch)
	require.ErrorIs(t, err, symbols.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())

	// After the TTL the servers are asked again.
	now = now.Add(2 * time.Minute)
	_, _, err = c.GetOrFetch(context.Background(), testKey("gone"), fetch)
	require.ErrorIs(t, err, symbols.ErrNotFound)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransientErrorsNotCached(t *testing.T) {
	c, err := Open(t.TempDir(), 1<<20, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	errBoom := errors.New("connection reset")
	fetch := func(ctx context.Context, key symbols.Key) ([]byte, error) {
		calls.Add(1)
		return nil, errBoom
	}

	_, _, err = c.GetOrFetch(context.Background(), testKey("flaky"), fetch)
	require.ErrorIs(t, err, errBoom)
	_, _, err = c.GetOrFetch(context.Background(), testKey("flaky"), fetch)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 1<<20, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	_, release := mustGet(t, c, testKey("a"), fetchBytes([]byte("aaaa"), &calls))
	release()
	_, release = mustGet(t, c, testKey("b"), fetchBytes([]byte("bb"), &calls))
	release()

	// Plant junk that a rescan must clean up.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0644))
	tmp := filepath.Join(dir, testKey("a").CachePath()+".1234.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))

	c2, err := Open(dir, 1<<20, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Len())
	assert.Equal(t, int64(6), c2.TotalSize())
	assert.False(t, osutil.IsExist(filepath.Join(dir, "stray.txt")))
	assert.False(t, osutil.IsExist(tmp))

	// A hit on the reopened cache must not refetch.
	_, release = mustGet(t, c2, testKey("a"), fetchBytes(nil, &calls))
	release()
	assert.Equal(t, int32(2), calls.Load())
}

func TestReopenEnforcesBudget(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 1<<20, time.Minute)
	require.NoError(t, err)
	var calls atomic.Int32
	data := make([]byte, 60)
	pathA, release := mustGet(t, c, testKey("a"), fetchBytes(data, &calls))
	release()
	pathB, release := mustGet(t, c, testKey("b"), fetchBytes(data, &calls))
	release()

	// Make mtimes unambiguous: a is older.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pathA, old, old))

	c2, err := Open(dir, 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, c2.Contains(testKey("a")))
	assert.True(t, c2.Contains(testKey("b")))
	assert.False(t, osutil.IsExist(pathA))
	assert.True(t, osutil.IsExist(pathB))
}
