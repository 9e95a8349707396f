// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/pkg/crash"
)

func testStore(t *testing.T) Store {
	st, err := Open("dir:"+filepath.Join(t.TempDir(), "spool"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDirSubmitGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	raw := &crash.RawCrash{
		Product: "app",
		Version: "1.0",
		Extra:   map[string]string{"channel": "nightly"},
	}
	dump := []byte("MDMP fake dump bytes")
	require.NoError(t, st.Submit(ctx, raw, map[string][]byte{"upload_file_minidump": dump}))
	require.NoError(t, crash.ValidateID(raw.ID))

	got, cleanup, err := st.Get(ctx, raw.ID)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, "app", got.Product)
	assert.Equal(t, "nightly", got.Extra["channel"])

	data, err := os.ReadFile(got.Dumps["upload_file_minidump"])
	require.NoError(t, err)
	assert.Equal(t, dump, data)
}

func TestDirGetMissing(t *testing.T) {
	st := testStore(t)
	_, _, err := st.Get(context.Background(), crash.NewID(time.Now()))
	require.Error(t, err)

	_, _, err = st.Get(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

func TestDirPending(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		raw := &crash.RawCrash{}
		require.NoError(t, st.Submit(ctx, raw, map[string][]byte{"upload_file_minidump": {1, 2, 3}}))
		ids = append(ids, raw.ID)
	}
	pending, err := st.Pending(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, pending)

	// A stored fragment takes the crash off the pending list.
	frag := crash.NewFragment(ids[1])
	frag.Success = true
	require.NoError(t, st.Put(ctx, ids[1], frag))
	pending, err = st.Pending(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, pending)

	limited, err := st.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDirPutFragment(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	raw := &crash.RawCrash{}
	require.NoError(t, st.Submit(ctx, raw, nil))

	frag := crash.NewFragment(raw.ID)
	frag.Status = "completed"
	frag.Success = true
	frag.Frames = []crash.Frame{{Thread: 0, Index: 0, Function: "main"}}
	require.NoError(t, st.Put(ctx, raw.ID, frag))

	// Put is idempotent for retries.
	require.NoError(t, st.Put(ctx, raw.ID, frag))

	require.Error(t, st.Put(ctx, "not-a-crash-id", frag))
}

func TestOpenBadSpec(t *testing.T) {
	for _, spec := range []string{"", "what", "ftp:server", "gcs:"} {
		_, err := Open(spec, t.TempDir())
		assert.Error(t, err, "spec %q", spec)
	}
}
