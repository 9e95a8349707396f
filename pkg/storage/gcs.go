// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/crashwalk/crashwalk/pkg/crash"
	"github.com/crashwalk/crashwalk/pkg/osutil"
)

// gcsStore keeps the spool in a GCS bucket using Application Default
// Credentials. Object layout mirrors the dir backend:
//
//	<prefix>/raw/<id>.json
//	<prefix>/raw/<id>.<name>.dmp
//	<prefix>/processed/<id>.json
//
// Dumps are materialized into a per-crash scratch directory on Get since
// the stackwalking tool wants real files.
type gcsStore struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	prefix  string
	scratch string
}

// openGCS opens "bucket" or "bucket/prefix".
func openGCS(arg, scratch string) (*gcsStore, error) {
	bucket, prefix, _ := strings.Cut(arg, "/")
	if bucket == "" {
		return nil, fmt.Errorf("bad gcs storage spec %q", arg)
	}
	if err := osutil.MkdirAll(scratch); err != nil {
		return nil, err
	}
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}
	return &gcsStore{
		client:  client,
		bucket:  client.Bucket(bucket),
		prefix:  prefix,
		scratch: scratch,
	}, nil
}

func (st *gcsStore) object(elem ...string) string {
	return path.Join(append([]string{st.prefix}, elem...)...)
}

func (st *gcsStore) Submit(ctx context.Context, raw *crash.RawCrash, dumps map[string][]byte) error {
	if raw.ID == "" {
		raw.ID = crash.NewID(time.Now())
	}
	if err := crash.ValidateID(raw.ID); err != nil {
		return err
	}
	stored := *raw
	stored.Dumps = make(map[string]string)
	for name, data := range dumps {
		obj := raw.ID + "." + name + ".dmp"
		if err := st.write(ctx, st.object("raw", obj), data); err != nil {
			return err
		}
		stored.Dumps[name] = obj
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return st.write(ctx, st.object("raw", raw.ID+".json"), data)
}

func (st *gcsStore) Get(ctx context.Context, id string) (*crash.RawCrash, func(), error) {
	if err := crash.ValidateID(id); err != nil {
		return nil, nil, err
	}
	statGets.Add(1)
	data, err := st.read(ctx, st.object("raw", id+".json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read raw crash %v: %w", id, err)
	}
	raw := new(crash.RawCrash)
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, nil, fmt.Errorf("corrupt raw crash %v: %w", id, err)
	}
	dir, err := os.MkdirTemp(st.scratch, "crash-"+id+"-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }
	for name, obj := range raw.Dumps {
		blob, err := st.read(ctx, st.object("raw", obj))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to read dump %v of %v: %w", name, id, err)
		}
		local := filepath.Join(dir, name+".dmp")
		if err := osutil.WriteFile(local, blob); err != nil {
			cleanup()
			return nil, nil, err
		}
		raw.Dumps[name] = local
	}
	return raw, cleanup, nil
}

func (st *gcsStore) Put(ctx context.Context, id string, frag *crash.Fragment) error {
	if err := crash.ValidateID(id); err != nil {
		return err
	}
	statPuts.Add(1)
	data, err := json.Marshal(frag)
	if err != nil {
		return err
	}
	return st.write(ctx, st.object("processed", id+".json"), data)
}

func (st *gcsStore) Pending(ctx context.Context, max int) ([]string, error) {
	done, err := st.list(ctx, st.object("processed")+"/")
	if err != nil {
		return nil, err
	}
	processed := make(map[string]bool)
	for _, id := range done {
		processed[id] = true
	}
	// Objects come back lexicographically; with date-suffixed ids that is
	// close enough to submission order.
	raw, err := st.list(ctx, st.object("raw")+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range raw {
		if processed[id] {
			continue
		}
		if max > 0 && len(ids) >= max {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// list returns the crash ids of all *.json objects under prefix.
func (st *gcsStore) list(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	it := st.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %v: %w", prefix, err)
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		id, ok := strings.CutSuffix(name, ".json")
		if !ok || crash.ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (st *gcsStore) read(ctx context.Context, obj string) ([]byte, error) {
	r, err := st.bucket.Object(obj).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (st *gcsStore) write(ctx context.Context, obj string, data []byte) error {
	w := st.bucket.Object(obj).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (st *gcsStore) Close() error {
	return st.client.Close()
}
