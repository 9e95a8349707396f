// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crashwalk/crashwalk/pkg/crash"
	"github.com/crashwalk/crashwalk/pkg/osutil"
)

// dirStore is a filesystem crash spool:
//
//	root/raw/<id>.json        crash metadata, written last on submit
//	root/raw/<id>.<name>.dmp  dump blobs
//	root/processed/<id>.json  processed fragment
//
// A crash is pending while it has metadata but no processed fragment.
type dirStore struct {
	raw       string
	processed string
}

func openDir(root string) (*dirStore, error) {
	st := &dirStore{
		raw:       filepath.Join(root, "raw"),
		processed: filepath.Join(root, "processed"),
	}
	for _, dir := range []string{st.raw, st.processed} {
		if err := osutil.MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (st *dirStore) Submit(ctx context.Context, raw *crash.RawCrash, dumps map[string][]byte) error {
	if raw.ID == "" {
		raw.ID = crash.NewID(time.Now())
	}
	if err := crash.ValidateID(raw.ID); err != nil {
		return err
	}
	// Dumps first: the metadata file marks the crash as complete.
	stored := *raw
	stored.Dumps = make(map[string]string)
	for name, data := range dumps {
		file := raw.ID + "." + name + ".dmp"
		if err := osutil.WriteFile(filepath.Join(st.raw, file), data); err != nil {
			return err
		}
		stored.Dumps[name] = file
	}
	return writeJSON(filepath.Join(st.raw, raw.ID+".json"), &stored)
}

func (st *dirStore) Get(ctx context.Context, id string) (*crash.RawCrash, func(), error) {
	if err := crash.ValidateID(id); err != nil {
		return nil, nil, err
	}
	statGets.Add(1)
	data, err := os.ReadFile(filepath.Join(st.raw, id+".json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read raw crash %v: %w", id, err)
	}
	raw := new(crash.RawCrash)
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, nil, fmt.Errorf("corrupt raw crash %v: %w", id, err)
	}
	// The blobs already live on the local filesystem, serve them in place.
	for name, file := range raw.Dumps {
		raw.Dumps[name] = filepath.Join(st.raw, file)
	}
	return raw, func() {}, nil
}

func (st *dirStore) Put(ctx context.Context, id string, frag *crash.Fragment) error {
	if err := crash.ValidateID(id); err != nil {
		return err
	}
	statPuts.Add(1)
	return writeJSON(filepath.Join(st.processed, id+".json"), frag)
}

func (st *dirStore) Pending(ctx context.Context, max int) ([]string, error) {
	entries, err := os.ReadDir(st.raw)
	if err != nil {
		return nil, err
	}
	type pending struct {
		id    string
		mtime time.Time
	}
	var found []pending
	for _, ent := range entries {
		id, ok := strings.CutSuffix(ent.Name(), ".json")
		if !ok || crash.ValidateID(id) != nil {
			continue
		}
		if osutil.IsExist(filepath.Join(st.processed, id+".json")) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue // submitted and removed concurrently
		}
		found = append(found, pending{id, info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime.Before(found[j].mtime) })
	var ids []string
	for _, p := range found {
		if max > 0 && len(ids) >= max {
			break
		}
		ids = append(ids, p.id)
	}
	return ids, nil
}

func (st *dirStore) Close() error {
	return nil
}

func writeJSON(file string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	tmp := file + ".tmp"
	if err := osutil.WriteFile(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}
