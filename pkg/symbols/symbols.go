// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symbols defines symbol file identity and the breakpad symbol
// store path layout shared by the fetcher and the disk cache.
package symbols

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by fetch functions when no symbol server has
// symbols for a key. The condition is permanent for the current key
// (as opposed to a transient network/server failure).
var ErrNotFound = errors.New("no symbols found")

// Key identifies one symbol file: the debug file name recorded in the
// module's debug info and the build-specific debug id.
// Both values come from untrusted minidump content, so Validate rejects
// anything that could escape the cache directory.
type Key struct {
	DebugFile string
	DebugID   string
}

func MakeKey(debugFile, debugID string) Key {
	return Key{
		DebugFile: debugFile,
		DebugID:   strings.ToUpper(debugID),
	}
}

func (k Key) String() string {
	return k.DebugFile + "/" + k.DebugID
}

func (k Key) Validate() error {
	if k.DebugFile == "" || k.DebugID == "" {
		return fmt.Errorf("empty symbol key %q", k.String())
	}
	if len(k.DebugID) > 40 {
		return fmt.Errorf("debug id %q is too long", k.DebugID)
	}
	for _, c := range k.DebugID {
		if c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f' {
			continue
		}
		return fmt.Errorf("debug id %q is not hex", k.DebugID)
	}
	// The debug file name becomes a path element of the cache/store path.
	if strings.ContainsAny(k.DebugFile, `/\`) || k.DebugFile == "." || k.DebugFile == ".." {
		return fmt.Errorf("debug file name %q contains path elements", k.DebugFile)
	}
	return nil
}

// SymFileName returns the breakpad symbol file name for the key:
// "xul.pdb" -> "xul.sym", "libc.so" -> "libc.so.sym".
func (k Key) SymFileName() string {
	if strings.HasSuffix(strings.ToLower(k.DebugFile), ".pdb") {
		return k.DebugFile[:len(k.DebugFile)-4] + ".sym"
	}
	return k.DebugFile + ".sym"
}

// StorePath returns the symbol server URL path for the key
// (breakpad layout: debug_file/debug_id/sym_file).
func (k Key) StorePath() string {
	return path.Join(k.DebugFile, k.DebugID, k.SymFileName())
}

// CachePath returns the path of the key's file relative to the cache root.
// It mirrors StorePath so that the cache root doubles as a local symbol
// store usable as a stackwalker search path.
func (k Key) CachePath() string {
	return filepath.FromSlash(k.StorePath())
}
