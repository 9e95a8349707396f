// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package crash defines the data model of the processing pipeline:
// raw crashes as submitted by the collector, processed-crash fragments
// produced by the transform rule, and the processing error taxonomy.
package crash

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawCrash is the immutable input of the transform rule: a crash id,
// references to one or more minidumps (already materialized as local
// files by the pipeline driver) and collector metadata.
type RawCrash struct {
	ID       string            `json:"id"`
	Product  string            `json:"product,omitempty"`
	Version  string            `json:"version,omitempty"`
	Platform string            `json:"platform,omitempty"`
	BuildID  string            `json:"build_id,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	// Dumps maps dump field names (e.g. upload_file_minidump) to local paths.
	Dumps map[string]string `json:"dumps,omitempty"`
}

// NewID generates a crash id: a UUID whose last 6 digits encode the
// submission date, so that ids can be bucketed by day without a lookup.
func NewID(t time.Time) string {
	id := uuid.New().String()
	return id[:len(id)-6] + t.Format("060102")
}

// ValidateID checks that id looks like a crash id.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("bad crash id %q: %w", id, err)
	}
	return nil
}
