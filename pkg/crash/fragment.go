// Copyright 2025 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"fmt"
	"time"
)

// Kind classifies a recorded processing error or warning.
type Kind string

const (
	// The dump could not be parsed. Permanent, the crash is not retried.
	MalformedInput Kind = "malformed_input"
	// Symbols for one module were not available on any server. Non-fatal.
	SymbolUnavailable Kind = "symbol_unavailable"
	// A symbol download failed with a retryable infrastructure error.
	SymbolFetchTransient Kind = "symbol_fetch_transient"
	// The stackwalking tool exceeded its wall-clock budget and was killed.
	StackwalkTimeout Kind = "stackwalk_timeout"
	// The tool died without producing output.
	StackwalkCrash Kind = "stackwalk_crash"
	// The tool failed but produced (partial) output.
	StackwalkToolError Kind = "stackwalk_tool_error"
	// The worker's own environment is broken (cache disk I/O).
	// This is the only kind that escalates past the transform rule.
	CacheIO Kind = "cache_io"
)

// ProcError is one recorded processing error or warning.
type ProcError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e ProcError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

// Frame is one symbolicated (or raw) stack frame from the walk output.
type Frame struct {
	Thread   int    `json:"thread"`
	Index    int    `json:"frame"`
	Module   string `json:"module,omitempty"`
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Offset   string `json:"offset,omitempty"`
}

// Fragment is the normalized output of processing one raw crash.
// The transform rule always produces a fragment; failures are recorded
// in Errors/Warnings rather than raised.
type Fragment struct {
	CrashID   string    `json:"crash_id"`
	Success   bool      `json:"success"`
	Status    string    `json:"status,omitempty"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at"`

	// Raw stackwalker stdout, possibly truncated.
	Output          string `json:"stackwalk_output,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`

	CrashType      string  `json:"crash_type,omitempty"`
	CrashAddress   string  `json:"crash_address,omitempty"`
	CrashedThread  int     `json:"crashed_thread"`
	Frames         []Frame `json:"frames,omitempty"`
	ModulesTotal   int     `json:"modules_total"`
	ModulesMissing int     `json:"modules_missing_symbols"`

	Errors   []ProcError `json:"errors,omitempty"`
	Warnings []ProcError `json:"warnings,omitempty"`
	// Notes is the human-readable processing trail, in order.
	Notes []string `json:"processor_notes,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

func NewFragment(crashID string) *Fragment {
	return &Fragment{
		CrashID:       crashID,
		StartedAt:     time.Now().UTC(),
		CrashedThread: -1,
	}
}

func (f *Fragment) AddError(kind Kind, format string, args ...interface{}) {
	f.Errors = append(f.Errors, ProcError{kind, fmt.Sprintf(format, args...)})
}

func (f *Fragment) AddWarning(kind Kind, format string, args ...interface{}) {
	f.Warnings = append(f.Warnings, ProcError{kind, fmt.Sprintf(format, args...)})
}

func (f *Fragment) AddNote(format string, args ...interface{}) {
	f.Notes = append(f.Notes, fmt.Sprintf(format, args...))
}

func (f *Fragment) HasError(kind Kind) bool {
	for _, e := range f.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (f *Fragment) HasWarning(kind Kind) bool {
	for _, e := range f.Warnings {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
