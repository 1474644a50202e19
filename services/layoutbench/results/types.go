// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results defines the persisted Run format shared by the
// benchmark orchestrator and the comparison engine.
//
// A Run is an ordered list of titled records. Each record carries a flat
// setup descriptor and the measured points of one sweep:
//
//	{
//	  "version": 1,
//	  "id": "7d3c...",
//	  "created_at": "2025-06-01T12:00:00Z",
//	  "entries": [
//	    {"title": "abs",
//	     "setup": {"op": "abs", "dtype": "float32", "layout": "all contiguous 1d", "device": "cpu"},
//	     "data": [{"problem_size": 16, "duration": 2.0e-6}]}
//	  ]
//	}
//
// Mixed-layout records use a pair problem size: {"problem_size": [3, 4], ...}.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the current persisted format version.
const FormatVersion = 1

// Setup field names written by the orchestrator.
const (
	FieldOp                = "op"
	FieldDType             = "dtype"
	FieldLayout            = "layout"
	FieldDevice            = "device"
	FieldNonContiguousSize = "non_contiguous_size"
)

var (
	// ErrProblemSize indicates a problem_size that is neither an integer
	// nor a two-element integer array.
	ErrProblemSize = errors.New("invalid problem_size")

	// ErrVersion indicates an unsupported format version.
	ErrVersion = errors.New("unsupported run format version")
)

// -----------------------------------------------------------------------------
// Problem size
// -----------------------------------------------------------------------------

// ProblemSize is the x-axis identity of a point: a single exponent, or a
// (contiguous, non-contiguous) exponent pair for mixed layouts.
type ProblemSize struct {
	Dims          int
	Contiguous    int
	NonContiguous int
}

// Scalar returns a one-dimensional problem size.
func Scalar(e int) ProblemSize { return ProblemSize{Dims: 1, Contiguous: e} }

// Pair returns a two-dimensional problem size.
func Pair(contiguous, nonContiguous int) ProblemSize {
	return ProblemSize{Dims: 2, Contiguous: contiguous, NonContiguous: nonContiguous}
}

// IsPair reports whether p is two-dimensional.
func (p ProblemSize) IsPair() bool { return p.Dims == 2 }

// Less orders sizes lexicographically on (contiguous, non-contiguous).
func (p ProblemSize) Less(o ProblemSize) bool {
	if p.Contiguous != o.Contiguous {
		return p.Contiguous < o.Contiguous
	}
	return p.NonContiguous < o.NonContiguous
}

// String renders "16" or "(3, 4)".
func (p ProblemSize) String() string {
	if p.IsPair() {
		return fmt.Sprintf("(%d, %d)", p.Contiguous, p.NonContiguous)
	}
	return strconv.Itoa(p.Contiguous)
}

// MarshalJSON writes an integer or a two-element array.
func (p ProblemSize) MarshalJSON() ([]byte, error) {
	if p.IsPair() {
		return json.Marshal([2]int{p.Contiguous, p.NonContiguous})
	}
	return json.Marshal(p.Contiguous)
}

// UnmarshalJSON reads an integer or a two-element array.
func (p *ProblemSize) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Scalar(n)
		return nil
	}
	var pair []int
	if err := json.Unmarshal(b, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("%w: %s", ErrProblemSize, b)
	}
	*p = Pair(pair[0], pair[1])
	return nil
}

// -----------------------------------------------------------------------------
// Setup
// -----------------------------------------------------------------------------

// Setup is a flat descriptor of scalar fields identifying one sweep.
type Setup map[string]any

// Key returns a canonical encoding of the setup.
//
// Field names are sorted and numbers are normalized, so two setups with
// the same fields in any insertion order, or decoded from JSON as
// float64 rather than int, produce the same key.
func (s Setup) Key() string {
	b, err := json.Marshal(map[string]any(s))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(s))
	}
	return string(b)
}

// Clone returns a shallow copy.
func (s Setup) Clone() Setup {
	out := make(Setup, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get returns a field rendered as a string, or "" if absent.
func (s Setup) Get(field string) string {
	v, ok := s[field]
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Fields returns the sorted field names.
func (s Setup) Fields() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------
// Records and runs
// -----------------------------------------------------------------------------

// Point is one measured case.
type Point struct {
	ProblemSize ProblemSize `json:"problem_size"`

	// Duration is the time per call in seconds.
	Duration float64 `json:"duration"`
}

// SkippedCase is a case that produced no point.
type SkippedCase struct {
	ProblemSize ProblemSize `json:"problem_size"`
	Reason      string      `json:"reason"`
}

// Record is the output of one (op, dtype, layout sweep, backend) sweep.
type Record struct {
	Setup   Setup         `json:"setup"`
	Data    []Point       `json:"data"`
	Skipped []SkippedCase `json:"skipped,omitempty"`
}

// SortData orders points by problem size.
func (r *Record) SortData() {
	sort.SliceStable(r.Data, func(i, j int) bool {
		return r.Data[i].ProblemSize.Less(r.Data[j].ProblemSize)
	})
}

// Entry is a titled record.
type Entry struct {
	Title string `json:"title"`
	Record
}

// Run is the complete output of one benchmark execution.
//
// Thread Safety: not safe for concurrent mutation. The caller owns a Run
// once the orchestrator returns it.
type Run struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Host      *Host     `json:"host,omitempty"`

	// Labels are free-form annotations (git revision, preset name).
	Labels map[string]string `json:"labels,omitempty"`

	Entries []Entry `json:"entries"`
}

// NewRun returns an empty run with a fresh ID.
func NewRun() *Run {
	return &Run{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds a titled record.
func (r *Run) Append(title string, rec Record) {
	r.Entries = append(r.Entries, Entry{Title: title, Record: rec})
}

// Titles returns the distinct titles in first-seen order.
func (r *Run) Titles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Entries {
		if !seen[e.Title] {
			seen[e.Title] = true
			out = append(out, e.Title)
		}
	}
	return out
}

// Points returns the total number of points in the run.
func (r *Run) Points() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Data)
	}
	return n
}
