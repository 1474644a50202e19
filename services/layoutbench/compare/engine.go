// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare joins two runs by setup and computes relative deltas.
//
// For every (title, setup) present in both runs with identical problem
// sizes, an Entry carries both point series and
//
//	compare[i] = new[i] / max(baseline[i], MinDuration) - 1
//
// Positive values are slowdowns, negative values speedups. Records that
// cannot be compared are excluded and counted in Stats, never guessed.
package compare

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
)

// DefaultMinDuration is the default baseline floor in seconds (1ns).
const DefaultMinDuration = 1e-9

// -----------------------------------------------------------------------------
// Output types
// -----------------------------------------------------------------------------

// Entry is the comparison of one matched record pair.
type Entry struct {
	Title    string
	Key      string
	Setup    results.Setup
	Baseline []results.Point
	New      []results.Point

	// Compare holds one relative change per point. NaN marks a value
	// that was not finite.
	Compare []float64

	// Dims is 1 or 2 from the first baseline problem size, 0 when empty.
	Dims int
}

// Sizes returns the problem sizes of the entry.
func (e *Entry) Sizes() []results.ProblemSize {
	out := make([]results.ProblemSize, len(e.Baseline))
	for i, p := range e.Baseline {
		out[i] = p.ProblemSize
	}
	return out
}

// GeoMeanRatio returns the geometric mean of 1+compare over finite values
// and how many values contributed. The ratio is 1 when none did.
func (e *Entry) GeoMeanRatio() (float64, int) {
	var sum float64
	n := 0
	for _, c := range e.Compare {
		r := 1 + c
		if math.IsNaN(c) || r <= 0 {
			continue
		}
		sum += math.Log(r)
		n++
	}
	if n == 0 {
		return 1, 0
	}
	return math.Exp(sum / float64(n)), n
}

// MarshalJSON writes NaN compare values as null.
func (e *Entry) MarshalJSON() ([]byte, error) {
	cmp := make([]*float64, len(e.Compare))
	for i := range e.Compare {
		if !math.IsNaN(e.Compare[i]) {
			cmp[i] = &e.Compare[i]
		}
	}
	return json.Marshal(struct {
		Setup    results.Setup   `json:"setup"`
		Baseline []results.Point `json:"baseline"`
		New      []results.Point `json:"new"`
		Compare  []*float64      `json:"compare"`
		Dims     int             `json:"dims"`
	}{e.Setup, e.Baseline, e.New, cmp, e.Dims})
}

// Stats counts what the join excluded.
type Stats struct {
	Matched            int `json:"matched"`
	OnlyBaseline       int `json:"only_baseline"`
	OnlyNew            int `json:"only_new"`
	LengthMismatch     int `json:"length_mismatch"`
	SizeMismatch       int `json:"size_mismatch"`
	Invalid            int `json:"invalid"`
	BaselineDuplicates int `json:"baseline_duplicates"`
	NewDuplicates      int `json:"new_duplicates"`
}

// Excluded returns the number of records that produced no entry.
func (s Stats) Excluded() int {
	return s.OnlyBaseline + s.OnlyNew + s.LengthMismatch + s.SizeMismatch
}

// Comparison maps title to setup key to entry.
type Comparison struct {
	BaselineID string                       `json:"baseline_id"`
	NewID      string                       `json:"new_id"`
	Titles     map[string]map[string]*Entry `json:"titles"`
	Stats      Stats                        `json:"stats"`

	// HostMismatch is set when the runs were recorded on different machines.
	HostMismatch bool `json:"host_mismatch"`
}

// Lookup returns the entry for title and setup, or nil.
func (c *Comparison) Lookup(title string, setup results.Setup) *Entry {
	return c.Titles[title][setup.Key()]
}

// Entries returns every entry ordered by title, then setup key.
func (c *Comparison) Entries() []*Entry {
	var out []*Entry
	for _, title := range sortedKeys(c.Titles) {
		byKey := c.Titles[title]
		for _, key := range sortedKeys(byKey) {
			out = append(out, byKey[key])
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Option configures an Engine.
type Option func(*Engine)

// WithMinDuration sets the baseline floor in seconds. Non-positive values
// keep the default.
func WithMinDuration(seconds float64) Option {
	return func(e *Engine) {
		if seconds > 0 {
			e.minDuration = seconds
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records compared points and unmatched counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine compares runs.
//
// Thread Safety: Safe for concurrent use; Compare does not mutate its inputs.
type Engine struct {
	minDuration float64
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewEngine returns an engine with a 1ns floor.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{minDuration: DefaultMinDuration, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MinDuration returns the baseline floor in seconds.
func (e *Engine) MinDuration() float64 { return e.minDuration }

// Compare joins baseline and newer.
//
// Description:
//
//	Both runs are indexed by title and setup key and inner-joined. For
//	each matched pair the point series are stably sorted by problem size
//	and must agree in length and in every problem size; otherwise the
//	pair is counted as a mismatch and excluded. Nil runs are treated as
//	empty.
//
// Inputs:
//
//	ctx      - Carries the trace span.
//	baseline - Reference run.
//	newer    - Candidate run.
//
// Outputs:
//
//	*Comparison - Never nil.
func (e *Engine) Compare(ctx context.Context, baseline, newer *results.Run) *Comparison {
	var attrs []attribute.KeyValue
	if baseline != nil {
		attrs = append(attrs, attribute.String("compare.baseline_id", baseline.ID))
	}
	if newer != nil {
		attrs = append(attrs, attribute.String("compare.new_id", newer.ID))
	}
	ctx, span := telemetry.StartSpan(ctx, "layoutbench.compare", "compare.Compare", trace.WithAttributes(attrs...))
	defer span.End()

	baseIdx, baseSt := Index(baseline)
	newIdx, newSt := Index(newer)

	out := &Comparison{Titles: make(map[string]map[string]*Entry)}
	if baseline != nil {
		out.BaselineID = baseline.ID
	}
	if newer != nil {
		out.NewID = newer.ID
	}
	if baseline != nil && newer != nil && !baseline.Host.SameMachine(newer.Host) {
		out.HostMismatch = true
	}
	st := &out.Stats
	st.BaselineDuplicates = baseSt.Duplicates
	st.NewDuplicates = newSt.Duplicates

	for title, baseByKey := range baseIdx {
		newByKey := newIdx[title]
		for key, b := range baseByKey {
			n, ok := newByKey[key]
			if !ok {
				st.OnlyBaseline++
				continue
			}
			entry, reason := e.join(title, key, b, n)
			switch reason {
			case mismatchLength:
				st.LengthMismatch++
				e.logger.Debug("dropping entry with differing point counts",
					slog.String("title", title), slog.String("setup", key),
					slog.Int("baseline", len(b.Data)), slog.Int("new", len(n.Data)))
				continue
			case mismatchSize:
				st.SizeMismatch++
				e.logger.Debug("dropping entry with differing problem sizes",
					slog.String("title", title), slog.String("setup", key))
				continue
			}
			for _, c := range entry.Compare {
				if math.IsNaN(c) {
					st.Invalid++
					continue
				}
				e.metrics.RecordChange(ctx, c, attribute.String("title", title))
			}
			if out.Titles[title] == nil {
				out.Titles[title] = make(map[string]*Entry)
			}
			out.Titles[title][key] = entry
			st.Matched++
		}
	}
	for title, newByKey := range newIdx {
		baseByKey := baseIdx[title]
		for key := range newByKey {
			if _, ok := baseByKey[key]; !ok {
				st.OnlyNew++
			}
		}
	}

	e.metrics.RecordUnmatched(ctx, "baseline", st.OnlyBaseline)
	e.metrics.RecordUnmatched(ctx, "new", st.OnlyNew)
	span.SetAttributes(
		attribute.Int("matched", st.Matched),
		attribute.Int("excluded", st.Excluded()),
		attribute.Int("invalid", st.Invalid),
	)
	if st.Excluded() > 0 {
		e.logger.Warn("records excluded from comparison",
			slog.Int("only_baseline", st.OnlyBaseline),
			slog.Int("only_new", st.OnlyNew),
			slog.Int("length_mismatch", st.LengthMismatch),
			slog.Int("size_mismatch", st.SizeMismatch),
		)
	}
	if out.HostMismatch {
		e.logger.Warn("runs were recorded on different machines",
			slog.String("baseline", out.BaselineID),
			slog.String("new", out.NewID),
		)
	}
	return out
}

type mismatch int

const (
	mismatchNone mismatch = iota
	mismatchLength
	mismatchSize
)

func (e *Engine) join(title, key string, b, n *results.Record) (*Entry, mismatch) {
	base := sortedPoints(b.Data)
	next := sortedPoints(n.Data)
	if len(base) != len(next) {
		return nil, mismatchLength
	}
	for i := range base {
		if base[i].ProblemSize != next[i].ProblemSize {
			return nil, mismatchSize
		}
	}

	entry := &Entry{
		Title:    title,
		Key:      key,
		Setup:    b.Setup.Clone(),
		Baseline: base,
		New:      next,
		Compare:  make([]float64, len(base)),
	}
	if len(base) > 0 {
		entry.Dims = base[0].ProblemSize.Dims
	}
	for i := range base {
		entry.Compare[i] = e.change(base[i].Duration, next[i].Duration)
	}
	return entry, mismatchNone
}

// change returns new/max(base, floor) - 1, or NaN when not finite.
func (e *Engine) change(base, next float64) float64 {
	c := next/math.Max(base, e.minDuration) - 1
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return math.NaN()
	}
	return c
}

func sortedPoints(ps []results.Point) []results.Point {
	out := append([]results.Point(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProblemSize.Less(out[j].ProblemSize)
	})
	return out
}
