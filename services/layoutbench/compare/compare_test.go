// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

func absSetup() results.Setup {
	return results.Setup{"op": "abs", "dtype": "f32", "layout": "contiguous 1d", "device": "cpu"}
}

func runWith(entries ...results.Entry) *results.Run {
	run := results.NewRun()
	run.Entries = entries
	return run
}

func entry(title string, setup results.Setup, pts ...results.Point) results.Entry {
	return results.Entry{Title: title, Record: results.Record{Setup: setup, Data: pts}}
}

func pt(size int, d float64) results.Point {
	return results.Point{ProblemSize: results.Scalar(size), Duration: d}
}

func quietEngine(opts ...Option) *Engine {
	return NewEngine(append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
}

func TestCompare_EndToEnd(t *testing.T) {
	base := runWith(entry("abs", absSetup(), pt(16, 2.0)))
	next := runWith(entry("abs", absSetup(), pt(16, 3.0)))

	c := quietEngine().Compare(context.Background(), base, next)

	e := c.Lookup("abs", absSetup())
	require.NotNil(t, e)
	assert.Equal(t, []float64{0.5}, e.Compare)
	assert.Equal(t, results.Scalar(16), e.Baseline[0].ProblemSize)
	assert.Equal(t, 1, e.Dims)
	assert.Equal(t, 1, c.Stats.Matched)
	assert.Equal(t, 0, c.Stats.Excluded())
}

func TestCompare_KeyIsOrderInsensitive(t *testing.T) {
	reordered := results.Setup{}
	reordered["device"] = "cpu"
	reordered["layout"] = "contiguous 1d"
	reordered["dtype"] = "f32"
	reordered["op"] = "abs"

	var buf bytes.Buffer
	require.NoError(t, results.Encode(&buf, runWith(entry("abs", reordered, pt(1, 1)))))
	decoded, err := results.Decode(&buf)
	require.NoError(t, err)

	c := quietEngine().Compare(context.Background(), runWith(entry("abs", absSetup(), pt(1, 2))), decoded)
	assert.Equal(t, 1, c.Stats.Matched)
	assert.InDelta(t, -0.5, c.Lookup("abs", absSetup()).Compare[0], 1e-12)
}

func TestCompare_Commutative(t *testing.T) {
	other := absSetup()
	other["dtype"] = "f64"
	a := runWith(
		entry("abs", absSetup(), pt(1, 1e-6), pt(2, 4e-6), pt(3, 9e-6)),
		entry("abs", other, pt(1, 5e-6)),
		entry("sin", absSetup(), pt(1, 1e-3)),
	)
	b := runWith(
		entry("abs", absSetup(), pt(1, 2e-6), pt(2, 3e-6), pt(3, 9e-6)),
		entry("abs", other, pt(1, 1e-6)),
		entry("floor", absSetup(), pt(1, 1e-3)),
	)

	eng := quietEngine()
	ab := eng.Compare(context.Background(), a, b)
	ba := eng.Compare(context.Background(), b, a)

	keys := func(c *Comparison) []string {
		var out []string
		for _, e := range c.Entries() {
			out = append(out, e.Title+"|"+e.Key)
		}
		return out
	}
	assert.Equal(t, keys(ab), keys(ba))
	assert.Equal(t, ab.Stats.OnlyBaseline, ba.Stats.OnlyNew)
	assert.Equal(t, ab.Stats.OnlyNew, ba.Stats.OnlyBaseline)

	for _, e := range ab.Entries() {
		r := ba.Titles[e.Title][e.Key]
		require.NotNil(t, r)
		for i := range e.Compare {
			assert.InDelta(t, 1+e.Compare[i], 1/(1+r.Compare[i]), 1e-12)
		}
	}
}

func TestCompare_Mismatches(t *testing.T) {
	long := absSetup()
	long["layout"] = "long"
	shifted := absSetup()
	shifted["layout"] = "shifted"
	onlyBase := absSetup()
	onlyBase["device"] = "stream"

	base := runWith(
		entry("abs", long, pt(1, 1), pt(2, 1)),
		entry("abs", shifted, pt(1, 1), pt(2, 1)),
		entry("abs", onlyBase, pt(1, 1)),
		entry("abs", absSetup(), pt(1, 1)),
		entry("abs", absSetup(), pt(1, 99)),
	)
	next := runWith(
		entry("abs", long, pt(1, 1)),
		entry("abs", shifted, pt(1, 1), pt(3, 1)),
		entry("abs", absSetup(), pt(1, 2)),
		entry("neg", absSetup(), pt(1, 1)),
	)

	c := quietEngine().Compare(context.Background(), base, next)

	want := Stats{
		Matched:            1,
		OnlyBaseline:       1,
		OnlyNew:            1,
		LengthMismatch:     1,
		SizeMismatch:       1,
		BaselineDuplicates: 1,
	}
	if diff := cmp.Diff(want, c.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{1}, c.Lookup("abs", absSetup()).Compare, "the first duplicate wins")
	assert.Equal(t, 4, c.Stats.Excluded())
}

func TestCompare_SortsBeforeAligning(t *testing.T) {
	base := runWith(entry("abs", absSetup(), pt(2, 4), pt(1, 1)))
	next := runWith(entry("abs", absSetup(), pt(1, 2), pt(2, 2)))

	e := quietEngine().Compare(context.Background(), base, next).Lookup("abs", absSetup())
	require.NotNil(t, e)
	assert.Equal(t, []results.ProblemSize{results.Scalar(1), results.Scalar(2)}, e.Sizes())
	assert.Equal(t, []float64{1, -0.5}, e.Compare)
	assert.Equal(t, results.Scalar(2), base.Entries[0].Data[0].ProblemSize, "inputs are not mutated")
}

func TestCompare_TwoDimensional(t *testing.T) {
	s := absSetup()
	s["layout"] = "contiguous 1d and non-contiguous 3d"
	p := func(a, b int, d float64) results.Point {
		return results.Point{ProblemSize: results.Pair(a, b), Duration: d}
	}
	base := runWith(entry("abs", s, p(1, 2, 1), p(1, 1, 1), p(0, 5, 1)))
	next := runWith(entry("abs", s, p(0, 5, 1), p(1, 1, 3), p(1, 2, 0.5)))

	e := quietEngine().Compare(context.Background(), base, next).Lookup("abs", s)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Dims)
	assert.Equal(t, []results.ProblemSize{results.Pair(0, 5), results.Pair(1, 1), results.Pair(1, 2)}, e.Sizes())
	assert.Equal(t, []float64{0, 2, -0.5}, e.Compare)
}

func TestCompare_FloorAndInvalid(t *testing.T) {
	base := runWith(entry("abs", absSetup(), pt(1, 0), pt(2, 1e-12), pt(3, math.NaN()), pt(4, 1)))
	next := runWith(entry("abs", absSetup(), pt(1, 1e-9), pt(2, 2e-9), pt(3, 1), pt(4, math.Inf(1))))

	c := quietEngine().Compare(context.Background(), base, next)
	e := c.Lookup("abs", absSetup())
	require.NotNil(t, e)

	assert.InDelta(t, 0, e.Compare[0], 1e-12, "zero baseline is floored at 1ns")
	assert.InDelta(t, 1, e.Compare[1], 1e-12)
	assert.True(t, math.IsNaN(e.Compare[2]))
	assert.True(t, math.IsNaN(e.Compare[3]))
	assert.Equal(t, 2, c.Stats.Invalid)

	coarse := quietEngine(WithMinDuration(1e-6)).Compare(context.Background(), base, next)
	assert.InDelta(t, 1e-3-1, coarse.Lookup("abs", absSetup()).Compare[0], 1e-12)

	b, err := json.Marshal(&Entry{Setup: absSetup(), Compare: []float64{0, 1, math.NaN()}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"compare":[0,1,null]`)
}

func TestEntry_GeoMeanRatio(t *testing.T) {
	e := &Entry{Compare: []float64{1, -0.5, math.NaN()}}
	r, n := e.GeoMeanRatio()
	assert.InDelta(t, 1, r, 1e-12)
	assert.Equal(t, 2, n)

	r, n = (&Entry{}).GeoMeanRatio()
	assert.Equal(t, 1.0, r)
	assert.Equal(t, 0, n)
}

func TestCompare_EmptyAndNil(t *testing.T) {
	s := absSetup()
	c := quietEngine().Compare(context.Background(), runWith(entry("abs", s)), runWith(entry("abs", s)))
	e := c.Lookup("abs", s)
	require.NotNil(t, e)
	assert.Equal(t, 0, e.Dims)

	c = quietEngine().Compare(context.Background(), nil, runWith(entry("abs", s, pt(1, 1))))
	assert.Equal(t, 1, c.Stats.OnlyNew)
	assert.Empty(t, c.Entries())
}

func TestCompare_HostMismatch(t *testing.T) {
	a := runWith(entry("abs", absSetup(), pt(1, 1)))
	b := runWith(entry("abs", absSetup(), pt(1, 1)))
	a.Host = &results.Host{OS: "linux", Arch: "amd64", Cores: 8}
	b.Host = &results.Host{OS: "linux", Arch: "arm64", Cores: 8}
	assert.True(t, quietEngine().Compare(context.Background(), a, b).HostMismatch)

	b.Host.Arch = "amd64"
	assert.False(t, quietEngine().Compare(context.Background(), a, b).HostMismatch)
}

func TestIndex(t *testing.T) {
	run := runWith(
		entry("abs", absSetup(), pt(1, 1)),
		entry("abs", absSetup(), pt(1, 2)),
		entry("sin", absSetup(), pt(1, 3)),
	)
	idx, st := Index(run)
	assert.Equal(t, IndexStats{Records: 2, Duplicates: 1}, st)
	assert.Len(t, idx, 2)
	assert.Equal(t, 1.0, idx["abs"][absSetup().Key()].Data[0].Duration)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	newPath := filepath.Join(dir, "new.json")
	require.NoError(t, results.SaveFile(basePath, runWith(entry("abs", absSetup(), pt(1, 2)))))
	require.NoError(t, results.SaveFile(newPath, runWith(entry("abs", absSetup(), pt(1, 3)))))

	base, next, err := Load(context.Background(), nil, basePath, newPath)
	require.NoError(t, err)
	if diff := cmp.Diff(base.Entries[0].Data, []results.Point{pt(1, 2)}, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("baseline mismatch (-got +want):\n%s", diff)
	}
	assert.Equal(t, 3.0, next.Entries[0].Data[0].Duration)

	_, _, err = Load(context.Background(), nil, basePath, filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "load new")

	boom := errors.New("store offline")
	_, _, err = Load(context.Background(), func(context.Context, string) (*results.Run, error) {
		return nil, boom
	}, "a", "b")
	assert.ErrorIs(t, err, boom)
}

func TestCompare_Span(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	base := runWith(entry("abs", absSetup(), pt(16, 2.0)))
	next := runWith(entry("abs", absSetup(), pt(16, 3.0)))
	NewEngine().Compare(context.Background(), base, next)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "compare.Compare", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("compare.baseline_id", base.ID))
	assert.Contains(t, spans[0].Attributes(), attribute.String("compare.new_id", next.ID))
}
