// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/perf/benchfmt"
)

func sampleRun() *Run {
	run := NewRun()
	run.Labels = map[string]string{"preset": "small"}
	run.Append("abs", Record{
		Setup: Setup{FieldOp: "abs", FieldDType: "float32", FieldLayout: "all contiguous 1d", FieldDevice: "cpu"},
		Data: []Point{
			{ProblemSize: Scalar(1), Duration: 1e-6},
			{ProblemSize: Scalar(10), Duration: 2e-5},
		},
	})
	run.Append("abs", Record{
		Setup: Setup{
			FieldOp: "abs", FieldDType: "float32", FieldDevice: "cpu",
			FieldLayout: "contiguous 1d and non-contiguous 1d", FieldNonContiguousSize: 3,
		},
		Data:    []Point{{ProblemSize: Pair(1, 3), Duration: 4e-6}},
		Skipped: []SkippedCase{{ProblemSize: Pair(10, 3), Reason: "invocation failed"}},
	})
	return run
}

func TestProblemSize_JSON(t *testing.T) {
	b, err := json.Marshal(Scalar(16))
	require.NoError(t, err)
	assert.Equal(t, "16", string(b))

	b, err = json.Marshal(Pair(3, 4))
	require.NoError(t, err)
	assert.Equal(t, "[3,4]", string(b))

	var p ProblemSize
	require.NoError(t, json.Unmarshal([]byte("[5,6]"), &p))
	assert.Equal(t, Pair(5, 6), p)

	for _, bad := range []string{`"16"`, `[1]`, `[1,2,3]`, `{"a":1}`} {
		assert.ErrorIs(t, json.Unmarshal([]byte(bad), &p), ErrProblemSize, bad)
	}
}

func TestProblemSize_Less(t *testing.T) {
	assert.True(t, Scalar(1).Less(Scalar(2)))
	assert.False(t, Scalar(2).Less(Scalar(2)))
	assert.True(t, Pair(1, 5).Less(Pair(2, 0)))
	assert.True(t, Pair(1, 2).Less(Pair(1, 3)))
	assert.Equal(t, "(1, 3)", Pair(1, 3).String())
	assert.Equal(t, "7", Scalar(7).String())
}

func TestSetup_Key(t *testing.T) {
	a := Setup{"op": "abs", "dtype": "f32", "non_contiguous_size": 3}
	b := Setup{}
	b["non_contiguous_size"] = float64(3)
	b["dtype"] = "f32"
	b["op"] = "abs"
	assert.Equal(t, a.Key(), b.Key(), "insertion order and number type must not matter")

	c := a.Clone()
	c["device"] = "cpu"
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "3", b.Get("non_contiguous_size"))
	assert.Equal(t, "", a.Get("missing"))
	assert.Equal(t, []string{"dtype", "non_contiguous_size", "op"}, a.Fields())
}

func TestRun_RoundTrip(t *testing.T) {
	run := sampleRun()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, run))
	got, err := Decode(&buf)
	require.NoError(t, err)

	require.Len(t, got.Entries, len(run.Entries))
	for i := range run.Entries {
		want, have := run.Entries[i], got.Entries[i]
		assert.Equal(t, want.Title, have.Title)
		assert.Equal(t, want.Setup.Key(), have.Setup.Key())
		assert.Equal(t, want.Setup.Fields(), have.Setup.Fields())
		if diff := cmp.Diff(want.Data, have.Data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(want.Skipped, have.Skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, run.ID, got.ID)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, []string{"abs"}, got.Titles())
	assert.Equal(t, 3, got.Points())
}

func TestDecode_Version(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"version": 9, "entries": []}`))
	assert.ErrorIs(t, err, ErrVersion)

	_, err = Decode(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "baseline.json")
	run := sampleRun()
	require.NoError(t, SaveFile(path, run))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRecord_SortData(t *testing.T) {
	r := Record{Data: []Point{
		{ProblemSize: Pair(2, 0)}, {ProblemSize: Pair(1, 5)}, {ProblemSize: Pair(1, 2)},
	}}
	r.SortData()
	assert.Equal(t, Pair(1, 2), r.Data[0].ProblemSize)
	assert.Equal(t, Pair(2, 0), r.Data[2].ProblemSize)
}

func TestWriteBenchfmt(t *testing.T) {
	run := sampleRun()
	run.Host = &Host{OS: "linux", Arch: "amd64"}

	var buf bytes.Buffer
	require.NoError(t, WriteBenchfmt(&buf, run))
	out := buf.String()

	assert.Contains(t, out, "goos: linux")
	assert.Contains(t, out, "preset: small")
	assert.Contains(t, out, "BenchmarkAbs/device=cpu/dtype=float32/layout=all_contiguous_1d/size=10")
	assert.Contains(t, out, "size=1x3")
	assert.Contains(t, out, "sec/op")
	assert.NotContains(t, out, "BenchmarkBenchmark")

	t.Run("parses back", func(t *testing.T) {
		r := benchfmt.NewReader(strings.NewReader(out), "run.txt")
		var names []string
		for r.Scan() {
			switch rec := r.Result().(type) {
			case *benchfmt.Result:
				names = append(names, string(rec.Name))
				require.Len(t, rec.Values, 1)
				assert.Equal(t, "sec/op", rec.Values[0].Unit)
			case *benchfmt.SyntaxError:
				t.Fatalf("syntax error: %v", rec)
			}
		}
		require.NoError(t, r.Err())
		assert.Equal(t, []string{
			"Abs/device=cpu/dtype=float32/layout=all_contiguous_1d/size=1",
			"Abs/device=cpu/dtype=float32/layout=all_contiguous_1d/size=10",
		}, names[:2])
		assert.Len(t, names, 3)
	})
}

func TestExportedTitle(t *testing.T) {
	assert.Equal(t, "Abs", exportedTitle("abs"))
	assert.Equal(t, "Add_", exportedTitle("add_"))
	assert.Equal(t, "", exportedTitle(""))
}

func TestCollectHost(t *testing.T) {
	h := CollectHost()
	assert.NotEmpty(t, h.OS)
	assert.Greater(t, h.Cores, 0)
	assert.True(t, h.SameMachine(h))
	assert.False(t, h.SameMachine(&Host{OS: "plan9"}))
}
