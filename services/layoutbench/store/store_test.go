// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/storage/badger"
)

func sampleRun() *results.Run {
	run := results.NewRun()
	run.Append("abs", results.Record{
		Setup: results.Setup{"op": "abs", "dtype": "float32", "layout": "contiguous 1d", "device": "cpu"},
		Data: []results.Point{
			{ProblemSize: results.Scalar(1), Duration: 1e-6},
			{ProblemSize: results.Scalar(10), Duration: 2e-6},
		},
	})
	run.Append("abs", results.Record{
		Setup: results.Setup{"op": "abs", "dtype": "float32", "layout": "mixed", "device": "cpu"},
		Data:  []results.Point{{ProblemSize: results.Pair(1, 2), Duration: 3e-6}},
	})
	return run
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	bs, err := NewBadgerStore(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Close()
		bs.Close()
	})
	return map[string]Store{"file": fs, "badger": bs}
}

func TestStore_PutGetList(t *testing.T) {
	for kind, s := range testStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			run := sampleRun()

			require.NoError(t, s.Put(ctx, "main", run))
			require.NoError(t, s.Put(ctx, "feature-x.1", sampleRun()))

			got, err := s.Get(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, run.ID, got.ID)
			if diff := cmp.Diff(run.Entries, got.Entries); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}

			names, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"feature-x.1", "main"}, names)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.Put(ctx, "../escape", run), ErrInvalidName)
			_, err = s.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	for kind, s := range testStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			first, second := sampleRun(), sampleRun()
			require.NoError(t, s.Put(ctx, "main", first))
			require.NoError(t, s.Put(ctx, "main", second))

			got, err := s.Get(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, second.ID, got.ID)
		})
	}
}

func TestFileStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o750))
	require.NoError(t, s.Put(context.Background(), "a", sampleRun()))

	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Kind: KindFile, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	s.Close()

	s, err = Open(ctx, Config{Kind: KindBadger, Dir: t.TempDir(), Badger: badger.DefaultConfig("")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Put(ctx, "a", sampleRun()))
	got, err := Loader(s)(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2)
	s.Close()

	_, err = Open(ctx, Config{Kind: "s3"}, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Open(ctx, Config{Kind: KindGCS}, nil)
	assert.Error(t, err)

	_, err = Open(ctx, Config{Kind: KindGCS, Bucket: "b", CredentialsFile: filepath.Join(t.TempDir(), "nope.json")}, nil)
	assert.ErrorContains(t, err, "service account key")
}

func TestPoints(t *testing.T) {
	run := sampleRun()
	pts := Points(run)
	require.Len(t, pts, 3)

	tags := map[string]string{}
	for _, tag := range pts[0].TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "abs", tags["title"])
	assert.Equal(t, run.ID, tags["run"])
	assert.Equal(t, "float32", tags["dtype"])
	assert.Equal(t, Measurement, pts[0].Name())
	assert.True(t, pts[1].Time().After(pts[0].Time()))

	fieldsOf := func(i int) map[string]interface{} {
		out := map[string]interface{}{}
		for _, f := range pts[i].FieldList() {
			out[f.Key] = f.Value
		}
		return out
	}

	t.Run("1-D point", func(t *testing.T) {
		fields := fieldsOf(1)
		assert.Equal(t, int64(10), fields["size"])
		assert.Equal(t, 2e-6, fields["duration"])
		assert.NotContains(t, fields, "contiguous")
		assert.NotContains(t, fields, "non_contiguous")
	})

	t.Run("2-D point", func(t *testing.T) {
		fields := fieldsOf(2)
		assert.Equal(t, int64(1), fields["contiguous"])
		assert.Equal(t, int64(2), fields["non_contiguous"])
		assert.Equal(t, 3e-6, fields["duration"])
		assert.NotContains(t, fields, "size")
	})
}

func TestInfluxExporter_Export(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   []string
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests++
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	x := NewInfluxExporter(InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b", BatchSize: 2})
	defer x.Close()

	n, err := x.Export(context.Background(), sampleRun())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, requests)
	all := strings.Join(bodies, "\n")
	assert.Equal(t, 3, strings.Count(all, Measurement+","))
	assert.Contains(t, all, "non_contiguous=2i")
	assert.Contains(t, all, "size=10i")
}
