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
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// IndexStats reports what Index dropped.
type IndexStats struct {
	// Records is the number of records indexed.
	Records int

	// Duplicates counts records whose title and setup key were already
	// indexed. The first record wins.
	Duplicates int
}

// Index maps title to setup key to record.
//
// Keys come from results.Setup.Key, so setups that differ only in field
// insertion order, or in int versus float encoding of the same number,
// share a key.
func Index(run *results.Run) (map[string]map[string]*results.Record, IndexStats) {
	idx := make(map[string]map[string]*results.Record)
	var st IndexStats
	if run == nil {
		return idx, st
	}
	for i := range run.Entries {
		e := &run.Entries[i]
		byKey, ok := idx[e.Title]
		if !ok {
			byKey = make(map[string]*results.Record)
			idx[e.Title] = byKey
		}
		key := e.Setup.Key()
		if _, dup := byKey[key]; dup {
			st.Duplicates++
			continue
		}
		byKey[key] = &e.Record
		st.Records++
	}
	return idx, st
}

// Loader fetches a run by name.
type Loader func(ctx context.Context, name string) (*results.Run, error)

// FileLoader loads runs from JSON files.
func FileLoader(_ context.Context, path string) (*results.Run, error) {
	return results.LoadFile(path)
}

// Load fetches the baseline and new runs concurrently.
//
// Inputs:
//
//	ctx      - Cancels both loads when either fails.
//	load     - Fetches one run. FileLoader when nil.
//	baseline - Name or path of the baseline run.
//	newer    - Name or path of the new run.
//
// Outputs:
//
//	*results.Run - Baseline run.
//	*results.Run - New run.
//	error        - The first load failure.
func Load(ctx context.Context, load Loader, baseline, newer string) (*results.Run, *results.Run, error) {
	if load == nil {
		load = FileLoader
	}
	var base, next *results.Run
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := load(gctx, baseline)
		if err != nil {
			return fmt.Errorf("load baseline: %w", err)
		}
		base = r
		return nil
	})
	g.Go(func() error {
		r, err := load(gctx, newer)
		if err != nil {
			return fmt.Errorf("load new: %w", err)
		}
		next = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return base, next, nil
}
