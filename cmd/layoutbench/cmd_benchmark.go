// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/config"
	"github.com/AleutianAI/layoutbench/services/layoutbench/matrix"
	"github.com/AleutianAI/layoutbench/services/layoutbench/ops"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/store"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
	"github.com/AleutianAI/layoutbench/services/layoutbench/timing"
)

// errNoOutput is returned when a benchmark would discard its results.
var errNoOutput = errors.New("nothing to write: pass --out, --store or --influx")

// benchmarkOptions are the destinations of one benchmark run.
type benchmarkOptions struct {
	Out    string
	Store  string
	Influx bool
	Labels map[string]string
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	lbl, err := parseLabels(labels)
	if err != nil {
		return err
	}
	o := benchmarkOptions{Out: outPath, Store: storeName, Influx: exportInflux, Labels: lbl}
	_, err = benchmark(cmd.Context(), state.cfg, o, cmd.OutOrStdout(), state.log())
	return err
}

// benchmark runs the configured matrix and writes the run to every
// requested destination.
//
// Description:
//
//	Backends are opened for the duration of the run and closed on every
//	exit path. A cancelled context stops the matrix between cases; the
//	run collected so far is discarded and the context error returned.
//
// Outputs:
//
//	*results.Run - The recorded run.
//	error        - Configuration, destination or cancellation error.
func benchmark(ctx context.Context, cfg *config.File, o benchmarkOptions, w io.Writer, logger *slog.Logger) (*results.Run, error) {
	if o.Out == "" && o.Store == "" && !o.Influx {
		return nil, errNoOutput
	}
	if o.Influx && cfg.Influx.URL == "" {
		return nil, errors.New("--influx requires influx.url in the configuration")
	}

	plan, backends, err := buildPlan(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := backend.CloseAll(backends); err != nil {
			logger.Warn("closing backends", slog.String("error", err.Error()))
		}
	}()

	harness, err := timing.NewHarness(cfg.TimingConfig())
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		logger.Warn("benchmark metrics disabled", slog.String("error", err.Error()))
	}

	fmt.Fprintf(w, "running %d cases (%s preset, backends %s)\n",
		plan.Cases(), cfg.Preset, strings.Join(cfg.Backends, ", "))

	start := time.Now()
	runner := matrix.NewRunner(plan, harness, matrix.WithLogger(logger), matrix.WithMetrics(metrics))
	seq, err := runner.Records(ctx)
	if err != nil {
		return nil, err
	}
	run := matrix.Collect(seq)
	if err := runner.Err(); err != nil {
		return nil, fmt.Errorf("benchmark interrupted: %w", err)
	}

	run.Host = results.CollectHost()
	run.Labels = map[string]string{
		"preset":   cfg.Preset,
		"backends": strings.Join(cfg.Backends, ","),
	}
	for k, v := range o.Labels {
		run.Labels[k] = v
	}

	if err := persist(ctx, cfg, run, o, w, logger); err != nil {
		return run, err
	}
	fmt.Fprintf(w, "recorded %d records (%d skipped) in %s\n",
		len(run.Entries), skipped(run), time.Since(start).Round(time.Millisecond))
	return run, nil
}

// buildPlan opens the configured backends and resolves the matrix.
// The caller closes the backends.
func buildPlan(cfg *config.File) (*matrix.Plan, []backend.Backend, error) {
	mcfg, err := cfg.MatrixConfig()
	if err != nil {
		return nil, nil, err
	}
	backends, err := backend.Open(cfg.Backends, cfg.BackendConfig())
	if err != nil {
		return nil, nil, err
	}
	plan, err := matrix.NewPlan(mcfg, ops.Default(), backends)
	if err != nil {
		_ = backend.CloseAll(backends)
		return nil, nil, err
	}
	return plan, backends, nil
}

func persist(ctx context.Context, cfg *config.File, run *results.Run, o benchmarkOptions, w io.Writer, logger *slog.Logger) error {
	if o.Out != "" {
		if err := results.SaveFile(o.Out, run); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", o.Out)
	}
	if o.Store != "" {
		s, err := store.Open(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Put(ctx, o.Store, run); err != nil {
			return err
		}
		fmt.Fprintf(w, "stored %s in %s store\n", o.Store, storeKind(cfg.Store))
	}
	if o.Influx {
		x := store.NewInfluxExporter(cfg.Influx)
		defer x.Close()
		n, err := x.Export(ctx, run)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "exported %s points to influx\n", humanize.Comma(int64(n)))
	}
	return nil
}

// skipped counts the cases of run that produced no point.
func skipped(run *results.Run) int {
	n := 0
	for _, e := range run.Entries {
		n += len(e.Skipped)
	}
	return n
}

func storeKind(cfg store.Config) string {
	if cfg.Kind == "" {
		return store.KindFile
	}
	return cfg.Kind
}

// parseLabels turns key=value flags into a map.
func parseLabels(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q must be key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, backends, err := buildPlan(state.cfg)
	if err != nil {
		return err
	}
	defer backend.CloseAll(backends)

	w := cmd.OutOrStdout()
	mcfg := plan.Config()
	fmt.Fprint(w, plan.Tree().String())
	fmt.Fprintf(w, "%d units, %d cases, budget %s per case\n",
		len(plan.Units()), plan.Cases(), humanize.IBytes(uint64(mcfg.Budget)))
	return nil
}
