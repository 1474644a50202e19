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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/config"
	"github.com/AleutianAI/layoutbench/services/layoutbench/regression"
	"github.com/AleutianAI/layoutbench/services/layoutbench/report"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/store"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
)

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := state.log()

	cmp, decision, err := comparePair(ctx, state.cfg, args[0], args[1], logger)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if err := report.Console(w, cmp, decision, report.ConsoleOptions{OnlyChanged: onlyChanged}); err != nil {
		return err
	}
	if plotHeight > 0 {
		plotRegressions(w, cmp, decision, plotHeight)
	}
	if htmlPath != "" {
		if err := writeHTML(htmlPath, cmp); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", htmlPath)
	}
	if failOnRegression {
		return decision.Err()
	}
	return nil
}

// comparePair loads both runs, compares them and runs the gate.
func comparePair(ctx context.Context, cfg *config.File, baseline, newer string, logger *slog.Logger) (*compare.Comparison, *regression.GateDecision, error) {
	load, closeStore := runLoader(ctx, cfg, logger, baseline, newer)
	defer closeStore()

	base, next, err := compare.Load(ctx, load, baseline, newer)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		logger.Warn("comparison metrics disabled", slog.String("error", err.Error()))
	}

	opts := append(cfg.CompareOptions(), compare.WithLogger(logger), compare.WithMetrics(metrics))
	cmp := compare.NewEngine(opts...).Compare(ctx, base, next)

	gopts := append(cfg.GateOptions(), regression.WithGateLogger(logger), regression.WithGateMetrics(metrics))
	gate, err := regression.NewGate(gopts...)
	if err != nil {
		return nil, nil, err
	}
	decision, err := gate.Check(ctx, cmp)
	if err != nil {
		return nil, nil, err
	}
	return cmp, decision, nil
}

// runLoader resolves each argument as a run file when one exists at that
// path, and as a store name otherwise. The store is only opened when a
// name needs it.
func runLoader(ctx context.Context, cfg *config.File, logger *slog.Logger, names ...string) (compare.Loader, func()) {
	needStore := false
	for _, n := range names {
		if !isFile(n) {
			needStore = true
		}
	}
	if !needStore {
		return compare.FileLoader, func() {}
	}

	s, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return func(context.Context, string) (*results.Run, error) { return nil, err }, func() {}
	}
	get := store.Loader(s)
	load := func(ctx context.Context, name string) (*results.Run, error) {
		if isFile(name) {
			return results.LoadFile(name)
		}
		return get(ctx, name)
	}
	return load, func() { _ = s.Close() }
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// plotRegressions draws each regressed 1-D entry once.
func plotRegressions(w io.Writer, cmp *compare.Comparison, d *regression.GateDecision, height int) {
	seen := make(map[string]bool)
	for _, r := range d.Result.Regressions {
		e := cmp.Lookup(r.Title, r.Setup)
		if e == nil || seen[r.Title+"\x00"+e.Key] {
			continue
		}
		seen[r.Title+"\x00"+e.Key] = true
		out, err := report.Plot(e, height)
		if errors.Is(err, report.ErrNotPlottable) {
			continue
		}
		if err != nil {
			fmt.Fprintf(w, "plot %s: %v\n", report.Label(e), err)
			continue
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, out)
	}
}

func writeHTML(path string, cmp *compare.Comparison) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.HTML(f, cmp); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
