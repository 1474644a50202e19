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
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layoutbench/pkg/logging"
	"github.com/AleutianAI/layoutbench/services/layoutbench/config"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
)

// app is the state shared by every command after PersistentPreRunE.
type app struct {
	cfg      *config.File
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func (a *app) log() *slog.Logger {
	if a == nil || a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// close flushes telemetry and the log file.
func (a *app) close() error {
	var errs []error
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		a.shutdown = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// --- Global Command Variables ---
var (
	state = &app{}

	configPath string
	logLevel   string
	logJSON    bool

	// Matrix selection
	presetSmall bool
	presetFull  bool

	// benchmark
	outPath      string
	storeName    string
	exportInflux bool
	labels       []string

	// compare / serve
	htmlPath         string
	failOnRegression bool
	minDuration      float64
	onlyChanged      bool
	plotHeight       int
	serveAddr        string

	// export
	exportFormat string

	rootCmd = &cobra.Command{
		Use:   "layoutbench",
		Short: "Benchmark element-wise ops across memory layouts and compare runs",
		Long: `layoutbench sweeps element-wise operations over dtypes, memory layouts
and problem sizes, records per-call timings, and compares two recorded
runs to find regressions.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return state.close() },
	}

	benchmarkCmd = &cobra.Command{
		Use:   "benchmark",
		Short: "Run the benchmark matrix and record the results",
		Args:  cobra.NoArgs,
		RunE:  runBenchmark, // Defined in cmd_benchmark.go
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved benchmark matrix without running it",
		Args:  cobra.NoArgs,
		RunE:  runPlan, // Defined in cmd_benchmark.go
	}

	compareCmd = &cobra.Command{
		Use:   "compare BASELINE NEW",
		Short: "Compare two runs and report regressions",
		Long: `Compare two runs. Each argument is a run file path or a run name in
the configured store.`,
		Args: cobra.ExactArgs(2),
		RunE: runCompare, // Defined in cmd_compare.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve BASELINE NEW",
		Short: "Serve the HTML comparison report",
		Args:  cobra.ExactArgs(2),
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Run store ---
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Manage recorded runs in the configured store",
	}
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE:  runRunsList, // Defined in cmd_runs.go
	}
	runsGetCmd = &cobra.Command{
		Use:   "get NAME [FILE]",
		Short: "Write a stored run to FILE or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runRunsGet, // Defined in cmd_runs.go
	}
	runsPutCmd = &cobra.Command{
		Use:   "put NAME FILE",
		Short: "Store a run file under NAME",
		Args:  cobra.ExactArgs(2),
		RunE:  runRunsPut, // Defined in cmd_runs.go
	}

	exportCmd = &cobra.Command{
		Use:   "export RUN",
		Short: "Export a run for external tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport, // Defined in cmd_runs.go
	}

	initCmd = &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit, // Defined in cmd_runs.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to layoutbench.yaml (default: ./layoutbench.yaml when present)")
	pf.StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	for _, c := range []*cobra.Command{benchmarkCmd, planCmd} {
		c.Flags().BoolVar(&presetSmall, "small", false, "Use the small preset")
		c.Flags().BoolVar(&presetFull, "full", false, "Use the full preset")
		c.MarkFlagsMutuallyExclusive("small", "full")
	}

	rootCmd.AddCommand(benchmarkCmd)
	benchmarkCmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the run to this JSON file")
	benchmarkCmd.Flags().StringVar(&storeName, "store", "", "Save the run under this name in the configured store")
	benchmarkCmd.Flags().BoolVar(&exportInflux, "influx", false, "Export the run to the configured InfluxDB bucket")
	benchmarkCmd.Flags().StringSliceVar(&labels, "label", nil, "Attach key=value labels to the run")

	rootCmd.AddCommand(planCmd)

	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().StringVar(&htmlPath, "html", "", "Also write the HTML report to this file")
	compareCmd.Flags().BoolVar(&failOnRegression, "fail-on-regression", false, "Exit non-zero when the regression gate fails")
	compareCmd.Flags().BoolVar(&onlyChanged, "only-changed", false, "Hide entries without a finding")
	compareCmd.Flags().IntVar(&plotHeight, "plot", 0, "Plot each 1-D regression with this many rows (0 disables)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":5000", "Listen address")

	for _, c := range []*cobra.Command{compareCmd, serveCmd} {
		c.Flags().Float64Var(&minDuration, "min-duration", 0, "Baseline floor in seconds for relative changes (default from config)")
	}

	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsPutCmd)

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "benchfmt", "Export format (benchfmt, json)")

	rootCmd.AddCommand(initCmd)
}

// setup loads the configuration, applies flag overrides and starts
// logging and telemetry.
func setup(cmd *cobra.Command, args []string) error {
	if cmd == initCmd {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	state.cfg = cfg
	state.logger = logging.New(cfg.Logging)
	slog.SetDefault(state.logger.Slog())

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		// Telemetry never blocks a benchmark.
		state.log().Warn("telemetry disabled", slog.String("error", err.Error()))
		return nil
	}
	state.shutdown = shutdown
	return nil
}

// applyFlags layers explicitly set flags over the file.
func applyFlags(cmd *cobra.Command, cfg *config.File) error {
	flags := cmd.Flags()
	switch {
	case presetSmall:
		cfg.Preset = "small"
	case presetFull:
		cfg.Preset = "full"
	}
	if flags.Changed("min-duration") {
		cfg.Compare.MinDuration = minDuration
	}
	if logLevel != "" {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		cfg.Logging.Level = level
	}
	if logJSON {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// loadConfig reads --config, or ./layoutbench.yaml when present, or the
// defaults.
func loadConfig() (*config.File, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		}
	}
	return config.Load(path)
}
