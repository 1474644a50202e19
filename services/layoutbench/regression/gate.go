// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package regression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrGateFailed indicates the regression gate did not pass.
	ErrGateFailed = errors.New("regression gate failed")

	// ErrInvalidThresholds indicates thresholds that are negative or out of order.
	ErrInvalidThresholds = errors.New("invalid regression thresholds")

	// ErrNilComparison indicates Check was called without a comparison.
	ErrNilComparison = errors.New("comparison must not be nil")
)

// -----------------------------------------------------------------------------
// Gate Configuration
// -----------------------------------------------------------------------------

// GateConfig configures the regression gate.
type GateConfig struct {
	// Detector configuration.
	DetectorConfig *DetectorConfig

	// AllowedRegressions is the maximum regressions before failing.
	// Default: 0 (any regression fails)
	AllowedRegressions int

	// FailOnWarnings fails the gate on warnings.
	// Default: false
	FailOnWarnings bool

	// MaxExcluded fails the gate when more records than this could not
	// be compared. Negative disables the check.
	// Default: -1
	MaxExcluded int

	// FailOnHostMismatch fails the gate when the runs come from
	// different machines.
	// Default: false
	FailOnHostMismatch bool

	// Logger for output.
	Logger *slog.Logger

	// Metrics records gate outcomes. May be nil.
	Metrics *telemetry.Metrics
}

// DefaultGateConfig returns sensible defaults.
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		DetectorConfig:     DefaultDetectorConfig(),
		AllowedRegressions: 0,
		FailOnWarnings:     false,
		MaxExcluded:        -1,
		FailOnHostMismatch: false,
		Logger:             slog.Default(),
	}
}

// -----------------------------------------------------------------------------
// Gate Options
// -----------------------------------------------------------------------------

// GateOption configures the gate.
type GateOption func(*GateConfig)

// WithWarnChange sets the entry warning threshold.
func WithWarnChange(threshold float64) GateOption {
	return func(c *GateConfig) {
		c.DetectorConfig.WarnChange = threshold
	}
}

// WithFailChange sets the entry regression threshold. The critical
// threshold is raised to stay above it.
func WithFailChange(threshold float64) GateOption {
	return func(c *GateConfig) {
		c.DetectorConfig.FailChange = threshold
		if c.DetectorConfig.CriticalChange < threshold {
			c.DetectorConfig.CriticalChange = threshold * 5
		}
	}
}

// WithCriticalChange sets the critical threshold.
func WithCriticalChange(threshold float64) GateOption {
	return func(c *GateConfig) {
		c.DetectorConfig.CriticalChange = threshold
	}
}

// WithMaxPointChange sets the single point threshold. Zero disables it.
func WithMaxPointChange(threshold float64) GateOption {
	return func(c *GateConfig) {
		c.DetectorConfig.MaxPointChange = threshold
	}
}

// WithMinPoints sets the minimum finite points an entry needs.
func WithMinPoints(n int) GateOption {
	return func(c *GateConfig) {
		if n > 0 {
			c.DetectorConfig.MinPoints = n
		}
	}
}

// WithAllowedRegressions sets allowed regression count.
func WithAllowedRegressions(count int) GateOption {
	return func(c *GateConfig) {
		if count >= 0 {
			c.AllowedRegressions = count
		}
	}
}

// WithFailOnWarnings enables failing on warnings.
func WithFailOnWarnings(fail bool) GateOption {
	return func(c *GateConfig) {
		c.FailOnWarnings = fail
	}
}

// WithMaxExcluded fails the gate above n uncomparable records.
func WithMaxExcluded(n int) GateOption {
	return func(c *GateConfig) {
		c.MaxExcluded = n
	}
}

// WithFailOnHostMismatch fails the gate for runs from different machines.
func WithFailOnHostMismatch(fail bool) GateOption {
	return func(c *GateConfig) {
		c.FailOnHostMismatch = fail
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(c *GateConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithGateMetrics records gate outcomes.
func WithGateMetrics(m *telemetry.Metrics) GateOption {
	return func(c *GateConfig) {
		c.Metrics = m
	}
}

// -----------------------------------------------------------------------------
// Gate
// -----------------------------------------------------------------------------

// Gate decides whether a comparison passes CI.
//
// Description:
//
//	Gate runs the detector over a comparison and applies the allowed
//	regression count, the warning policy and the coverage policy.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	detector *Detector
	config   *GateConfig
	logger   *slog.Logger
}

// NewGate creates a new regression gate.
//
// Inputs:
//   - opts: Configuration options.
//
// Outputs:
//   - *Gate: The new gate.
//   - error: ErrInvalidThresholds if the options leave thresholds out of order.
func NewGate(opts ...GateOption) (*Gate, error) {
	config := DefaultGateConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.DetectorConfig.Validate(); err != nil {
		return nil, err
	}

	return &Gate{
		detector: NewDetector(config.DetectorConfig),
		config:   config,
		logger:   config.Logger,
	}, nil
}

// GateDecision contains the gate check result.
type GateDecision struct {
	// Pass is true if the gate allows the change.
	Pass bool

	// Reasons lists why the gate failed. Empty on pass.
	Reasons []string

	// Result is the underlying detection.
	Result *DetectionResult

	// Stats are the comparison's join counts.
	Stats compare.Stats

	// HostMismatch is copied from the comparison.
	HostMismatch bool

	// Report is a Markdown summary.
	Report string

	// Duration is the check duration.
	Duration time.Duration

	// Timestamp is when the check was performed.
	Timestamp time.Time
}

// Err returns ErrGateFailed wrapped with the reasons, or nil on pass.
func (d *GateDecision) Err() error {
	if d.Pass {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGateFailed, strings.Join(d.Reasons, "; "))
}

// Check evaluates a comparison.
//
// Inputs:
//   - ctx: Context for tracing. Must not be nil.
//   - cmp: The comparison. Must not be nil.
//
// Outputs:
//   - *GateDecision: The gate decision.
//   - error: Non-nil only if the check could not be performed.
//
// Thread Safety: Safe for concurrent use.
func (g *Gate) Check(ctx context.Context, cmp *compare.Comparison) (*GateDecision, error) {
	if ctx == nil {
		return nil, telemetry.ErrNilContext
	}
	if cmp == nil {
		return nil, ErrNilComparison
	}

	ctx, span := telemetry.StartSpan(ctx, "layoutbench.regression", "regression.Gate.Check",
		trace.WithAttributes(
			attribute.String("baseline_id", cmp.BaselineID),
			attribute.String("new_id", cmp.NewID),
		),
	)
	defer span.End()

	start := time.Now()
	result := g.detector.Detect(cmp)
	decision := &GateDecision{
		Result:       result,
		Stats:        cmp.Stats,
		HostMismatch: cmp.HostMismatch,
		Timestamp:    start,
	}

	if n := len(result.Regressions); n > g.config.AllowedRegressions {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("%d regressions (allowed %d)", n, g.config.AllowedRegressions))
	}
	if g.config.FailOnWarnings && result.HasWarnings() {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("%d warnings", len(result.Warnings)))
	}
	if g.config.MaxExcluded >= 0 && cmp.Stats.Excluded() > g.config.MaxExcluded {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("%d records excluded (allowed %d)", cmp.Stats.Excluded(), g.config.MaxExcluded))
	}
	if g.config.FailOnHostMismatch && cmp.HostMismatch {
		decision.Reasons = append(decision.Reasons, "runs recorded on different machines")
	}
	decision.Pass = len(decision.Reasons) == 0

	decision.Report = g.generateReport(decision)
	decision.Duration = time.Since(start)

	g.config.Metrics.RecordGate(ctx, decision.Pass)
	span.SetAttributes(
		attribute.Bool("pass", decision.Pass),
		attribute.Int("regressions", len(result.Regressions)),
		attribute.Int("warnings", len(result.Warnings)),
		attribute.Int("checked", result.Checked),
	)
	if !decision.Pass {
		span.SetStatus(codes.Error, "regression detected")
	}

	g.logger.Info("regression gate check completed",
		slog.Bool("pass", decision.Pass),
		slog.Int("checked", result.Checked),
		slog.Int("regressions", len(result.Regressions)),
		slog.Int("warnings", len(result.Warnings)),
		slog.Int("improvements", len(result.Improvements)),
	)

	return decision, nil
}

// generateReport creates a Markdown report.
func (g *Gate) generateReport(decision *GateDecision) string {
	var sb strings.Builder
	result := decision.Result

	sb.WriteString("# Regression Gate Report\n\n")

	if decision.Pass {
		sb.WriteString("**Status: PASS**\n\n")
	} else {
		sb.WriteString("**Status: FAIL**\n\n")
		for _, r := range decision.Reasons {
			sb.WriteString(fmt.Sprintf("- %s\n", r))
		}
		sb.WriteString("\n")
	}

	st := decision.Stats
	sb.WriteString("| Metric | Count |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Entries checked | %d |\n", result.Checked))
	sb.WriteString(fmt.Sprintf("| Regressions | %d |\n", len(result.Regressions)))
	sb.WriteString(fmt.Sprintf("| Warnings | %d |\n", len(result.Warnings)))
	sb.WriteString(fmt.Sprintf("| Improvements | %d |\n", len(result.Improvements)))
	sb.WriteString(fmt.Sprintf("| Only in baseline | %d |\n", st.OnlyBaseline))
	sb.WriteString(fmt.Sprintf("| Only in new | %d |\n", st.OnlyNew))
	sb.WriteString(fmt.Sprintf("| Size mismatches | %d |\n", st.LengthMismatch+st.SizeMismatch))
	sb.WriteString(fmt.Sprintf("| Invalid values | %d |\n", st.Invalid))
	sb.WriteString("\n")

	if decision.HostMismatch {
		sb.WriteString("> Runs were recorded on different machines.\n\n")
	}

	writeSection(&sb, "Regressions", result.Regressions, true)
	writeSection(&sb, "Warnings", result.Warnings, false)
	writeSection(&sb, "Improvements", result.Improvements, false)

	return sb.String()
}

func writeSection(sb *strings.Builder, title string, regs []Regression, severity bool) {
	if len(regs) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("## %s\n\n", title))
	for _, r := range regs {
		if severity {
			sb.WriteString(fmt.Sprintf("- **[%s]** %s\n", strings.ToUpper(r.Severity.String()), r.Message))
		} else {
			sb.WriteString(fmt.Sprintf("- %s\n", r.Message))
		}
	}
	sb.WriteString("\n")
}
