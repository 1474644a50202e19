// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Case outcomes used as the "status" attribute.
const (
	StatusOK       = "ok"
	StatusSkipped  = "skipped"
	StatusResource = "resource"
)

// Metrics holds the layoutbench instruments.
//
// All record methods are no-ops on a nil *Metrics so callers can make
// metrics optional without branching.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// CasesTotal counts measured cases by op, dtype, device and status.
	CasesTotal metric.Int64Counter

	// CaseDuration records the aggregated per-call duration in seconds.
	CaseDuration metric.Float64Histogram

	// SweepsTotal counts completed sweeps.
	SweepsTotal metric.Int64Counter

	// CompareChange records relative changes from comparisons.
	CompareChange metric.Float64Histogram

	// UnmatchedTotal counts records present on one side only, by side.
	UnmatchedTotal metric.Int64Counter

	// GateChecksTotal counts regression gate checks by result.
	GateChecksTotal metric.Int64Counter
}

// NewMetrics registers every instrument on meter.
//
// Inputs:
//
//	meter - The meter to register on. Typically otel.Meter("layoutbench").
//
// Outputs:
//
//	*Metrics - Ready to record.
//	error    - Non-nil if any instrument fails to register.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CasesTotal, err = meter.Int64Counter(
		"layoutbench_cases_total",
		metric.WithDescription("Total benchmark cases by outcome"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cases_total: %w", err)
	}

	m.CaseDuration, err = meter.Float64Histogram(
		"layoutbench_case_duration_seconds",
		metric.WithDescription("Per-call duration of a measured case"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1e-9, 1e-8, 1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create case_duration: %w", err)
	}

	m.SweepsTotal, err = meter.Int64Counter(
		"layoutbench_sweeps_total",
		metric.WithDescription("Total completed sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweeps_total: %w", err)
	}

	m.CompareChange, err = meter.Float64Histogram(
		"layoutbench_compare_change",
		metric.WithDescription("Relative change new/baseline - 1 per compared point"),
		metric.WithExplicitBucketBoundaries(-0.5, -0.25, -0.1, -0.05, 0, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create compare_change: %w", err)
	}

	m.UnmatchedTotal, err = meter.Int64Counter(
		"layoutbench_unmatched_records_total",
		metric.WithDescription("Records present in only one run"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unmatched_records_total: %w", err)
	}

	m.GateChecksTotal, err = meter.Int64Counter(
		"layoutbench_gate_checks_total",
		metric.WithDescription("Regression gate checks by result"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gate_checks_total: %w", err)
	}

	return m, nil
}

// DefaultMetrics registers instruments on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("layoutbench"))
}

// RecordCase records one case outcome. seconds is ignored unless status
// is StatusOK.
func (m *Metrics) RecordCase(ctx context.Context, status string, seconds float64, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	set := metric.WithAttributes(append(attrs, attribute.String("status", status))...)
	m.CasesTotal.Add(ctx, 1, set)
	if status == StatusOK {
		m.CaseDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))
	}
}

// RecordSweep counts one completed sweep.
func (m *Metrics) RecordSweep(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.SweepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChange records one compared point.
func (m *Metrics) RecordChange(ctx context.Context, change float64, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.CompareChange.Record(ctx, change, metric.WithAttributes(attrs...))
}

// RecordUnmatched counts n unmatched records on side ("baseline" or "new").
func (m *Metrics) RecordUnmatched(ctx context.Context, side string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnmatchedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("side", side)))
}

// RecordGate counts one gate check.
func (m *Metrics) RecordGate(ctx context.Context, pass bool) {
	if m == nil {
		return
	}
	result := "pass"
	if !pass {
		result = "fail"
	}
	m.GateChecksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// -----------------------------------------------------------------------------
// Spans
// -----------------------------------------------------------------------------

// StartSpan creates a span from the global tracer.
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// RecordError records err on span and marks it failed. Nil span or err is a no-op.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}
