// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matrix

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/layout"
	"github.com/AleutianAI/layoutbench/services/layoutbench/ops"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
	"github.com/AleutianAI/layoutbench/services/layoutbench/timing"
)

const tracerName = "layoutbench.matrix"

// Measurer times one case. *timing.Harness implements it.
type Measurer interface {
	Measure(
		acquire func() (*tensor.Tensor, error),
		bind func(*tensor.Tensor) (timing.Invoker, error),
		sync timing.Synchronizer,
	) (timing.Measurement, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records per-case and per-sweep metrics.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithFactory overrides the array factory. Default: tensor.HostFactory.
func WithFactory(f tensor.Factory) RunnerOption {
	return func(r *Runner) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithProgressInterval throttles progress logs. Default: 2s.
func WithProgressInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.progress = rate.Sometimes{Interval: d} }
}

// Runner executes a Plan.
//
// Description:
//
//	Records yields (title, record) pairs lazily in op, dtype, sweep,
//	backend order. The title is the operation's base name so in-place and
//	out-of-place variants group together; the setup carries the exact
//	variant. A Runner is single-use.
//
// Thread Safety: Records may be called once. The returned sequence must
// be consumed from a single goroutine.
type Runner struct {
	plan    *Plan
	meas    Measurer
	factory tensor.Factory
	logger  *slog.Logger
	metrics *telemetry.Metrics

	progress rate.Sometimes
	consumed atomic.Bool

	mu   sync.Mutex
	err  error
	done int
}

// NewRunner returns a runner for plan measured by m.
func NewRunner(plan *Plan, m Measurer, opts ...RunnerOption) *Runner {
	r := &Runner{
		plan:     plan,
		meas:     m,
		factory:  tensor.HostFactory{},
		logger:   slog.Default(),
		progress: rate.Sometimes{Interval: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Err returns the context error that stopped iteration early, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Records returns the lazily evaluated record sequence.
//
// Description:
//
//	Each step measures one sweep on one backend. Cancellation of ctx is
//	checked between cases; a cancelled run stops without yielding the
//	partial record and Err reports the cause. Breaking out of the range
//	loop stops measurement immediately.
//
// Outputs:
//
//	iter.Seq2 - Finite, not restartable.
//	error     - ErrConsumed on the second call.
func (r *Runner) Records(ctx context.Context) (iter.Seq2[string, *results.Record], error) {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	total := r.plan.Cases()

	return func(yield func(string, *results.Record) bool) {
		ctx, span := telemetry.StartSpan(ctx, tracerName, "matrix.Run",
			trace.WithAttributes(
				attribute.Int("units", len(r.plan.units)),
				attribute.Int("cases", total),
			),
		)
		defer span.End()

		start := time.Now()
		r.logger.Info("benchmark started",
			slog.Int("units", len(r.plan.units)),
			slog.Int("cases", total),
		)

		for _, u := range r.plan.units {
			for _, b := range u.Backends {
				recs, ok := r.runSweep(ctx, u, b, total)
				if !ok {
					telemetry.RecordError(span, r.Err())
					return
				}
				for _, rec := range recs {
					if !yield(u.Op.Name, rec) {
						return
					}
				}
			}
		}

		r.logger.Info("benchmark finished",
			slog.Int("cases", r.done),
			slog.Duration("elapsed", time.Since(start)),
		)
	}, nil
}

// Collect drains seq into a new Run.
func Collect(seq iter.Seq2[string, *results.Record]) *results.Run {
	run := results.NewRun()
	for title, rec := range seq {
		run.Append(title, *rec)
	}
	return run
}

// -----------------------------------------------------------------------------
// Sweep execution
// -----------------------------------------------------------------------------

type measured struct {
	c   layout.Case
	m   timing.Measurement
	err error
}

// runSweep measures every case of u on b and builds its records. It
// returns false if ctx was cancelled.
func (r *Runner) runSweep(ctx context.Context, u Unit, b backend.Backend, total int) ([]*results.Record, bool) {
	attrs := []attribute.KeyValue{
		attribute.String("op", u.Op.Requested),
		attribute.String("dtype", u.DType.String()),
		attribute.String("layout", u.Sweep.Name),
		attribute.String("device", b.Name()),
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "matrix.Sweep", trace.WithAttributes(attrs...))
	defer span.End()

	r.logger.Debug("benchmarking sweep",
		slog.String("op", u.Op.Requested),
		slog.String("dtype", u.DType.String()),
		slog.String("layout", u.Sweep.Name),
		slog.String("device", b.Name()),
	)

	var syncer timing.Synchronizer
	if b.Async() {
		syncer = b
	}

	out := make([]measured, 0, len(u.Sweep.Cases))
	stopAt := -1 // contiguous size whose inner sweep hit a resource limit
	stopped := false
	for _, c := range u.Sweep.Cases {
		if err := ctx.Err(); err != nil {
			r.setErr(err)
			return nil, false
		}
		if stopped || (c.Mixed() && c.Size == stopAt) {
			out = append(out, measured{c: c, err: errSkippedAfterResource})
			continue
		}

		m, err := r.meas.Measure(
			func() (*tensor.Tensor, error) { return c.Materialize(r.factory, u.DType, b) },
			func(x *tensor.Tensor) (timing.Invoker, error) { return ops.Bind(u.Op, x, b, r.factory) },
			syncer,
		)
		out = append(out, measured{c: c, m: m, err: err})
		r.done++

		switch {
		case err == nil:
			r.metrics.RecordCase(ctx, telemetry.StatusOK, m.Duration, attrs...)
		case errors.Is(err, timing.ErrResource):
			r.metrics.RecordCase(ctx, telemetry.StatusResource, 0, attrs...)
			r.logger.Warn("case exceeds device memory, ending sweep",
				slog.String("op", u.Op.Requested),
				slog.String("layout", u.Sweep.Name),
				slog.String("device", b.Name()),
				slog.Any("shape", c.Shape),
				slog.String("error", err.Error()),
			)
			if c.Mixed() {
				stopAt = c.Size
			} else {
				stopped = true
			}
		default:
			r.metrics.RecordCase(ctx, telemetry.StatusSkipped, 0, attrs...)
			r.logger.Warn("case failed",
				slog.String("op", u.Op.Requested),
				slog.String("layout", u.Sweep.Name),
				slog.String("device", b.Name()),
				slog.Any("shape", c.Shape),
				slog.String("error", err.Error()),
			)
		}

		r.progress.Do(func() {
			r.logger.Info("progress",
				slog.Int("done", r.done),
				slog.Int("total", total),
				slog.String("op", u.Op.Requested),
				slog.String("layout", u.Sweep.Name),
			)
		})
	}

	r.metrics.RecordSweep(ctx, attrs...)
	return r.buildRecords(u, b, out), true
}

var errSkippedAfterResource = errors.New("skipped after resource exhaustion")

func baseSetup(u Unit, b backend.Backend) results.Setup {
	return results.Setup{
		results.FieldOp:     u.Op.Requested,
		results.FieldDType:  u.DType.String(),
		results.FieldLayout: u.Sweep.Name,
		results.FieldDevice: b.Name(),
	}
}

// buildRecords turns measurements into records. Mixed sweeps produce a
// single 2-D record, or one 1-D record per non-contiguous size when
// SplitMixed is set.
func (r *Runner) buildRecords(u Unit, b backend.Backend, ms []measured) []*results.Record {
	mixed := u.Sweep.Descriptor.Kind() == layout.KindMixed
	if !mixed || !r.plan.cfg.SplitMixed {
		rec := &results.Record{Setup: baseSetup(u, b), Data: []results.Point{}}
		for _, x := range ms {
			ps := results.Scalar(x.c.Size)
			if mixed {
				ps = results.Pair(x.c.Size, x.c.Secondary)
			}
			appendResult(rec, ps, x)
		}
		return []*results.Record{rec}
	}

	bySecondary := make(map[int]*results.Record)
	var order []int
	for _, x := range ms {
		rec, ok := bySecondary[x.c.Secondary]
		if !ok {
			s := baseSetup(u, b)
			s[results.FieldNonContiguousSize] = x.c.Secondary
			rec = &results.Record{Setup: s, Data: []results.Point{}}
			bySecondary[x.c.Secondary] = rec
			order = append(order, x.c.Secondary)
		}
		appendResult(rec, results.Scalar(x.c.Size), x)
	}
	// A non-contiguous size first seen under a later contiguous size
	// would otherwise land out of order.
	slices.Sort(order)
	out := make([]*results.Record, 0, len(order))
	for _, s := range order {
		out = append(out, bySecondary[s])
	}
	return out
}

func appendResult(rec *results.Record, ps results.ProblemSize, x measured) {
	if x.err != nil {
		rec.Skipped = append(rec.Skipped, results.SkippedCase{ProblemSize: ps, Reason: x.err.Error()})
		return
	}
	rec.Data = append(rec.Data, results.Point{ProblemSize: ps, Duration: x.m.Duration})
}
