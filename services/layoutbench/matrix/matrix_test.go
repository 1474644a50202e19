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
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/layout"
	"github.com/AleutianAI/layoutbench/services/layoutbench/ops"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
	"github.com/AleutianAI/layoutbench/services/layoutbench/timing"
)

// fakeMeasurer materializes and releases the case array but replaces
// timing with fn.
type fakeMeasurer struct {
	calls int
	fn    func(x *tensor.Tensor) (float64, error)
}

func (f *fakeMeasurer) Measure(
	acquire func() (*tensor.Tensor, error),
	bind func(*tensor.Tensor) (timing.Invoker, error),
	_ timing.Synchronizer,
) (timing.Measurement, error) {
	x, err := acquire()
	if err != nil {
		return timing.Measurement{}, fmt.Errorf("%w: %w", timing.ErrResource, err)
	}
	defer x.Release()
	if _, err := bind(x); err != nil {
		return timing.Measurement{}, fmt.Errorf("%w: %w", timing.ErrSetup, err)
	}
	f.calls++
	if f.fn == nil {
		return timing.Measurement{Duration: 1e-6, Loops: 1}, nil
	}
	d, err := f.fn(x)
	return timing.Measurement{Duration: d, Loops: 1}, err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openBackends(t *testing.T) (*backend.Host, *backend.Stream) {
	t.Helper()
	host, err := backend.NewHost(backend.HostConfig{Capacity: 64 << 20})
	require.NoError(t, err)
	stream := backend.NewStream(backend.StreamConfig{Capacity: 64 << 20})
	t.Cleanup(func() { _ = stream.Close() })
	return host, stream
}

func tinyConfig() Config {
	return Config{
		Ops:     []string{"abs"},
		DTypes:  []tensor.DType{tensor.Float32},
		Layouts: []layout.Descriptor{layout.Uniform(layout.Contiguous, 1)},
		Sizes:   []int{1, 2, 3},
		Budget:  layout.DefaultBudget,
	}
}

func drain(t *testing.T, r *Runner) *results.Run {
	t.Helper()
	seq, err := r.Records(context.Background())
	require.NoError(t, err)
	run := Collect(seq)
	require.NoError(t, r.Err())
	return run
}

func TestPresets(t *testing.T) {
	small, err := Preset("small")
	require.NoError(t, err)
	assert.Equal(t, []string{"abs", "abs_", "logical_not", "logical_not_", "sign", "sign_",
		"floor", "floor_", "sin", "sin_", "digamma", "digamma_"}, small.Ops)
	assert.Len(t, small.Layouts, 4)

	full, err := Preset("full")
	require.NoError(t, err)
	assert.Len(t, full.Ops, 2*(len(AllDTypeOps)+len(FloatOpsFull)))
	assert.Len(t, full.Sizes, 21)

	_, err = Preset("huge")
	assert.ErrorIs(t, err, ErrUnknownPreset)

	host, stream := openBackends(t)
	for _, cfg := range []Config{small, full} {
		_, err := NewPlan(cfg, ops.Default(), []backend.Backend{host, stream})
		assert.NoError(t, err, "presets must resolve against the default registry")
	}
}

func TestRules(t *testing.T) {
	rules := Rules{
		{Backend: "stream", DType: "int64", Allow: false},
		{Backend: Wildcard, DType: "float16", Allow: false},
		{Backend: "stream", DType: Wildcard, Allow: true},
	}
	require.NoError(t, rules.Validate())

	assert.False(t, rules.Allowed("stream", tensor.Int64))
	assert.False(t, rules.Allowed("stream", tensor.Float16), "first match wins")
	assert.False(t, rules.Allowed("cpu", tensor.Float16))
	assert.True(t, rules.Allowed("cpu", tensor.Float32), "unmatched pairs are allowed")

	assert.False(t, DefaultRules().Allowed("cpu", tensor.Float16))
	assert.True(t, DefaultRules().Allowed("stream", tensor.Float16))

	assert.ErrorIs(t, Rules{{Backend: "cpu", DType: "float8"}}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Rules{{DType: "float32"}}.Validate(), ErrInvalidConfig)
}

func TestNewPlan_Errors(t *testing.T) {
	host, stream := openBackends(t)
	backends := []backend.Backend{host, stream}

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"unknown op", func(c *Config) { c.Ops = []string{"abs", "frobnicate"} }, ops.ErrUnknownOp},
		{"unsupported dtype", func(c *Config) {
			c.Ops = []string{"floor"}
			c.DTypes = []tensor.DType{tensor.Int32}
		}, ops.ErrUnsupportedDType},
		{"invalid descriptor", func(c *Config) {
			c.Layouts = []layout.Descriptor{{layout.NonContiguous, layout.Contiguous}}
		}, layout.ErrInvalidDescriptor},
		{"invalid sizes", func(c *Config) { c.Sizes = []int{3, 1} }, layout.ErrInvalidSizes},
		{"no ops", func(c *Config) { c.Ops = nil }, ErrInvalidConfig},
		{"bad rule", func(c *Config) { c.Rules = Rules{{Backend: "cpu", DType: "x"}} }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.modify(&cfg)
			_, err := NewPlan(cfg, ops.Default(), backends)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("no backends", func(t *testing.T) {
		_, err := NewPlan(tinyConfig(), ops.Default(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rule allows what the backend cannot hold", func(t *testing.T) {
		strict, err := backend.NewHost(backend.HostConfig{Capacity: 1 << 20, Unsupported: []tensor.DType{tensor.Float16}})
		require.NoError(t, err)
		cfg := tinyConfig()
		cfg.DTypes = []tensor.DType{tensor.Float16}
		cfg.Rules = Rules{}
		_, err = NewPlan(cfg, ops.Default(), []backend.Backend{strict})
		assert.ErrorIs(t, err, ErrRuleConflict)
	})
}

func TestNewPlan_DefaultRulesFilterBackends(t *testing.T) {
	host, stream := openBackends(t)
	cfg := tinyConfig()
	cfg.DTypes = []tensor.DType{tensor.Float16, tensor.Float32}

	plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host, stream})
	require.NoError(t, err)

	units := plan.Units()
	require.Len(t, units, 2)
	assert.Equal(t, tensor.Float16, units[0].DType)
	require.Len(t, units[0].Backends, 1)
	assert.Equal(t, "stream", units[0].Backends[0].Name())
	assert.Len(t, units[1].Backends, 2)
	assert.Equal(t, 3*1+3*2, plan.Cases())

	tree := plan.Tree().String()
	assert.Contains(t, tree, "abs")
	assert.Contains(t, tree, "float16")
	assert.Contains(t, tree, "all contiguous 1d (3 cases)")
}

func TestRunner_OrderAndSetup(t *testing.T) {
	host, stream := openBackends(t)
	cfg := tinyConfig()
	cfg.Ops = []string{"abs", "abs_", "sign"}
	cfg.DTypes = []tensor.DType{tensor.Float32, tensor.Float64}
	cfg.Layouts = []layout.Descriptor{layout.Uniform(layout.Contiguous, 1), layout.Uniform(layout.NonContiguous, 2)}
	cfg.Sizes = []int{1, 2}

	plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host, stream})
	require.NoError(t, err)

	meas := &fakeMeasurer{}
	run := drain(t, NewRunner(plan, meas, WithLogger(quietLogger())))

	require.Len(t, run.Entries, 3*2*2*2)
	assert.Equal(t, 3*2*2*2*2, meas.calls)

	var got []string
	for _, e := range run.Entries {
		got = append(got, fmt.Sprintf("%s|%s|%s|%s|%s", e.Title,
			e.Setup.Get(results.FieldOp), e.Setup.Get(results.FieldDType),
			e.Setup.Get(results.FieldLayout), e.Setup.Get(results.FieldDevice)))
	}
	assert.Equal(t, []string{
		"abs|abs|float32|all contiguous 1d|cpu",
		"abs|abs|float32|all contiguous 1d|stream",
		"abs|abs|float32|all non-contiguous 2d|cpu",
		"abs|abs|float32|all non-contiguous 2d|stream",
		"abs|abs|float64|all contiguous 1d|cpu",
	}, got[:5])
	assert.Equal(t, "abs|abs_|float32|all contiguous 1d|cpu", got[8])
	assert.Equal(t, "sign|sign|float64|all non-contiguous 2d|stream", got[len(got)-1])

	for _, e := range run.Entries {
		assert.Equal(t, []string{"device", "dtype", "layout", "op"}, e.Setup.Fields())
		require.Len(t, e.Data, 2)
		assert.Equal(t, results.Scalar(1), e.Data[0].ProblemSize)
		assert.Equal(t, results.Scalar(2), e.Data[1].ProblemSize)
	}
	assert.Equal(t, int64(0), host.Allocator().InUse())
}

func TestRunner_SingleUse(t *testing.T) {
	host, _ := openBackends(t)
	plan, err := NewPlan(tinyConfig(), ops.Default(), []backend.Backend{host})
	require.NoError(t, err)

	r := NewRunner(plan, &fakeMeasurer{}, WithLogger(quietLogger()))
	_, err = r.Records(context.Background())
	require.NoError(t, err)
	_, err = r.Records(context.Background())
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestRunner_Failures(t *testing.T) {
	host, _ := openBackends(t)

	t.Run("measurement error is skipped and the sweep continues", func(t *testing.T) {
		plan, err := NewPlan(tinyConfig(), ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		meas := &fakeMeasurer{fn: func(x *tensor.Tensor) (float64, error) {
			if x.NumElements() == 4 {
				return 0, fmt.Errorf("%w: kernel rejected input", timing.ErrInvocation)
			}
			return 1e-6, nil
		}}
		run := drain(t, NewRunner(plan, meas, WithLogger(quietLogger())))

		require.Len(t, run.Entries, 1)
		rec := run.Entries[0]
		assert.Equal(t, []results.Point{
			{ProblemSize: results.Scalar(1), Duration: 1e-6},
			{ProblemSize: results.Scalar(3), Duration: 1e-6},
		}, rec.Data)
		require.Len(t, rec.Skipped, 1)
		assert.Equal(t, results.Scalar(2), rec.Skipped[0].ProblemSize)
		assert.Contains(t, rec.Skipped[0].Reason, "kernel rejected input")
	})

	t.Run("resource error ends the sweep", func(t *testing.T) {
		plan, err := NewPlan(tinyConfig(), ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		meas := &fakeMeasurer{fn: func(x *tensor.Tensor) (float64, error) {
			if x.NumElements() >= 4 {
				return 0, fmt.Errorf("%w: %w", timing.ErrResource, tensor.ErrOutOfMemory)
			}
			return 1e-6, nil
		}}
		run := drain(t, NewRunner(plan, meas, WithLogger(quietLogger())))

		rec := run.Entries[0]
		assert.Len(t, rec.Data, 1)
		require.Len(t, rec.Skipped, 2)
		assert.Equal(t, results.Scalar(3), rec.Skipped[1].ProblemSize)
		assert.Equal(t, 2, meas.calls, "no case is attempted after the resource error")
	})

	t.Run("resource error ends only the inner mixed sweep", func(t *testing.T) {
		cfg := tinyConfig()
		cfg.Layouts = []layout.Descriptor{layout.Mixed(1)}
		plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		meas := &fakeMeasurer{fn: func(x *tensor.Tensor) (float64, error) {
			if x.Shape()[0] >= 4 {
				return 0, fmt.Errorf("%w: %w", timing.ErrResource, tensor.ErrOutOfMemory)
			}
			return 1e-6, nil
		}}
		run := drain(t, NewRunner(plan, meas, WithLogger(quietLogger())))

		require.Len(t, run.Entries, 1)
		rec := run.Entries[0]
		assert.Equal(t, []results.ProblemSize{results.Pair(1, 1), results.Pair(2, 1), results.Pair(3, 1)},
			sizes(rec.Data))
		assert.Len(t, rec.Skipped, 6)
		assert.Equal(t, 6, meas.calls)
	})

	t.Run("every case failing still emits the record", func(t *testing.T) {
		plan, err := NewPlan(tinyConfig(), ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		meas := &fakeMeasurer{fn: func(*tensor.Tensor) (float64, error) {
			return 0, errors.New("always fails")
		}}
		run := drain(t, NewRunner(plan, meas, WithLogger(quietLogger())))

		require.Len(t, run.Entries, 1)
		assert.Empty(t, run.Entries[0].Data)
		assert.NotNil(t, run.Entries[0].Data)
		assert.Len(t, run.Entries[0].Skipped, 3)
	})
}

func sizes(ps []results.Point) []results.ProblemSize {
	out := make([]results.ProblemSize, len(ps))
	for i, p := range ps {
		out[i] = p.ProblemSize
	}
	return out
}

func TestRunner_Mixed(t *testing.T) {
	host, _ := openBackends(t)
	cfg := tinyConfig()
	cfg.Layouts = []layout.Descriptor{layout.Mixed(1)}
	cfg.Sizes = []int{1, 2}

	t.Run("one 2-D record", func(t *testing.T) {
		plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		run := drain(t, NewRunner(plan, &fakeMeasurer{}, WithLogger(quietLogger())))

		require.Len(t, run.Entries, 1)
		assert.Equal(t, "contiguous 1d and non-contiguous 1d", run.Entries[0].Setup.Get(results.FieldLayout))
		assert.Equal(t, []results.ProblemSize{
			results.Pair(1, 1), results.Pair(1, 2), results.Pair(2, 1), results.Pair(2, 2),
		}, sizes(run.Entries[0].Data))
	})

	t.Run("split per non-contiguous size", func(t *testing.T) {
		split := cfg
		split.SplitMixed = true
		plan, err := NewPlan(split, ops.Default(), []backend.Backend{host})
		require.NoError(t, err)
		run := drain(t, NewRunner(plan, &fakeMeasurer{}, WithLogger(quietLogger())))

		require.Len(t, run.Entries, 2)
		for i, e := range run.Entries {
			assert.Equal(t, fmt.Sprint(i+1), e.Setup.Get(results.FieldNonContiguousSize))
			assert.Equal(t, []results.ProblemSize{results.Scalar(1), results.Scalar(2)}, sizes(e.Data))
		}
		assert.NotEqual(t, run.Entries[0].Setup.Key(), run.Entries[1].Setup.Key())
	})
}

func TestRunner_Cancellation(t *testing.T) {
	host, _ := openBackends(t)
	cfg := tinyConfig()
	cfg.Ops = []string{"abs", "sign"}
	plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host})
	require.NoError(t, err)

	t.Run("cancelled context stops between cases", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		meas := &fakeMeasurer{fn: func(*tensor.Tensor) (float64, error) {
			cancel()
			return 1e-6, nil
		}}
		r := NewRunner(plan, meas, WithLogger(quietLogger()))
		seq, err := r.Records(ctx)
		require.NoError(t, err)

		run := Collect(seq)
		assert.Empty(t, run.Entries, "a partial record is not yielded")
		assert.Equal(t, 1, meas.calls)
		assert.ErrorIs(t, r.Err(), context.Canceled)
	})

	t.Run("breaking the loop stops measurement", func(t *testing.T) {
		meas := &fakeMeasurer{}
		r := NewRunner(plan, meas, WithLogger(quietLogger()))
		seq, err := r.Records(context.Background())
		require.NoError(t, err)
		for title := range seq {
			assert.Equal(t, "abs", title)
			break
		}
		assert.Equal(t, 3, meas.calls)
		assert.NoError(t, r.Err())
	})
}

func TestRunner_RealHarness(t *testing.T) {
	host, stream := openBackends(t)
	cfg := Config{
		Ops:     []string{"abs", "sin_"},
		DTypes:  []tensor.DType{tensor.Float64},
		Layouts: []layout.Descriptor{layout.Uniform(layout.NonContiguous, 3), layout.Mixed(1)},
		Sizes:   []int{1, 3},
		Budget:  layout.DefaultBudget,
	}
	plan, err := NewPlan(cfg, ops.Default(), []backend.Backend{host, stream})
	require.NoError(t, err)

	tcfg := timing.DefaultConfig()
	tcfg.MinLoopTime = 0
	tcfg.Repeats = 1
	tcfg.Reclaim = false
	h, err := timing.NewHarness(tcfg)
	require.NoError(t, err)

	run := drain(t, NewRunner(plan, h, WithLogger(quietLogger())))

	require.Len(t, run.Entries, 2*2*2)
	assert.Equal(t, []string{"abs", "sin"}, run.Titles())
	for _, e := range run.Entries {
		assert.Empty(t, e.Skipped, e.Setup.Key())
		for _, p := range e.Data {
			assert.GreaterOrEqual(t, p.Duration, 0.0)
		}
	}
	assert.Equal(t, 2*(2+4)*2, run.Points())
	assert.Equal(t, int64(0), host.Allocator().InUse())
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, int64(0), stream.Allocator().InUse())
}
