// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

type recordingSync struct {
	events *[]string
	err    error
}

func (s recordingSync) Synchronize() error {
	*s.events = append(*s.events, "sync")
	return s.err
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MinLoopTime = 0
	cfg.Repeats = 3
	cfg.Reclaim = false
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative loop time", func(c *Config) { c.MinLoopTime = -1 }},
		{"zero max loops", func(c *Config) { c.MaxLoops = 0 }},
		{"zero repeats", func(c *Config) { c.Repeats = 0 }},
		{"bad statistic", func(c *Config) { c.Statistic = "mean" }},
		{"bad outlier threshold", func(c *Config) { c.RemoveOutliers = true; c.OutlierThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestOneLoop(t *testing.T) {
	t.Run("sync backend warms up once", func(t *testing.T) {
		calls := 0
		loop := OneLoop(func() error { calls++; return nil }, nil)
		_, err := loop(10)
		require.NoError(t, err)
		assert.Equal(t, 11, calls)
	})

	t.Run("async backend brackets the clock", func(t *testing.T) {
		var events []string
		invoke := func() error { events = append(events, "invoke"); return nil }
		loop := OneLoop(invoke, recordingSync{events: &events})
		_, err := loop(2)
		require.NoError(t, err)
		assert.Equal(t, []string{"invoke", "sync", "invoke", "invoke", "sync"}, events)
	})

	t.Run("invocation error stops the loop", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		loop := OneLoop(func() error {
			calls++
			if calls == 3 {
				return boom
			}
			return nil
		}, nil)
		_, err := loop(10)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("sync error surfaces", func(t *testing.T) {
		var events []string
		fault := errors.New("device fault")
		loop := OneLoop(func() error { return nil }, recordingSync{events: &events, err: fault})
		_, err := loop(1)
		assert.ErrorIs(t, err, fault)
	})
}

func TestAggregate(t *testing.T) {
	samples := []float64{3, 1, 2, 10, 4}

	got, err := Aggregate(samples, StatMin)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	got, err = Aggregate(samples, StatMedian)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	_, err = Aggregate(nil, StatMin)
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = Aggregate(samples, "mode")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSummarize(t *testing.T) {
	sum, err := Summarize([]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sum.Min)
	assert.Equal(t, 5.0, sum.Max)
	assert.Equal(t, 3.0, sum.Median)
	assert.Equal(t, 5, sum.Samples)
	assert.Greater(t, sum.Stddev, 0.0)

	_, err = Summarize(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestRemoveOutliers(t *testing.T) {
	kept := RemoveOutliers([]float64{1, 1.1, 0.9, 1.05, 0.95, 50}, 1.5)
	assert.NotContains(t, kept, 50.0)
	assert.Len(t, kept, 5)

	short := []float64{1, 100}
	assert.Equal(t, short, RemoveOutliers(short, 1.5))
}

func newHost(t *testing.T, capacity int64) *backend.Host {
	t.Helper()
	h, err := backend.NewHost(backend.HostConfig{Capacity: capacity})
	require.NoError(t, err)
	return h
}

func acquireOn(dev tensor.Device, shape []int) func() (*tensor.Tensor, error) {
	return func() (*tensor.Tensor, error) {
		return tensor.HostFactory{}.Empty(shape, tensor.Float32, dev)
	}
}

func TestHarness_Measure(t *testing.T) {
	h, err := NewHarness(fastConfig())
	require.NoError(t, err)

	t.Run("measures and releases", func(t *testing.T) {
		dev := newHost(t, 1<<20)
		calls := 0
		m, err := h.Measure(acquireOn(dev, []int{16}), func(x *tensor.Tensor) (Invoker, error) {
			return func() error { calls++; return nil }, nil
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, m.Loops)
		assert.GreaterOrEqual(t, m.Duration, 0.0)
		assert.Equal(t, 3, m.Summary.Samples)
		assert.Equal(t, 2+2*3, calls, "autorange loop plus three repeats, each with warm-up")
		assert.Equal(t, int64(0), dev.Allocator().InUse())
	})

	t.Run("allocation failure is a resource error", func(t *testing.T) {
		dev := newHost(t, 8)
		_, err := h.Measure(acquireOn(dev, []int{16}), func(*tensor.Tensor) (Invoker, error) {
			t.Fatal("bind must not run")
			return nil, nil
		}, nil)
		assert.ErrorIs(t, err, ErrResource)
		assert.ErrorIs(t, err, tensor.ErrOutOfMemory)
	})

	t.Run("other acquire failures are setup errors", func(t *testing.T) {
		_, err := h.Measure(func() (*tensor.Tensor, error) {
			return nil, fmt.Errorf("wrap: %w", tensor.ErrUnsupportedDType)
		}, nil, nil)
		assert.ErrorIs(t, err, ErrSetup)
		assert.NotErrorIs(t, err, ErrResource)
	})

	t.Run("invocation error releases the array", func(t *testing.T) {
		dev := newHost(t, 1<<20)
		_, err := h.Measure(acquireOn(dev, []int{16}), func(*tensor.Tensor) (Invoker, error) {
			return func() error { return errors.New("kernel rejected input") }, nil
		}, nil)
		assert.ErrorIs(t, err, ErrInvocation)
		assert.Equal(t, int64(0), dev.Allocator().InUse())
	})

	t.Run("panic is an invocation error", func(t *testing.T) {
		dev := newHost(t, 1<<20)
		_, err := h.Measure(acquireOn(dev, []int{16}), func(*tensor.Tensor) (Invoker, error) {
			return func() error { panic("bad kernel") }, nil
		}, nil)
		assert.ErrorIs(t, err, ErrInvocation)
		assert.Equal(t, int64(0), dev.Allocator().InUse())
	})

	t.Run("async kernel failure is an invocation error", func(t *testing.T) {
		s := backend.NewStream(backend.StreamConfig{Capacity: 1 << 20})
		defer s.Close()
		_, err := h.Measure(acquireOn(s, []int{16}), func(*tensor.Tensor) (Invoker, error) {
			return func() error { return s.Launch(func() { panic("device fault") }) }, nil
		}, s)
		assert.ErrorIs(t, err, ErrInvocation)
		assert.ErrorIs(t, err, backend.ErrKernelPanic)
		assert.Equal(t, int64(0), s.Allocator().InUse())
	})
}

func TestHarness_Autorange(t *testing.T) {
	cfg := fastConfig()
	cfg.MinLoopTime = time.Hour
	cfg.MaxLoops = 100
	h, err := NewHarness(cfg)
	require.NoError(t, err)

	var seen []int
	n, err := h.autorange(func(n int) (time.Duration, error) {
		seen = append(seen, n)
		return time.Millisecond, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, []int{1, 2, 5, 10, 20, 50}, seen)

	cfg.MinLoopTime = 15 * time.Millisecond
	h, err = NewHarness(cfg)
	require.NoError(t, err)
	n, err = h.autorange(func(n int) (time.Duration, error) {
		return time.Duration(n) * time.Millisecond, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestNewHarness_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Repeats = 0
	_, err := NewHarness(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
