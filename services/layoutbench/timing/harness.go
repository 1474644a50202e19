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
	"runtime/debug"
	"time"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// Invoker performs the operation under test once.
type Invoker func() error

// Synchronizer blocks until all work launched on a backend completed.
type Synchronizer interface {
	Synchronize() error
}

// LoopFunc runs n invocations and returns their total wall time.
type LoopFunc func(n int) (time.Duration, error)

// OneLoop wraps invoke in a timed loop.
//
// Description:
//
//	Each call runs invoke once unmeasured, then n times under the clock.
//	When sync is non-nil the backend is asynchronous: the loop
//	synchronizes immediately before starting the clock and immediately
//	before stopping it, so the result is time to completion rather than
//	time to enqueue.
//
// Thread Safety: not safe for concurrent use; cases run one at a time.
func OneLoop(invoke Invoker, sync Synchronizer) LoopFunc {
	return func(n int) (time.Duration, error) {
		if err := invoke(); err != nil {
			return 0, err
		}
		if sync != nil {
			if err := sync.Synchronize(); err != nil {
				return 0, err
			}
		}

		start := time.Now()
		for i := 0; i < n; i++ {
			if err := invoke(); err != nil {
				return 0, err
			}
		}
		if sync != nil {
			if err := sync.Synchronize(); err != nil {
				return 0, err
			}
		}
		return time.Since(start), nil
	}
}

// Measurement is the outcome of one case.
type Measurement struct {
	// Duration is the aggregated time per call in seconds.
	Duration float64

	// Loops is the number of calls per measured loop.
	Loops int

	Summary Summary
}

// Harness measures cases under one Config.
type Harness struct {
	cfg Config
}

// NewHarness validates cfg and returns a harness.
func NewHarness(cfg Config) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Harness{cfg: cfg}, nil
}

// Config returns the harness configuration.
func (h *Harness) Config() Config { return h.cfg }

// Measure materializes one case array, times the bound operation and
// releases the array.
//
// Description:
//
//	The array returned by acquire is owned by Measure and released on
//	every exit path. On an async backend the queue is drained before
//	release so no queued kernel still references it. When Reclaim is
//	set, memory is returned to the OS before the next case.
//
// Inputs:
//
//	acquire - Materializes the case array.
//	bind    - Binds the operation to the array.
//	sync    - Non-nil for async backends.
//
// Outputs:
//
//	Measurement - Aggregated per-call time.
//	error       - Wraps ErrResource, ErrSetup or ErrInvocation.
func (h *Harness) Measure(
	acquire func() (*tensor.Tensor, error),
	bind func(*tensor.Tensor) (Invoker, error),
	sync Synchronizer,
) (m Measurement, err error) {
	x, err := acquire()
	if err != nil {
		if errors.Is(err, tensor.ErrOutOfMemory) {
			return Measurement{}, fmt.Errorf("%w: %w", ErrResource, err)
		}
		return Measurement{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer func() {
		if sync != nil {
			if serr := sync.Synchronize(); serr != nil && err == nil {
				err = fmt.Errorf("%w: %w", ErrInvocation, serr)
			}
		}
		x.Release()
		if h.cfg.Reclaim {
			debug.FreeOSMemory()
		}
	}()

	invoke, err := bind(x)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	loop := guard(OneLoop(invoke, sync))
	loops, err := h.autorange(loop)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: %w", ErrInvocation, err)
	}

	samples := make([]float64, 0, h.cfg.Repeats)
	for i := 0; i < h.cfg.Repeats; i++ {
		d, err := loop(loops)
		if err != nil {
			return Measurement{}, fmt.Errorf("%w: %w", ErrInvocation, err)
		}
		samples = append(samples, d.Seconds()/float64(loops))
	}

	return h.reduce(samples, loops)
}

func (h *Harness) reduce(samples []float64, loops int) (Measurement, error) {
	n := len(samples)
	if h.cfg.RemoveOutliers {
		samples = RemoveOutliers(samples, h.cfg.OutlierThreshold)
	}
	d, err := Aggregate(samples, h.cfg.Statistic)
	if err != nil {
		return Measurement{}, err
	}
	sum, err := Summarize(samples)
	if err != nil {
		return Measurement{}, err
	}
	sum.Dropped = n - len(samples)
	return Measurement{Duration: d, Loops: loops, Summary: sum}, nil
}

// autorange finds the smallest loop count in the 1-2-5 sequence whose
// loop takes at least MinLoopTime, capped at MaxLoops.
func (h *Harness) autorange(loop LoopFunc) (int, error) {
	for base := 1; ; base *= 10 {
		for _, m := range [...]int{1, 2, 5} {
			n := base * m
			if n >= h.cfg.MaxLoops {
				return h.cfg.MaxLoops, nil
			}
			d, err := loop(n)
			if err != nil {
				return 0, err
			}
			if d >= h.cfg.MinLoopTime {
				return n, nil
			}
		}
	}
}

// guard converts a panic inside the loop into an error.
func guard(loop LoopFunc) LoopFunc {
	return func(n int) (d time.Duration, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return loop(n)
	}
}
