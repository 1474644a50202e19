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
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig indicates an invalid harness configuration.
	ErrInvalidConfig = errors.New("invalid timing configuration")

	// ErrInvocation indicates the operation failed while being measured.
	// The case is recorded as skipped and the sweep continues.
	ErrInvocation = errors.New("invocation failed")

	// ErrResource indicates the case array could not be allocated.
	// The remaining larger sizes of the sweep are not attempted.
	ErrResource = errors.New("resource exhausted")

	// ErrSetup indicates the case could not be prepared for a reason
	// other than memory.
	ErrSetup = errors.New("case setup failed")

	// ErrNoSamples indicates aggregation over an empty sample set.
	ErrNoSamples = errors.New("no samples collected")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Statistic selects how repeated loop timings are aggregated.
type Statistic string

const (
	// StatMin keeps the fastest loop, which is least disturbed by jitter.
	StatMin Statistic = "min"

	// StatMedian keeps the middle loop.
	StatMedian Statistic = "median"
)

// Config holds timing harness configuration.
//
// Description:
//
//	Config controls the adaptive loop length, the number of repeated
//	loops and how they are aggregated. Use DefaultConfig() and override
//	fields as needed.
//
// Thread Safety: Safe for concurrent read access after initialization.
type Config struct {
	// MinLoopTime is the minimum wall time of one measured loop. The loop
	// count grows 1, 2, 5, 10, 20, 50, ... until a loop takes this long.
	// Default: 20ms
	MinLoopTime time.Duration

	// MaxLoops caps the loop count for very fast operations.
	// Default: 1,000,000
	MaxLoops int

	// Repeats is the number of measured loops aggregated per case.
	// Default: 5
	Repeats int

	// Statistic aggregates the per-call times of the repeated loops.
	// Default: median
	Statistic Statistic

	// RemoveOutliers drops samples outside the IQR fence before
	// aggregating.
	// Default: false
	RemoveOutliers bool

	// OutlierThreshold is the IQR multiplier for the outlier fence.
	// Default: 1.5
	OutlierThreshold float64

	// Reclaim forces a garbage collection and returns freed memory to
	// the OS after every case.
	// Default: true
	Reclaim bool
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		MinLoopTime:      20 * time.Millisecond,
		MaxLoops:         1_000_000,
		Repeats:          5,
		Statistic:        StatMedian,
		OutlierThreshold: 1.5,
		Reclaim:          true,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.MinLoopTime < 0 {
		return fmt.Errorf("%w: min loop time must be non-negative", ErrInvalidConfig)
	}
	if c.MaxLoops <= 0 {
		return fmt.Errorf("%w: max loops must be positive", ErrInvalidConfig)
	}
	if c.Repeats <= 0 {
		return fmt.Errorf("%w: repeats must be positive", ErrInvalidConfig)
	}
	if c.Statistic != StatMin && c.Statistic != StatMedian {
		return fmt.Errorf("%w: statistic must be %q or %q, got %q",
			ErrInvalidConfig, StatMin, StatMedian, c.Statistic)
	}
	if c.RemoveOutliers && c.OutlierThreshold <= 0 {
		return fmt.Errorf("%w: outlier threshold must be positive", ErrInvalidConfig)
	}
	return nil
}
