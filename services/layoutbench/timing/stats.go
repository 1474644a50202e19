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
	"fmt"

	"github.com/montanaflynn/stats"
)

// Summary describes the per-call samples of one case.
//
// Raw samples are discarded once a Summary is built.
type Summary struct {
	Min     float64
	Median  float64
	P90     float64
	Max     float64
	Stddev  float64
	Samples int
	Dropped int
}

// Aggregate reduces per-call samples (seconds) with s.
func Aggregate(samples []float64, s Statistic) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	data := stats.Float64Data(samples)
	switch s {
	case StatMin:
		return data.Min()
	case StatMedian:
		return data.Median()
	default:
		return 0, fmt.Errorf("%w: unknown statistic %q", ErrInvalidConfig, s)
	}
}

// Summarize computes descriptive statistics over samples.
func Summarize(samples []float64) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	data := stats.Float64Data(samples)
	var (
		sum Summary
		err error
	)
	sum.Samples = len(samples)
	if sum.Min, err = data.Min(); err != nil {
		return Summary{}, err
	}
	if sum.Max, err = data.Max(); err != nil {
		return Summary{}, err
	}
	if sum.Median, err = data.Median(); err != nil {
		return Summary{}, err
	}
	if sum.P90, err = data.Percentile(90); err != nil {
		return Summary{}, err
	}
	if sum.Stddev, err = data.StandardDeviation(); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// RemoveOutliers drops samples outside [Q1 - k*IQR, Q3 + k*IQR].
//
// Fewer than four samples are returned unchanged.
func RemoveOutliers(samples []float64, k float64) []float64 {
	if len(samples) < 4 {
		return samples
	}
	q, err := stats.Quartile(stats.Float64Data(samples))
	if err != nil {
		return samples
	}
	iqr := q.Q3 - q.Q1
	lo, hi := q.Q1-k*iqr, q.Q3+k*iqr

	kept := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s >= lo && s <= hi {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return samples
	}
	return kept
}
