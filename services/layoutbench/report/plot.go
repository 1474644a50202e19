// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"errors"
	"fmt"
	"math"

	"github.com/guptarohit/asciigraph"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
)

var (
	// ErrNotPlottable is returned for entries that are not 1-D or have
	// fewer than two finite points.
	ErrNotPlottable = errors.New("entry cannot be plotted")
)

// Plot renders the per-point change of a 1-D entry in percent.
// Non-finite points are dropped.
func Plot(e *compare.Entry, height int) (string, error) {
	if e.Dims != 1 {
		return "", fmt.Errorf("%w: %d-D sizes", ErrNotPlottable, e.Dims)
	}
	series := make([]float64, 0, len(e.Compare))
	for _, c := range e.Compare {
		if !math.IsNaN(c) {
			series = append(series, c*100)
		}
	}
	if len(series) < 2 {
		return "", fmt.Errorf("%w: %d finite points", ErrNotPlottable, len(series))
	}
	if height <= 0 {
		height = 8
	}
	return asciigraph.Plot(series,
		asciigraph.Height(height),
		asciigraph.Precision(1),
		asciigraph.Caption(fmt.Sprintf("%s %s: change %% by size", e.Title, Label(e))),
	), nil
}
