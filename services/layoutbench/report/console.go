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
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/regression"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// ConsoleOptions controls console rendering.
type ConsoleOptions struct {
	// Color enables styling. Defaults to IsTerminal(w).
	Color *bool

	// OnlyChanged hides entries without a finding.
	OnlyChanged bool
}

// Console writes a summary table of cmp and, when decision is non-nil,
// the gate verdict.
//
// Description:
//
//	One row per entry: its setup, point count, geometric-mean change and
//	worst single-point change. Status comes from the decision's findings
//	when present. Join counts follow the table.
//
// Inputs:
//
//	w        - Destination.
//	cmp      - The comparison. Must not be nil.
//	decision - Gate result. May be nil.
//	o        - Options.
//
// Outputs:
//
//	error - Write failures.
func Console(w io.Writer, cmp *compare.Comparison, decision *regression.GateDecision, o ConsoleOptions) error {
	color := IsTerminal(w)
	if o.Color != nil {
		color = *o.Color
	}
	st := newStyles(w, color)
	status := findings(decision)

	var rows [][]string
	var kinds []string
	for _, e := range cmp.Entries() {
		kind := status[findingKey(e.Title, e.Key)]
		if o.OnlyChanged && kind == "" {
			continue
		}
		ratio, n := e.GeoMeanRatio()
		mean := math.NaN()
		if n > 0 {
			mean = ratio - 1
		}
		rows = append(rows, []string{
			e.Title,
			e.Setup.Get(results.FieldOp),
			e.Setup.Get(results.FieldDType),
			e.Setup.Get(results.FieldLayout),
			e.Setup.Get(results.FieldDevice),
			strconv.Itoa(len(e.Compare)),
			FormatChange(mean),
			FormatChange(worst(e.Compare)),
			icon(kind),
		})
		kinds = append(kinds, kind)
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(st.border).
		Headers("TITLE", "OP", "DTYPE", "LAYOUT", "DEVICE", "POINTS", "GEOMEAN", "WORST", "").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			if row < 0 || row >= len(kinds) || col < 6 {
				return st.cell
			}
			switch kinds[row] {
			case kindRegression:
				return st.cell.Inherit(st.failure)
			case kindWarning:
				return st.cell.Inherit(st.warning)
			case kindImprovement:
				return st.cell.Inherit(st.success)
			}
			return st.cell
		})

	var sb strings.Builder
	sb.WriteString(st.title.Render(fmt.Sprintf("Comparison %s -> %s", short(cmp.BaselineID), short(cmp.NewID))))
	sb.WriteString("\n")
	if len(rows) == 0 {
		sb.WriteString(st.muted.Render("no comparable entries"))
	} else {
		sb.WriteString(tbl.Render())
	}
	sb.WriteString("\n")

	s := cmp.Stats
	sb.WriteString(st.muted.Render(fmt.Sprintf(
		"matched %d  only-baseline %d  only-new %d  length-mismatch %d  size-mismatch %d  invalid %d",
		s.Matched, s.OnlyBaseline, s.OnlyNew, s.LengthMismatch, s.SizeMismatch, s.Invalid)))
	sb.WriteString("\n")
	if cmp.HostMismatch {
		sb.WriteString(st.warning.Render(IconWarning + " runs were recorded on different machines"))
		sb.WriteString("\n")
	}

	if decision != nil {
		if decision.Pass {
			sb.WriteString(st.success.Render(IconPass + " gate passed"))
		} else {
			sb.WriteString(st.failure.Render(IconFail + " gate failed: " + strings.Join(decision.Reasons, "; ")))
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

const (
	kindRegression  = "regression"
	kindWarning     = "warning"
	kindImprovement = "improvement"
)

func findingKey(title, key string) string { return title + "\x00" + key }

// findings maps entry to its most severe finding kind.
func findings(d *regression.GateDecision) map[string]string {
	out := make(map[string]string)
	if d == nil || d.Result == nil {
		return out
	}
	for _, r := range d.Result.Improvements {
		out[findingKey(r.Title, r.Setup.Key())] = kindImprovement
	}
	for _, r := range d.Result.Warnings {
		out[findingKey(r.Title, r.Setup.Key())] = kindWarning
	}
	for _, r := range d.Result.Regressions {
		out[findingKey(r.Title, r.Setup.Key())] = kindRegression
	}
	return out
}

func icon(kind string) string {
	switch kind {
	case kindRegression:
		return IconFail
	case kindWarning:
		return IconWarning
	case kindImprovement:
		return IconPass
	default:
		return IconNone
	}
}

// worst returns the largest finite change, or NaN.
func worst(cs []float64) float64 {
	w := math.NaN()
	for _, c := range cs {
		if math.IsNaN(c) {
			continue
		}
		if math.IsNaN(w) || c > w {
			w = c
		}
	}
	return w
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "?"
	}
	return id
}
