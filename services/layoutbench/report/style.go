// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders comparisons for people: a console table, an
// HTML page of charts, and terminal plots.
//
// Slowdowns (positive changes) are drawn in the error color and
// speedups in the success color everywhere.
package report

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
const (
	ColorTealBright  = "#2CD7C7"
	ColorTealPrimary = "#20B9B4"
	ColorTealDeep    = "#16858E"
	ColorSlate       = "#2C4A54"
	ColorSuccess     = ColorTealBright
	ColorWarning     = "#F4D03F"
	ColorError       = "#E74C3C"
	ColorNeutral     = "#FFFFFF"
)

// Icons for gate and entry status.
const (
	IconPass    = "✓"
	IconWarning = "⚠"
	IconFail    = "✗"
	IconNone    = "·"
)

// styles holds the lipgloss styles of one render. Plain renders use
// empty styles so the output carries no escape codes.
type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
}

func newStyles(w io.Writer, color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{
			title: plain, muted: plain, success: plain, warning: plain, failure: plain,
			header: plain.Padding(0, 1), cell: plain.Padding(0, 1), border: plain,
		}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorTealBright)),
		muted:   r.NewStyle().Foreground(lipgloss.Color(ColorSlate)),
		success: r.NewStyle().Foreground(lipgloss.Color(ColorSuccess)),
		warning: r.NewStyle().Foreground(lipgloss.Color(ColorWarning)),
		failure: r.NewStyle().Foreground(lipgloss.Color(ColorError)),
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorTealPrimary)).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		border:  r.NewStyle().Foreground(lipgloss.Color(ColorTealDeep)),
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// FormatChange renders a relative change as a signed percentage, or
// "n/a" when it is not finite.
func FormatChange(c float64) string {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", c*100)
}
