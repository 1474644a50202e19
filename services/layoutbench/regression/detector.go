// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package regression classifies a comparison into regressions, warnings
// and improvements, and gates CI on the result.
package regression

import (
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// -----------------------------------------------------------------------------
// Regression Types
// -----------------------------------------------------------------------------

// RegressionType identifies what a finding was measured on.
type RegressionType int

const (
	// RegressionNone indicates no regression.
	RegressionNone RegressionType = iota

	// RegressionEntry is a change of an entry's geometric-mean ratio.
	RegressionEntry

	// RegressionPoint is a change of a single problem size.
	RegressionPoint

	// RegressionCoverage is a record that could not be compared.
	RegressionCoverage
)

// String returns the string representation.
func (r RegressionType) String() string {
	switch r {
	case RegressionNone:
		return "none"
	case RegressionEntry:
		return "entry"
	case RegressionPoint:
		return "point"
	case RegressionCoverage:
		return "coverage"
	default:
		return "unknown"
	}
}

// Severity indicates how severe a regression is.
type Severity int

const (
	// SeverityNone indicates no issue.
	SeverityNone Severity = iota

	// SeverityWarning indicates a warning-level change.
	SeverityWarning

	// SeverityError indicates a regression past FailChange.
	SeverityError

	// SeverityCritical indicates a regression past CriticalChange.
	SeverityCritical
)

// String returns the string representation.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Detection Result
// -----------------------------------------------------------------------------

// Regression describes one finding.
type Regression struct {
	Type     RegressionType
	Severity Severity

	// Title and Setup identify the compared entry.
	Title string
	Setup results.Setup

	// ProblemSize is set for point findings.
	ProblemSize *results.ProblemSize

	// BaselineValue and CurrentValue are seconds for point findings and
	// unset for entry findings.
	BaselineValue float64
	CurrentValue  float64

	// Change is the relative change (positive = slower).
	Change float64

	// Threshold is the threshold that was exceeded.
	Threshold float64

	Message string
}

// DetectionResult holds the findings of one comparison.
type DetectionResult struct {
	Regressions  []Regression
	Warnings     []Regression
	Improvements []Regression

	// Checked is the number of entries with at least MinPoints finite values.
	Checked int

	// Pass is true if no blocking regressions were found.
	Pass bool

	// MaxSeverity is the highest severity found.
	MaxSeverity Severity

	AnalyzedAt time.Time
}

// HasRegressions returns true if any regressions were detected.
func (r *DetectionResult) HasRegressions() bool {
	return len(r.Regressions) > 0
}

// HasWarnings returns true if any warnings were detected.
func (r *DetectionResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

func (r *DetectionResult) addRegression(reg Regression) {
	r.Regressions = append(r.Regressions, reg)
	r.Pass = false
	if reg.Severity > r.MaxSeverity {
		r.MaxSeverity = reg.Severity
	}
}

func (r *DetectionResult) addWarning(reg Regression) {
	r.Warnings = append(r.Warnings, reg)
	if r.MaxSeverity < SeverityWarning {
		r.MaxSeverity = SeverityWarning
	}
}

// -----------------------------------------------------------------------------
// Detector
// -----------------------------------------------------------------------------

// DetectorConfig configures regression detection. All changes are
// relative, e.g. 0.05 = 5% slower.
type DetectorConfig struct {
	// WarnChange is the entry change reported as a warning.
	WarnChange float64

	// FailChange is the entry change reported as a regression.
	FailChange float64

	// CriticalChange escalates a regression to critical.
	CriticalChange float64

	// MaxPointChange fails any single point slower by more than this.
	// Zero disables point checks.
	MaxPointChange float64

	// MinPoints is the minimum number of finite points an entry needs
	// to be judged.
	MinPoints int
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		WarnChange:     0.05,
		FailChange:     0.10,
		CriticalChange: 0.50,
		MaxPointChange: 1.0,
		MinPoints:      1,
	}
}

// Validate checks threshold ordering.
func (c *DetectorConfig) Validate() error {
	if c.WarnChange < 0 || c.FailChange < c.WarnChange || c.CriticalChange < c.FailChange {
		return fmt.Errorf("%w: need 0 <= warn (%g) <= fail (%g) <= critical (%g)",
			ErrInvalidThresholds, c.WarnChange, c.FailChange, c.CriticalChange)
	}
	if c.MaxPointChange < 0 {
		return fmt.Errorf("%w: negative max point change", ErrInvalidThresholds)
	}
	return nil
}

// Detector classifies comparison entries.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	config *DetectorConfig
}

// NewDetector creates a detector. A nil config uses defaults.
func NewDetector(config *DetectorConfig) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &Detector{config: config}
}

// Detect classifies every entry of cmp.
//
// Description:
//
//	Each entry is judged by the geometric mean of new/baseline over its
//	finite points, so one noisy size does not dominate. Independently,
//	any single point slower than MaxPointChange is a regression.
//	Speedups past WarnChange are reported as improvements.
func (d *Detector) Detect(cmp *compare.Comparison) *DetectionResult {
	result := &DetectionResult{Pass: true, AnalyzedAt: time.Now()}
	if cmp == nil {
		return result
	}

	for _, e := range cmp.Entries() {
		ratio, n := e.GeoMeanRatio()
		if n < d.config.MinPoints || n == 0 {
			continue
		}
		result.Checked++
		d.checkEntry(result, e, ratio-1)
		if d.config.MaxPointChange > 0 {
			d.checkPoints(result, e)
		}
	}
	return result
}

func (d *Detector) checkEntry(result *DetectionResult, e *compare.Entry, change float64) {
	reg := Regression{
		Type:   RegressionEntry,
		Title:  e.Title,
		Setup:  e.Setup,
		Change: change,
	}

	switch {
	case change > d.config.CriticalChange:
		reg.Severity = SeverityCritical
		reg.Threshold = d.config.CriticalChange
		reg.Message = fmt.Sprintf("%s slower by %.1f%% (critical threshold: %.1f%%)",
			describe(e), change*100, reg.Threshold*100)
		result.addRegression(reg)
	case change > d.config.FailChange:
		reg.Severity = SeverityError
		reg.Threshold = d.config.FailChange
		reg.Message = fmt.Sprintf("%s slower by %.1f%% (threshold: %.1f%%)",
			describe(e), change*100, reg.Threshold*100)
		result.addRegression(reg)
	case change > d.config.WarnChange:
		reg.Severity = SeverityWarning
		reg.Threshold = d.config.WarnChange
		reg.Message = fmt.Sprintf("%s slower by %.1f%% (approaching threshold: %.1f%%)",
			describe(e), change*100, d.config.FailChange*100)
		result.addWarning(reg)
	case change < -d.config.WarnChange:
		reg.Threshold = d.config.WarnChange
		reg.Message = fmt.Sprintf("%s faster by %.1f%%", describe(e), -change*100)
		result.Improvements = append(result.Improvements, reg)
	}
}

func (d *Detector) checkPoints(result *DetectionResult, e *compare.Entry) {
	for i, c := range e.Compare {
		if math.IsNaN(c) || c <= d.config.MaxPointChange {
			continue
		}
		ps := e.Baseline[i].ProblemSize
		result.addRegression(Regression{
			Type:          RegressionPoint,
			Severity:      SeverityError,
			Title:         e.Title,
			Setup:         e.Setup,
			ProblemSize:   &ps,
			BaselineValue: e.Baseline[i].Duration,
			CurrentValue:  e.New[i].Duration,
			Change:        c,
			Threshold:     d.config.MaxPointChange,
			Message: fmt.Sprintf("%s at size %s slower by %.1f%% (point threshold: %.1f%%)",
				describe(e), ps, c*100, d.config.MaxPointChange*100),
		})
	}
}

func describe(e *compare.Entry) string {
	return fmt.Sprintf("%s [%s %s %s %s]", e.Title,
		e.Setup.Get(results.FieldOp), e.Setup.Get(results.FieldDType),
		e.Setup.Get(results.FieldLayout), e.Setup.Get(results.FieldDevice))
}
