// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout enumerates benchmark shapes for memory-layout sweeps.
//
// # Architecture
//
//	Descriptor ──Validate──▶ Generator.Generate(desc, dtype) ──▶ Sweep
//	                                                              │
//	                                 Case.Materialize(factory) ◀──┘
//
// A Descriptor tags each axis contiguous or non-contiguous. The Generator
// turns a size exponent (or a pair, for mixed descriptors) into a
// near-square power-of-two shape and stops a sweep at the first shape
// whose padded footprint exceeds the byte budget. Cases hold no memory;
// arrays are built only when Materialize is called.
//
// Non-contiguity is produced by over-allocating one element per axis and
// narrowing back to the requested extent. This changes strides without
// changing the logical shape or introducing negative strides.
package layout

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDescriptor indicates a layout descriptor violates the
	// mixed-layout rule or is empty.
	ErrInvalidDescriptor = errors.New("invalid layout descriptor")

	// ErrInvalidSizes indicates a size table that is not strictly
	// increasing or holds an out-of-range exponent.
	ErrInvalidSizes = errors.New("invalid size table")
)

// Tag is the memory layout of one axis.
type Tag int

const (
	// Contiguous axes are allocated at exactly their extent.
	Contiguous Tag = iota

	// NonContiguous axes are allocated with padding and narrowed.
	NonContiguous
)

// String returns "contiguous" or "non_contiguous".
func (t Tag) String() string {
	switch t {
	case Contiguous:
		return "contiguous"
	case NonContiguous:
		return "non_contiguous"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// ParseTag accepts "contiguous", "non_contiguous", "non-contiguous",
// or the short forms "c" and "n".
func ParseTag(s string) (Tag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contiguous", "c":
		return Contiguous, nil
	case "non_contiguous", "non-contiguous", "noncontiguous", "n":
		return NonContiguous, nil
	}
	return 0, fmt.Errorf("%w: unknown tag %q", ErrInvalidDescriptor, s)
}

// Kind classifies a descriptor by its tag counts.
type Kind int

const (
	// KindContiguous has only contiguous axes.
	KindContiguous Kind = iota

	// KindNonContiguous has only non-contiguous axes.
	KindNonContiguous

	// KindMixed has one leading contiguous axis and non-contiguous axes.
	KindMixed
)

// Descriptor is an ordered per-axis layout.
type Descriptor []Tag

// ParseDescriptor parses tags and validates the result.
func ParseDescriptor(tags []string) (Descriptor, error) {
	d := make(Descriptor, 0, len(tags))
	for _, s := range tags {
		t, err := ParseTag(s)
		if err != nil {
			return nil, err
		}
		d = append(d, t)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Counts returns the number of contiguous and non-contiguous axes.
func (d Descriptor) Counts() (contiguous, nonContiguous int) {
	for _, t := range d {
		if t == Contiguous {
			contiguous++
		} else {
			nonContiguous++
		}
	}
	return contiguous, nonContiguous
}

// Kind classifies the descriptor. Call Validate first.
func (d Descriptor) Kind() Kind {
	c, n := d.Counts()
	switch {
	case n == 0:
		return KindContiguous
	case c == 0:
		return KindNonContiguous
	default:
		return KindMixed
	}
}

// Validate enforces the layout rules.
//
// Description:
//
//	Descriptors must have at least one axis and only known tags. A
//	descriptor mixing both tags must have exactly one contiguous axis,
//	and it must be the first.
func (d Descriptor) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("%w: no axes", ErrInvalidDescriptor)
	}
	for i, t := range d {
		if t != Contiguous && t != NonContiguous {
			return fmt.Errorf("%w: axis %d has %s", ErrInvalidDescriptor, i, t)
		}
	}
	c, n := d.Counts()
	if c == 0 || n == 0 {
		return nil
	}
	if c != 1 {
		return fmt.Errorf("%w: %s mixes layouts with %d contiguous axes, want exactly 1",
			ErrInvalidDescriptor, d, c)
	}
	if d[0] != Contiguous {
		return fmt.Errorf("%w: %s mixes layouts but the contiguous axis is not first",
			ErrInvalidDescriptor, d)
	}
	return nil
}

// SweepName returns the human-readable sweep title used in setup keys.
func (d Descriptor) SweepName() string {
	c, n := d.Counts()
	switch d.Kind() {
	case KindContiguous:
		return fmt.Sprintf("all contiguous %dd", c)
	case KindNonContiguous:
		return fmt.Sprintf("all non-contiguous %dd", n)
	default:
		return fmt.Sprintf("contiguous 1d and non-contiguous %dd", n)
	}
}

// String renders the tags, e.g. "[contiguous non_contiguous]".
func (d Descriptor) String() string {
	parts := make([]string, len(d))
	for i, t := range d {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Uniform returns a descriptor of n axes all tagged t.
func Uniform(t Tag, n int) Descriptor {
	d := make(Descriptor, n)
	for i := range d {
		d[i] = t
	}
	return d
}

// Mixed returns a descriptor with one leading contiguous axis followed
// by n non-contiguous axes.
func Mixed(n int) Descriptor {
	return append(Descriptor{Contiguous}, Uniform(NonContiguous, n)...)
}

// SplitSize splits exponent s across d axes. The first d-1 axes get s/d
// and the last absorbs the remainder, e.g. SplitSize(10, 3) = [3 3 4].
func SplitSize(s, d int) []int {
	if d <= 0 {
		return nil
	}
	out := make([]int, d)
	q := s / d
	for i := range out {
		out[i] = q
	}
	out[d-1] = s - q*(d-1)
	return out
}
