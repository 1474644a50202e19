// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"fmt"
	"math"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// MaxExponent bounds a single size exponent.
const MaxExponent = 40

// DefaultBudget is the default per-case byte budget (32 MiB).
const DefaultBudget int64 = 32 << 20

// padding is the number of extra elements allocated per padded axis.
const padding = 1

// -----------------------------------------------------------------------------
// Tables
// -----------------------------------------------------------------------------

// FullSizes sweeps every exponent from 0 to 20.
var FullSizes = func() []int {
	s := make([]int, 21)
	for i := range s {
		s[i] = i
	}
	return s
}()

// SmallSizes is the reduced size table for fast iteration.
var SmallSizes = []int{1, 10, 20}

// FullLayouts covers 1, 3 and 5 axes of each layout family.
var FullLayouts = []Descriptor{
	Uniform(Contiguous, 1),
	Uniform(Contiguous, 3),
	Uniform(Contiguous, 5),
	Uniform(NonContiguous, 1),
	Uniform(NonContiguous, 3),
	Uniform(NonContiguous, 5),
	Mixed(1),
	Mixed(3),
	Mixed(5),
}

// SmallLayouts is the reduced layout table for fast iteration.
var SmallLayouts = []Descriptor{
	Uniform(Contiguous, 1),
	Uniform(NonContiguous, 3),
	Mixed(1),
	Mixed(3),
}

// -----------------------------------------------------------------------------
// Cases
// -----------------------------------------------------------------------------

// Case is one shape of a sweep.
//
// Size is the sweep exponent. For mixed descriptors Size is the
// contiguous-axis exponent and Secondary the non-contiguous budget.
type Case struct {
	Size       int
	Secondary  int
	Shape      []int
	Descriptor Descriptor

	// Footprint is the padded allocation in elements.
	Footprint int64
}

// Mixed reports whether the case carries a two-part problem size.
func (c Case) Mixed() bool { return c.Descriptor.Kind() == KindMixed }

// Bytes returns the padded allocation size at dtype's element width.
func (c Case) Bytes(dtype tensor.DType) int64 {
	return mulSat(c.Footprint, int64(dtype.Size()))
}

// Materialize allocates the case's array.
//
// Description:
//
//	Contiguous cases allocate exactly Shape. Non-contiguous cases append
//	a unit axis, allocate every axis with one element of padding, narrow
//	back and squeeze the unit axis, so every axis ends up with a stride
//	larger than its contiguous counterpart. Mixed cases pad every axis and
//	narrow back; the innermost contiguous axis keeps unit stride while the
//	non-contiguous axes get padded strides.
//
// Outputs:
//
//	*tensor.Tensor - Caller owns the returned view and must Release it.
//	error          - Propagated factory error (unsupported dtype, OOM).
func (c Case) Materialize(f tensor.Factory, dtype tensor.DType, dev tensor.Device) (*tensor.Tensor, error) {
	switch c.Descriptor.Kind() {
	case KindContiguous:
		return f.Empty(c.Shape, dtype, dev)
	case KindNonContiguous:
		full := append(append([]int(nil), c.Shape...), 1)
		t, err := padded(f, full, dtype, dev)
		if err != nil {
			return nil, err
		}
		v, err := t.Squeeze(len(c.Shape))
		if err != nil {
			t.Release()
			return nil, err
		}
		return v, nil
	default:
		return padded(f, c.Shape, dtype, dev)
	}
}

// padded allocates shape+padding on every axis and narrows back to shape.
func padded(f tensor.Factory, shape []int, dtype tensor.DType, dev tensor.Device) (*tensor.Tensor, error) {
	under := make([]int, len(shape))
	for i, s := range shape {
		under[i] = s + padding
	}
	t, err := f.Empty(under, dtype, dev)
	if err != nil {
		return nil, err
	}
	v := t
	for axis, s := range shape {
		if v, err = v.Narrow(axis, 0, s); err != nil {
			t.Release()
			return nil, err
		}
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Generator
// -----------------------------------------------------------------------------

// Sweep is the ordered case list of one descriptor at one dtype.
type Sweep struct {
	Name       string
	Descriptor Descriptor
	DType      tensor.DType
	Cases      []Case

	// Truncated is set when the budget stopped the sweep early.
	Truncated bool
}

// Generator builds sweeps from a size table and a byte budget.
type Generator struct {
	// Sizes are strictly increasing exponents in [0, MaxExponent].
	Sizes []int

	// Budget is the maximum padded allocation in bytes per case.
	Budget int64
}

// Validate checks the size table and budget.
func (g Generator) Validate() error {
	if len(g.Sizes) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSizes)
	}
	for i, s := range g.Sizes {
		if s < 0 || s > MaxExponent {
			return fmt.Errorf("%w: exponent %d outside [0, %d]", ErrInvalidSizes, s, MaxExponent)
		}
		if i > 0 && s <= g.Sizes[i-1] {
			return fmt.Errorf("%w: %v is not strictly increasing", ErrInvalidSizes, g.Sizes)
		}
	}
	if g.Budget <= 0 {
		return fmt.Errorf("%w: budget must be positive, got %d", ErrInvalidSizes, g.Budget)
	}
	return nil
}

// Generate enumerates the cases of desc for dtype.
//
// Description:
//
//	Pure descriptors yield one case per size, split evenly across all
//	axes. Mixed descriptors iterate the contiguous exponent in the outer
//	loop and the non-contiguous budget in the inner loop, producing cases
//	ordered by (contiguous, non-contiguous). A sweep stops at the first
//	shape whose padded bytes exceed the budget; the outer mixed loop stops
//	when not even the smallest inner size fits.
//
// Outputs:
//
//	Sweep - Cases in strictly increasing problem-size order.
//	error - ErrInvalidDescriptor or ErrInvalidSizes; never a runtime error.
func (g Generator) Generate(desc Descriptor, dtype tensor.DType) (Sweep, error) {
	if err := desc.Validate(); err != nil {
		return Sweep{}, err
	}
	if err := g.Validate(); err != nil {
		return Sweep{}, err
	}
	if !dtype.Valid() {
		return Sweep{}, fmt.Errorf("%w: %d", tensor.ErrUnknownDType, int(dtype))
	}

	sw := Sweep{Name: desc.SweepName(), Descriptor: desc, DType: dtype}
	fits := func(c Case) bool { return c.Bytes(dtype) <= g.Budget }

	if desc.Kind() != KindMixed {
		for _, s := range g.Sizes {
			c := pureCase(desc, s)
			if !fits(c) {
				sw.Truncated = true
				break
			}
			sw.Cases = append(sw.Cases, c)
		}
		return sw, nil
	}

	_, nonContig := desc.Counts()
	for _, cs := range g.Sizes {
		inner := 0
		for _, ns := range g.Sizes {
			c := mixedCase(desc, nonContig, cs, ns)
			if !fits(c) {
				sw.Truncated = true
				break
			}
			sw.Cases = append(sw.Cases, c)
			inner++
		}
		if inner == 0 {
			break
		}
	}
	return sw, nil
}

func pureCase(desc Descriptor, s int) Case {
	shape := extents(SplitSize(s, len(desc)))
	c := Case{Size: s, Shape: shape, Descriptor: desc}
	if desc.Kind() == KindContiguous {
		c.Footprint = footprint(shape, 0, 1)
	} else {
		c.Footprint = footprint(shape, padding, 1+padding)
	}
	return c
}

// mixedCase orders the shape [non-contiguous axes..., contiguous axis].
func mixedCase(desc Descriptor, nonContig, contigSize, nonContigSize int) Case {
	shape := append(extents(SplitSize(nonContigSize, nonContig)), 1<<contigSize)
	return Case{
		Size:       contigSize,
		Secondary:  nonContigSize,
		Shape:      shape,
		Descriptor: desc,
		Footprint:  footprint(shape, padding, 1),
	}
}

func extents(exps []int) []int {
	out := make([]int, len(exps))
	for i, e := range exps {
		out[i] = 1 << e
	}
	return out
}

// footprint multiplies (extent+pad) over shape and a trailing factor,
// saturating at math.MaxInt64.
func footprint(shape []int, pad int, trailing int64) int64 {
	n := trailing
	for _, s := range shape {
		n = mulSat(n, int64(s+pad))
	}
	return n
}

func mulSat(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}
