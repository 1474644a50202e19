// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ops

import (
	"fmt"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// Launcher runs kernels on the device that owns the operands.
type Launcher interface {
	tensor.Device
	Launch(kernel func()) error
}

// Bind returns a zero-argument invoker performing op on x once per call.
//
// Description:
//
//	In-place variants write through x's strided view. Out-of-place
//	variants allocate a contiguous output on every call, launch the
//	kernel and release the output when the kernel finishes, so the
//	allocation cost is part of the measured work.
//
// Inputs:
//
//	op - A resolved capability.
//	x  - The operand. Bind does not take ownership.
//	l  - Launcher that owns x.
//	f  - Factory for out-of-place outputs.
//
// Outputs:
//
//	func() error - The invoker.
//	error        - ErrUnsupportedDType when op cannot run on x's dtype.
func Bind(op Resolved, x *tensor.Tensor, l Launcher, f tensor.Factory) (func() error, error) {
	if x == nil {
		return nil, fmt.Errorf("ops: bind %s: nil operand", op.Requested)
	}
	if !op.Supports(x.DType()) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedDType, op.Requested, x.DType())
	}

	if op.InPlace {
		return func() error {
			return l.Launch(func() { applyInPlace(op.Capability, x) })
		}, nil
	}

	shape := x.Shape()
	out := op.OutDType(x.DType())
	return func() error {
		y, err := f.Empty(shape, out, l)
		if err != nil {
			return err
		}
		if err := l.Launch(func() {
			defer y.Release()
			apply(op.Capability, x, y)
		}); err != nil {
			y.Release()
			return err
		}
		return nil
	}, nil
}

func applyInPlace(c Capability, x *tensor.Tensor) {
	if c.Vector != nil {
		if buf, ok := x.Float64s(); ok {
			c.Vector(buf, buf)
			return
		}
	}
	x.ForEach(func(_, off int) {
		x.Store(off, c.Fn(x.Load(off)))
	})
}

// apply writes op(x) into the fresh contiguous tensor y.
func apply(c Capability, x, y *tensor.Tensor) {
	if c.Vector != nil {
		src, okSrc := x.Float64s()
		dst, okDst := y.Float64s()
		if okSrc && okDst {
			c.Vector(dst, src)
			return
		}
	}
	x.ForEach(func(i, off int) {
		y.Store(i, c.Fn(x.Load(off)))
	})
}
