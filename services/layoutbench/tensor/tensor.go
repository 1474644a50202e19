// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tensor is the strided host array engine used by layoutbench.
//
// A Tensor is a view (shape, strides, offset) over shared typed storage
// owned by a Device. Views produced by Narrow, Unsqueeze and Squeeze share
// the storage of their parent; releasing any view returns the storage
// reservation to the device allocator.
//
//	┌────────────┐  Empty   ┌──────────┐  Narrow/Squeeze  ┌──────────┐
//	│  Factory   │ ───────▶ │  Tensor  │ ───────────────▶ │   view   │
//	└────────────┘          └──────────┘                  └──────────┘
//	       │ Reserve              │ Release
//	       ▼                      ▼
//	┌─────────────────────────────────────┐
//	│         Device.Allocator()          │
//	└─────────────────────────────────────┘
//
// Thread Safety: a Tensor is not safe for concurrent mutation. Release
// is idempotent and may race with nothing but itself.
package tensor

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	// ErrOutOfMemory indicates the device allocator could not satisfy a reservation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUnsupportedDType indicates a device cannot hold the requested dtype.
	ErrUnsupportedDType = errors.New("unsupported dtype")

	// ErrUnknownDType indicates a dtype name could not be parsed.
	ErrUnknownDType = errors.New("unknown dtype")

	// ErrInvalidShape indicates a negative extent or an out-of-range view.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrReleased indicates use of a tensor after Release.
	ErrReleased = errors.New("tensor released")
)

// storage is the reference-shared backing of a tensor and all of its views.
type storage struct {
	buf      buffer
	bytes    int64
	device   Device
	released atomic.Bool
}

// Tensor is a strided view over typed storage.
type Tensor struct {
	dtype   DType
	shape   []int
	strides []int
	offset  int
	st      *storage
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the logical extents.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Strides returns a copy of the per-axis element strides.
func (t *Tensor) Strides() []int { return append([]int(nil), t.strides...) }

// Offset returns the storage index of the first logical element.
func (t *Tensor) Offset() int { return t.offset }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Device returns the owning device.
func (t *Tensor) Device() Device { return t.st.device }

// StorageBytes returns the size of the backing reservation, including padding.
func (t *Tensor) StorageBytes() int64 { return t.st.bytes }

// NumElements returns the number of logical elements.
func (t *Tensor) NumElements() int {
	return numElements(t.shape)
}

// Released reports whether the backing storage has been returned.
func (t *Tensor) Released() bool { return t.st.released.Load() }

// IsContiguous reports whether the view is laid out in row-major order
// without gaps. Axes of extent 1 do not affect contiguity.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] == 1 {
			continue
		}
		if t.strides[i] != expected {
			return false
		}
		expected *= t.shape[i]
	}
	return true
}

// Release returns the storage reservation to the device allocator.
//
// Description:
//
//	Release is idempotent and releases the storage shared with every
//	view derived from t. Loads and stores after Release panic; kernels
//	running under a backend convert the panic into an error.
func (t *Tensor) Release() {
	if t == nil || t.st == nil {
		return
	}
	if !t.st.released.CompareAndSwap(false, true) {
		return
	}
	t.st.buf = nil
	if t.st.device != nil {
		t.st.device.Allocator().Free(t.st.bytes)
	}
}

// Narrow returns a view restricting axis to [start, start+length).
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for rank %d", ErrInvalidShape, axis, len(t.shape))
	}
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		return nil, fmt.Errorf("%w: narrow [%d, %d) exceeds extent %d on axis %d",
			ErrInvalidShape, start, start+length, t.shape[axis], axis)
	}
	v := t.view()
	v.shape[axis] = length
	v.offset += start * t.strides[axis]
	return v, nil
}

// Unsqueeze returns a view with a new axis of extent 1 inserted at axis.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 || axis > len(t.shape) {
		return nil, fmt.Errorf("%w: unsqueeze axis %d for rank %d", ErrInvalidShape, axis, len(t.shape))
	}
	stride := 1
	if axis < len(t.shape) {
		stride = t.strides[axis] * t.shape[axis]
	}
	v := t.view()
	v.shape = insertAt(v.shape, axis, 1)
	v.strides = insertAt(v.strides, axis, stride)
	return v, nil
}

// Squeeze returns a view with the extent-1 axis removed.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: squeeze axis %d for rank %d", ErrInvalidShape, axis, len(t.shape))
	}
	if t.shape[axis] != 1 {
		return nil, fmt.Errorf("%w: squeeze axis %d has extent %d", ErrInvalidShape, axis, t.shape[axis])
	}
	v := t.view()
	v.shape = append(v.shape[:axis], v.shape[axis+1:]...)
	v.strides = append(v.strides[:axis], v.strides[axis+1:]...)
	return v, nil
}

// ForEach visits every logical element in row-major order, passing the
// logical index and the storage offset.
func (t *Tensor) ForEach(fn func(i, off int)) {
	n := t.NumElements()
	if n == 0 {
		return
	}
	rank := len(t.shape)
	if rank == 0 {
		fn(0, t.offset)
		return
	}
	idx := make([]int, rank)
	off := t.offset
	for i := 0; i < n; i++ {
		fn(i, off)
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			off += t.strides[ax]
			if idx[ax] < t.shape[ax] {
				break
			}
			off -= t.strides[ax] * t.shape[ax]
			idx[ax] = 0
		}
	}
}

// Load reads the element at storage offset off.
func (t *Tensor) Load(off int) float64 { return t.st.buf.load(off) }

// Store writes the element at storage offset off.
func (t *Tensor) Store(off int, v float64) { t.st.buf.store(off, v) }

// Float64s returns the backing slice of a contiguous float64 view.
func (t *Tensor) Float64s() ([]float64, bool) {
	if t.dtype != Float64 || !t.IsContiguous() || t.Released() {
		return nil, false
	}
	buf, ok := t.st.buf.(f64Buffer)
	if !ok {
		return nil, false
	}
	return buf[t.offset : t.offset+t.NumElements()], true
}

// String renders dtype, shape and strides, e.g. "float32[4 8]/[9 1]".
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%v/%v", t.dtype, t.shape, t.strides)
	if t.Released() {
		b.WriteString(" (released)")
	}
	return b.String()
}

func (t *Tensor) view() *Tensor {
	return &Tensor{
		dtype:   t.dtype,
		shape:   append([]int(nil), t.shape...),
		strides: append([]int(nil), t.strides...),
		offset:  t.offset,
		st:      t.st,
	}
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func insertAt(s []int, i, v int) []int {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
