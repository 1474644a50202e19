// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tensor

import (
	"fmt"
	"sync"
)

// Device is the allocation target of a tensor.
type Device interface {
	// Name identifies the device in setup descriptors ("cpu", "stream").
	Name() string

	// Allocator returns the byte accounting for the device.
	Allocator() *Allocator

	// Supports reports whether the device can hold dtype.
	Supports(dtype DType) bool
}

// Factory materializes tensors on a device.
type Factory interface {
	// Empty allocates an uninitialized contiguous tensor.
	Empty(shape []int, dtype DType, dev Device) (*Tensor, error)
}

// =============================================================================
// Allocator
// =============================================================================

// Allocator tracks reserved bytes against a fixed capacity.
//
// Thread Safety: safe for concurrent use. Async backends free output
// tensors from their worker goroutine.
type Allocator struct {
	mu       sync.Mutex
	capacity int64
	inUse    int64
	peak     int64
}

// NewAllocator returns an allocator with the given capacity in bytes.
// A capacity of zero or less means unlimited.
func NewAllocator(capacity int64) *Allocator {
	return &Allocator{capacity: capacity}
}

// Reserve accounts n bytes or fails with ErrOutOfMemory.
func (a *Allocator) Reserve(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity > 0 && a.inUse+n > a.capacity {
		return fmt.Errorf("%w: requested %d bytes with %d of %d in use",
			ErrOutOfMemory, n, a.inUse, a.capacity)
	}
	a.inUse += n
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	return nil
}

// Free returns n bytes.
func (a *Allocator) Free(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse -= n
	if a.inUse < 0 {
		a.inUse = 0
	}
}

// InUse returns the currently reserved bytes.
func (a *Allocator) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Peak returns the high-water mark of reserved bytes.
func (a *Allocator) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// Capacity returns the configured capacity.
func (a *Allocator) Capacity() int64 { return a.capacity }

// =============================================================================
// Host Factory
// =============================================================================

// HostFactory allocates Go-heap storage and accounts it on the device.
type HostFactory struct{}

// Empty allocates an uninitialized contiguous tensor of shape.
//
// Inputs:
//
//	shape - Non-negative extents.
//	dtype - Element type; must be supported by dev.
//	dev   - Owning device; its allocator is charged for the storage.
//
// Outputs:
//
//	*Tensor - The new tensor. Caller owns it and must Release it.
//	error   - ErrInvalidShape, ErrUnsupportedDType or ErrOutOfMemory.
func (HostFactory) Empty(shape []int, dtype DType, dev Device) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDType, int(dtype))
	}
	if dev == nil {
		return nil, fmt.Errorf("tensor: nil device")
	}
	if !dev.Supports(dtype) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedDType, dtype, dev.Name())
	}
	for i, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative extent %d on axis %d", ErrInvalidShape, s, i)
		}
	}

	n := numElements(shape)
	bytes := int64(n) * int64(dtype.Size())
	if err := dev.Allocator().Reserve(bytes); err != nil {
		return nil, fmt.Errorf("allocate %v %s on %s: %w", shape, dtype, dev.Name(), err)
	}

	return &Tensor{
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: ContiguousStrides(shape),
		st: &storage{
			buf:    newBuffer(dtype, n),
			bytes:  bytes,
			device: dev,
		},
	}, nil
}
