// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// HostName is the setup name of the synchronous host backend.
const HostName = "cpu"

// HostConfig configures the host backend.
type HostConfig struct {
	// Capacity is the allocator limit in bytes. Zero derives it from
	// MemoryFraction of the currently available host memory.
	Capacity int64

	// MemoryFraction of available memory used when Capacity is zero.
	// Default: 0.5
	MemoryFraction float64

	// Unsupported lists dtypes the host refuses to allocate.
	Unsupported []tensor.DType
}

// DefaultHostConfig returns a host config sized from available memory.
func DefaultHostConfig() HostConfig {
	return HostConfig{MemoryFraction: 0.5}
}

// Host runs kernels inline on the calling goroutine.
type Host struct {
	alloc       *tensor.Allocator
	unsupported map[tensor.DType]bool
}

// NewHost constructs the host backend.
func NewHost(cfg HostConfig) (*Host, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, fmt.Errorf("query host memory: %w", err)
		}
		frac := cfg.MemoryFraction
		if frac <= 0 || frac > 1 {
			frac = DefaultHostConfig().MemoryFraction
		}
		capacity = int64(float64(vm.Available) * frac)
	}

	h := &Host{
		alloc:       tensor.NewAllocator(capacity),
		unsupported: make(map[tensor.DType]bool, len(cfg.Unsupported)),
	}
	for _, d := range cfg.Unsupported {
		h.unsupported[d] = true
	}
	return h, nil
}

// Name returns "cpu".
func (h *Host) Name() string { return HostName }

// Allocator returns the host allocator.
func (h *Host) Allocator() *tensor.Allocator { return h.alloc }

// Supports reports whether dtype is allocatable on the host.
func (h *Host) Supports(dtype tensor.DType) bool { return !h.unsupported[dtype] }

// Async returns false.
func (h *Host) Async() bool { return false }

// Launch runs kernel to completion before returning.
func (h *Host) Launch(kernel func()) error { return runKernel(kernel) }

// Synchronize is a no-op for the host.
func (h *Host) Synchronize() error { return nil }

// Close is a no-op for the host.
func (h *Host) Close() error { return nil }
