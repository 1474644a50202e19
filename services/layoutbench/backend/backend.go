// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend provides the execution targets benchmark cases run on.
//
// Two backends are provided:
//
//   - Host ("cpu"): synchronous. Launch runs the kernel inline.
//   - Stream ("stream"): asynchronous. Launch enqueues the kernel on a
//     worker goroutine and returns immediately; Synchronize blocks until
//     every queued kernel has finished.
//
// Timing code must bracket an async backend with Synchronize calls,
// otherwise it measures enqueue latency instead of execution.
package backend

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

var (
	// ErrUnknownBackend indicates a backend name with no constructor.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrClosed indicates a launch on a closed backend.
	ErrClosed = errors.New("backend closed")

	// ErrKernelPanic indicates a kernel panicked while running.
	ErrKernelPanic = errors.New("kernel panic")
)

// Backend is an execution target that owns an allocator.
type Backend interface {
	tensor.Device

	// Async reports whether Launch may return before the kernel completes.
	Async() bool

	// Launch runs or enqueues kernel.
	Launch(kernel func()) error

	// Synchronize blocks until all launched kernels completed and returns
	// the first kernel failure since the previous call.
	Synchronize() error

	// Close releases backend resources. Launch fails after Close.
	Close() error
}

// Config configures every backend Open can construct.
type Config struct {
	Host   HostConfig
	Stream StreamConfig
}

// DefaultConfig returns defaults for all backends.
func DefaultConfig() Config {
	return Config{
		Host:   DefaultHostConfig(),
		Stream: DefaultStreamConfig(),
	}
}

// Names returns the backend names Open accepts.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var constructors = map[string]func(Config) (Backend, error){
	HostName: func(c Config) (Backend, error) { return NewHost(c.Host) },
	StreamName: func(c Config) (Backend, error) {
		return NewStream(c.Stream), nil
	},
}

// Open constructs the named backends in order.
//
// On error every backend opened so far is closed.
func Open(names []string, cfg Config) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, name := range names {
		ctor, ok := constructors[name]
		if !ok {
			CloseAll(out)
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownBackend, name, Names())
		}
		b, err := ctor(cfg)
		if err != nil {
			CloseAll(out)
			return nil, fmt.Errorf("open backend %s: %w", name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// CloseAll closes every backend and returns the first error.
func CloseAll(backends []Backend) error {
	var first error
	for _, b := range backends {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runKernel(kernel func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrKernelPanic, r)
		}
	}()
	kernel()
	return nil
}
