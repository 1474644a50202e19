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
	"sync"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// StreamName is the setup name of the asynchronous stream backend.
const StreamName = "stream"

// StreamConfig configures the stream backend.
type StreamConfig struct {
	// Capacity is the device memory limit in bytes.
	// Default: 1 GiB
	Capacity int64

	// QueueDepth bounds the number of in-flight kernels. Launch blocks
	// when the queue is full.
	// Default: 1024
	QueueDepth int
}

// DefaultStreamConfig returns the stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Capacity:   1 << 30,
		QueueDepth: 1024,
	}
}

// Stream executes kernels in launch order on a dedicated worker goroutine.
//
// Description:
//
//	Stream models an accelerator queue: Launch returns as soon as the
//	kernel is enqueued. Kernel panics are captured and reported by the
//	next Synchronize.
//
// Thread Safety: Launch, Synchronize and Close are safe for concurrent use.
type Stream struct {
	alloc *tensor.Allocator
	queue chan func()
	done  chan struct{}

	pending sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewStream starts the worker goroutine.
func NewStream(cfg StreamConfig) *Stream {
	def := DefaultStreamConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	s := &Stream{
		alloc: tensor.NewAllocator(cfg.Capacity),
		queue: make(chan func(), cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	defer close(s.done)
	for kernel := range s.queue {
		if err := runKernel(kernel); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
		s.pending.Done()
	}
}

// Name returns "stream".
func (s *Stream) Name() string { return StreamName }

// Allocator returns the device allocator.
func (s *Stream) Allocator() *tensor.Allocator { return s.alloc }

// Supports returns true for every dtype.
func (s *Stream) Supports(dtype tensor.DType) bool { return dtype.Valid() }

// Async returns true.
func (s *Stream) Async() bool { return true }

// Launch enqueues kernel and returns without waiting for it.
func (s *Stream) Launch(kernel func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.pending.Add(1)
	s.queue <- kernel
	return nil
}

// Synchronize waits for every launched kernel and returns the first
// failure since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close drains the queue and stops the worker.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return nil
}
