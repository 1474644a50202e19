// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ops maps operation names to element-wise kernels.
//
// Operations are resolved once, before any benchmark runs, through a
// Registry of Capability descriptors. A trailing underscore selects the
// in-place variant ("abs_" writes through the input view); the plain
// name allocates a fresh contiguous output per call.
//
// Thread Safety: a Registry is safe for concurrent reads after
// registration completes. Register must not race with Resolve.
package ops

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// InPlaceSuffix marks the in-place variant of an operation.
const InPlaceSuffix = "_"

var (
	// ErrUnknownOp indicates a name with no registered capability.
	ErrUnknownOp = errors.New("unknown operation")

	// ErrDuplicateOp indicates a second registration of the same name.
	ErrDuplicateOp = errors.New("duplicate operation")

	// ErrUnsupportedDType indicates an operation cannot run on a dtype.
	ErrUnsupportedDType = errors.New("operation does not support dtype")
)

// Capability describes one element-wise operation.
type Capability struct {
	// Name is the out-of-place operation name.
	Name string

	// Arity is the number of array operands. Only unary ops are registered.
	Arity int

	// InPlace is the name of the in-place variant, empty if none.
	InPlace string

	// DTypes lists the element types the operation accepts.
	DTypes []tensor.DType

	// Fn maps one element.
	Fn func(float64) float64

	// Out returns the output dtype of the out-of-place variant.
	// Nil means the input dtype.
	Out func(tensor.DType) tensor.DType

	// Vector is an optional fast path over contiguous float64 slices.
	// dst and src may alias.
	Vector func(dst, src []float64)
}

// Supports reports whether the operation accepts dtype.
func (c Capability) Supports(dtype tensor.DType) bool {
	return slices.Contains(c.DTypes, dtype)
}

// OutDType returns the out-of-place output dtype for in.
func (c Capability) OutDType(in tensor.DType) tensor.DType {
	if c.Out == nil {
		return in
	}
	return c.Out(in)
}

// Resolved is a capability bound to one of its names.
type Resolved struct {
	Capability

	// Requested is the name that was resolved, e.g. "abs_".
	Requested string

	// InPlace is true when Requested names the in-place variant.
	InPlace bool
}

// Registry maps operation names to capabilities.
type Registry struct {
	ops     map[string]Capability
	inPlace map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ops:     make(map[string]Capability),
		inPlace: make(map[string]string),
	}
}

// Register adds c. The in-place name defaults to Name+"_" when empty
// and Arity defaults to 1.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" || strings.HasSuffix(c.Name, InPlaceSuffix) {
		return fmt.Errorf("ops: invalid operation name %q", c.Name)
	}
	if c.Fn == nil {
		return fmt.Errorf("ops: %s has no kernel", c.Name)
	}
	if _, ok := r.ops[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOp, c.Name)
	}
	if c.Arity == 0 {
		c.Arity = 1
	}
	if c.InPlace == "" {
		c.InPlace = c.Name + InPlaceSuffix
	}
	r.ops[c.Name] = c
	r.inPlace[c.InPlace] = c.Name
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Registry) MustRegister(cs ...Capability) *Registry {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Resolve looks up name, accepting both plain and in-place names.
func (r *Registry) Resolve(name string) (Resolved, error) {
	if c, ok := r.ops[name]; ok {
		return Resolved{Capability: c, Requested: name}, nil
	}
	if base, ok := r.inPlace[name]; ok {
		return Resolved{Capability: r.ops[base], Requested: name, InPlace: true}, nil
	}
	return Resolved{}, fmt.Errorf("%w: %q", ErrUnknownOp, name)
}

// Names returns the registered out-of-place names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
