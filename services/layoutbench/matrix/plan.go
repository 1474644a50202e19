// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matrix resolves and executes the benchmark matrix.
//
// A Plan is resolved once from a Config: operation names go through the
// registry, every op/dtype pair is checked against the op's capability,
// layout sweeps are generated under the byte budget and every
// backend/dtype pair is filtered by the Rules table. Configuration
// mistakes surface from NewPlan, never from inside a timing loop.
//
// A Runner then walks the plan in op, dtype, sweep, backend order and
// yields one titled record per sweep and backend.
package matrix

import (
	"errors"
	"fmt"

	"github.com/xlab/treeprint"

	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/layout"
	"github.com/AleutianAI/layoutbench/services/layoutbench/ops"
	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig indicates a matrix configuration that cannot be resolved.
	ErrInvalidConfig = errors.New("invalid matrix configuration")

	// ErrRuleConflict indicates a rule allows a dtype the backend cannot hold.
	ErrRuleConflict = errors.New("rule allows dtype unsupported by backend")

	// ErrUnknownPreset indicates an unrecognized preset name.
	ErrUnknownPreset = errors.New("unknown preset")

	// ErrConsumed indicates Records was called on an already consumed runner.
	ErrConsumed = errors.New("runner already consumed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Op groups from the original benchmark suite.
var (
	// AllDTypeOps run on every dtype.
	AllDTypeOps = []string{"abs", "logical_not", "sign"}

	// FloatOpsSmall is the reduced floating point group.
	FloatOpsSmall = []string{"floor", "sin", "digamma"}

	// FloatOpsFull is the complete floating point group.
	FloatOpsFull = []string{
		"acos", "asin", "ceil", "expm1", "frac", "floor", "log", "log10", "log2", "log1p",
		"round", "trunc", "rsqrt", "sin", "sinh", "sqrt", "sigmoid", "erfinv", "digamma",
		"trigamma", "lgamma",
	}

	// SelectedDTypes are the dtypes both presets benchmark.
	SelectedDTypes = []tensor.DType{tensor.Float16, tensor.Float32, tensor.Float64}
)

// WithInPlace returns every name followed by its in-place variant.
func WithInPlace(names []string) []string {
	out := make([]string, 0, 2*len(names))
	for _, n := range names {
		out = append(out, n, n+ops.InPlaceSuffix)
	}
	return out
}

// Config selects the matrix.
type Config struct {
	// Ops are operation names, plain or in-place.
	Ops []string

	// DTypes are evaluated in order for every op.
	DTypes []tensor.DType

	// Layouts are the descriptors swept for every op and dtype.
	Layouts []layout.Descriptor

	// Sizes are the exponents of every sweep.
	Sizes []int

	// Budget bounds the padded bytes of a single case.
	Budget int64

	// Rules filter backend/dtype pairs. Nil means DefaultRules.
	Rules Rules

	// SplitMixed emits one record per non-contiguous size instead of one
	// two-dimensional record per mixed sweep.
	SplitMixed bool
}

// SmallConfig is the fast-iteration preset.
func SmallConfig() Config {
	return Config{
		Ops:     WithInPlace(append(append([]string{}, AllDTypeOps...), FloatOpsSmall...)),
		DTypes:  append([]tensor.DType(nil), SelectedDTypes...),
		Layouts: append([]layout.Descriptor(nil), layout.SmallLayouts...),
		Sizes:   append([]int(nil), layout.SmallSizes...),
		Budget:  layout.DefaultBudget,
		Rules:   DefaultRules(),
	}
}

// FullConfig is the complete preset.
func FullConfig() Config {
	return Config{
		Ops:     WithInPlace(append(append([]string{}, AllDTypeOps...), FloatOpsFull...)),
		DTypes:  append([]tensor.DType(nil), SelectedDTypes...),
		Layouts: append([]layout.Descriptor(nil), layout.FullLayouts...),
		Sizes:   append([]int(nil), layout.FullSizes...),
		Budget:  layout.DefaultBudget,
		Rules:   DefaultRules(),
	}
}

// Preset returns the named preset: "small" or "full".
func Preset(name string) (Config, error) {
	switch name {
	case "small":
		return SmallConfig(), nil
	case "full":
		return FullConfig(), nil
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
}

// -----------------------------------------------------------------------------
// Plan
// -----------------------------------------------------------------------------

// Unit is one (op, dtype, sweep) cell with the backends it runs on.
type Unit struct {
	Op       ops.Resolved
	DType    tensor.DType
	Sweep    layout.Sweep
	Backends []backend.Backend
}

// Plan is a fully resolved matrix.
//
// Thread Safety: immutable after NewPlan.
type Plan struct {
	cfg   Config
	units []Unit
}

// NewPlan resolves cfg against reg and backends.
//
// Description:
//
//	Resolves every op name, checks op/dtype support, generates each
//	layout sweep once per dtype and filters backends through the rules.
//	Units are ordered op, dtype, sweep. A unit whose backends are all
//	denied by rules is dropped.
//
// Inputs:
//
//	cfg      - Matrix selection.
//	reg      - Operation registry.
//	backends - Opened backends, in execution order.
//
// Outputs:
//
//	*Plan - The resolved plan.
//	error - Wraps ErrInvalidConfig, ops.ErrUnknownOp, ops.ErrUnsupportedDType,
//	        layout.ErrInvalidDescriptor, layout.ErrInvalidSizes or
//	        ErrRuleConflict.
func NewPlan(cfg Config, reg *ops.Registry, backends []backend.Backend) (*Plan, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if len(cfg.Ops) == 0 || len(cfg.DTypes) == 0 || len(cfg.Layouts) == 0 {
		return nil, fmt.Errorf("%w: ops, dtypes and layouts must be non-empty", ErrInvalidConfig)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no backends", ErrInvalidConfig)
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}

	gen := layout.Generator{Sizes: cfg.Sizes, Budget: cfg.Budget}
	if err := gen.Validate(); err != nil {
		return nil, err
	}

	resolved := make([]ops.Resolved, 0, len(cfg.Ops))
	for _, name := range cfg.Ops {
		op, err := reg.Resolve(name)
		if err != nil {
			return nil, err
		}
		for _, dt := range cfg.DTypes {
			if !op.Supports(dt) {
				return nil, fmt.Errorf("%w: %s on %s", ops.ErrUnsupportedDType, name, dt)
			}
		}
		resolved = append(resolved, op)
	}

	allowed := make(map[tensor.DType][]backend.Backend, len(cfg.DTypes))
	sweeps := make(map[tensor.DType][]layout.Sweep, len(cfg.DTypes))
	for _, dt := range cfg.DTypes {
		for _, b := range backends {
			if !cfg.Rules.Allowed(b.Name(), dt) {
				continue
			}
			if !b.Supports(dt) {
				return nil, fmt.Errorf("%w: %s on %s", ErrRuleConflict, dt, b.Name())
			}
			allowed[dt] = append(allowed[dt], b)
		}
		for _, desc := range cfg.Layouts {
			sw, err := gen.Generate(desc, dt)
			if err != nil {
				return nil, fmt.Errorf("layout %s: %w", desc, err)
			}
			sweeps[dt] = append(sweeps[dt], sw)
		}
	}

	p := &Plan{cfg: cfg}
	for _, op := range resolved {
		for _, dt := range cfg.DTypes {
			if len(allowed[dt]) == 0 {
				continue
			}
			for _, sw := range sweeps[dt] {
				p.units = append(p.units, Unit{Op: op, DType: dt, Sweep: sw, Backends: allowed[dt]})
			}
		}
	}
	return p, nil
}

// Config returns the resolved configuration.
func (p *Plan) Config() Config { return p.cfg }

// Units returns the resolved cells in execution order.
func (p *Plan) Units() []Unit { return p.units }

// Cases returns the number of case measurements the plan will attempt.
func (p *Plan) Cases() int {
	n := 0
	for _, u := range p.units {
		n += len(u.Sweep.Cases) * len(u.Backends)
	}
	return n
}

// Tree renders the plan as op > dtype > sweep > backend.
func (p *Plan) Tree() treeprint.Tree {
	root := treeprint.NewWithRoot(fmt.Sprintf("matrix (%d cases)", p.Cases()))
	var opNode, dtNode treeprint.Tree
	var lastOp string
	lastDT := tensor.DType(-1)
	for _, u := range p.units {
		if u.Op.Requested != lastOp {
			opNode = root.AddBranch(u.Op.Requested)
			lastOp = u.Op.Requested
			lastDT = -1
		}
		if u.DType != lastDT {
			dtNode = opNode.AddBranch(u.DType.String())
			lastDT = u.DType
		}
		label := fmt.Sprintf("%s (%d cases)", u.Sweep.Name, len(u.Sweep.Cases))
		if u.Sweep.Truncated {
			label += " [budget]"
		}
		sw := dtNode.AddBranch(label)
		for _, b := range u.Backends {
			sw.AddNode(b.Name())
		}
	}
	return root
}
