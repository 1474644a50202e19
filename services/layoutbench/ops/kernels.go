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
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

var (
	floatTypes   = tensor.FloatDTypes()
	numericTypes = []tensor.DType{tensor.Float16, tensor.Float32, tensor.Float64, tensor.Int32, tensor.Int64}
	allTypes     = tensor.AllDTypes()
)

// Default returns a registry with every built-in operation.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(
		Capability{Name: "abs", DTypes: numericTypes, Fn: math.Abs},
		Capability{Name: "neg", DTypes: numericTypes, Fn: func(x float64) float64 { return -x },
			Vector: func(dst, src []float64) { vecmath.ScaleBlock(dst, src, -1) }},
		Capability{Name: "sign", DTypes: numericTypes, Fn: sign},
		Capability{Name: "square", DTypes: numericTypes, Fn: func(x float64) float64 { return x * x },
			Vector: func(dst, src []float64) { vecmath.MulBlock(dst, src, src) }},
		Capability{Name: "logical_not", DTypes: allTypes, Fn: logicalNot,
			Out: func(tensor.DType) tensor.DType { return tensor.Bool }},
	)
	for _, u := range []struct {
		name string
		fn   func(float64) float64
	}{
		{"acos", math.Acos},
		{"asin", math.Asin},
		{"ceil", math.Ceil},
		{"digamma", Digamma},
		{"erfinv", math.Erfinv},
		{"expm1", math.Expm1},
		{"floor", math.Floor},
		{"frac", func(x float64) float64 { return x - math.Trunc(x) }},
		{"lgamma", lgamma},
		{"log", math.Log},
		{"log10", math.Log10},
		{"log1p", math.Log1p},
		{"log2", math.Log2},
		{"round", math.RoundToEven},
		{"rsqrt", func(x float64) float64 { return 1 / math.Sqrt(x) }},
		{"sigmoid", func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }},
		{"sin", math.Sin},
		{"sinh", math.Sinh},
		{"sqrt", math.Sqrt},
		{"trigamma", Trigamma},
		{"trunc", math.Trunc},
	} {
		r.MustRegister(Capability{Name: u.name, DTypes: floatTypes, Fn: u.fn})
	}
	return r
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return x
	}
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func logicalNot(x float64) float64 {
	if x == 0 {
		return 1
	}
	return 0
}

// Digamma is the logarithmic derivative of the gamma function.
func Digamma(x float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsInf(x, -1):
		return math.NaN()
	case x == 0:
		return math.Inf(-1)
	case x < 0:
		if x == math.Floor(x) {
			return math.NaN()
		}
		return Digamma(1-x) - math.Pi/math.Tan(math.Pi*x)
	}
	var acc float64
	for ; x < 10; x++ {
		acc -= 1 / x
	}
	f := 1 / (x * x)
	series := f * (1.0/12 - f*(1.0/120-f*(1.0/252-f*(1.0/240-f/132))))
	return acc + math.Log(x) - 0.5/x - series
}

// Trigamma is the derivative of Digamma.
func Trigamma(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return math.NaN()
	case x <= 0 && x == math.Floor(x):
		return math.Inf(1)
	case x < 0:
		s := math.Sin(math.Pi * x)
		return -Trigamma(1-x) + math.Pi*math.Pi/(s*s)
	}
	var acc float64
	for ; x < 10; x++ {
		acc += 1 / (x * x)
	}
	f := 1 / (x * x)
	series := f / x * (1.0/6 - f*(1.0/30-f*(1.0/42-f/30)))
	return acc + 1/x + f/2 + series
}
