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
	"strings"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	// Float16 is IEEE 754 half precision, stored as raw bits.
	Float16 DType = iota

	// Float32 is IEEE 754 single precision.
	Float32

	// Float64 is IEEE 754 double precision.
	Float64

	// Int32 is a signed 32-bit integer.
	Int32

	// Int64 is a signed 64-bit integer.
	Int64

	// Bool is a one-byte boolean.
	Bool
)

var dtypeNames = [...]string{
	Float16: "float16",
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Bool:    "bool",
}

var dtypeSizes = [...]int{
	Float16: 2,
	Float32: 4,
	Float64: 8,
	Int32:   4,
	Int64:   8,
	Bool:    1,
}

var dtypeAliases = map[string]DType{
	"f16":  Float16,
	"half": Float16,
	"f32":  Float32,
	"f64":  Float64,
	"i32":  Int32,
	"i64":  Int64,
}

// String returns the canonical name used in setup descriptors.
func (d DType) String() string {
	if d < 0 || int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	if d < 0 || int(d) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[d]
}

// IsFloat reports whether d is a floating-point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// Valid reports whether d names a known type.
func (d DType) Valid() bool {
	return d >= 0 && int(d) < len(dtypeNames)
}

// AllDTypes returns every supported type in declaration order.
func AllDTypes() []DType {
	return []DType{Float16, Float32, Float64, Int32, Int64, Bool}
}

// FloatDTypes returns the floating-point types in declaration order.
func FloatDTypes() []DType {
	return []DType{Float16, Float32, Float64}
}

// ParseDType resolves a canonical name or a short alias ("f32", "half").
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "torch.")
	for i, n := range dtypeNames {
		if n == name {
			return DType(i), nil
		}
	}
	if d, ok := dtypeAliases[name]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDType, s)
}
