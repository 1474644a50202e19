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
	"github.com/x448/float16"
)

// buffer is typed flat storage addressed by element index.
//
// Elements round-trip through float64 so kernels can be written once
// for every dtype.
type buffer interface {
	len() int
	load(i int) float64
	store(i int, v float64)
}

func newBuffer(dtype DType, n int) buffer {
	switch dtype {
	case Float16:
		return make(f16Buffer, n)
	case Float32:
		return make(f32Buffer, n)
	case Float64:
		return make(f64Buffer, n)
	case Int32:
		return make(i32Buffer, n)
	case Int64:
		return make(i64Buffer, n)
	case Bool:
		return make(boolBuffer, n)
	}
	return nil
}

type f16Buffer []uint16

func (b f16Buffer) len() int               { return len(b) }
func (b f16Buffer) load(i int) float64     { return float64(float16.Frombits(b[i]).Float32()) }
func (b f16Buffer) store(i int, v float64) { b[i] = float16.Fromfloat32(float32(v)).Bits() }

type f32Buffer []float32

func (b f32Buffer) len() int               { return len(b) }
func (b f32Buffer) load(i int) float64     { return float64(b[i]) }
func (b f32Buffer) store(i int, v float64) { b[i] = float32(v) }

type f64Buffer []float64

func (b f64Buffer) len() int               { return len(b) }
func (b f64Buffer) load(i int) float64     { return b[i] }
func (b f64Buffer) store(i int, v float64) { b[i] = v }

type i32Buffer []int32

func (b i32Buffer) len() int               { return len(b) }
func (b i32Buffer) load(i int) float64     { return float64(b[i]) }
func (b i32Buffer) store(i int, v float64) { b[i] = int32(v) }

type i64Buffer []int64

func (b i64Buffer) len() int               { return len(b) }
func (b i64Buffer) load(i int) float64     { return float64(b[i]) }
func (b i64Buffer) store(i int, v float64) { b[i] = int64(v) }

type boolBuffer []bool

func (b boolBuffer) len() int { return len(b) }

func (b boolBuffer) load(i int) float64 {
	if b[i] {
		return 1
	}
	return 0
}

func (b boolBuffer) store(i int, v float64) { b[i] = v != 0 }
