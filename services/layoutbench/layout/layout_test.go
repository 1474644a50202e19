// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

type testDevice struct{ alloc *tensor.Allocator }

func (d testDevice) Name() string                     { return "test" }
func (d testDevice) Allocator() *tensor.Allocator     { return d.alloc }
func (d testDevice) Supports(dtype tensor.DType) bool { return true }

func newDevice(capacity int64) testDevice {
	return testDevice{alloc: tensor.NewAllocator(capacity)}
}

func TestSplitSize(t *testing.T) {
	tests := []struct {
		s, d int
		want []int
	}{
		{10, 3, []int{3, 3, 4}},
		{0, 3, []int{0, 0, 0}},
		{7, 1, []int{7}},
		{20, 5, []int{4, 4, 4, 4, 4}},
		{2, 3, []int{0, 0, 2}},
	}
	for _, tt := range tests {
		got := SplitSize(tt.s, tt.d)
		assert.Equal(t, tt.want, got, "SplitSize(%d, %d)", tt.s, tt.d)
	}

	t.Run("sums to s with equal prefix", func(t *testing.T) {
		for s := 0; s <= 40; s++ {
			for d := 1; d <= 6; d++ {
				got := SplitSize(s, d)
				require.Len(t, got, d)
				sum := 0
				for i, e := range got {
					assert.GreaterOrEqual(t, e, 0)
					if i < d-1 {
						assert.Equal(t, got[0], e)
					}
					sum += e
				}
				assert.Equal(t, s, sum)
			}
		}
	})

	assert.Nil(t, SplitSize(4, 0))
}

func TestDescriptor_Validate(t *testing.T) {
	valid := []Descriptor{
		{Contiguous},
		Uniform(Contiguous, 5),
		Uniform(NonContiguous, 3),
		{NonContiguous, NonContiguous},
		{Contiguous, NonContiguous},
		Mixed(5),
	}
	for _, d := range valid {
		assert.NoError(t, d.Validate(), d.String())
	}

	invalid := []Descriptor{
		{},
		{NonContiguous, Contiguous},
		{Contiguous, Contiguous, NonContiguous},
		{NonContiguous, Contiguous, NonContiguous},
		{Tag(7)},
	}
	for _, d := range invalid {
		assert.ErrorIs(t, d.Validate(), ErrInvalidDescriptor, d.String())
	}
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]string{"contiguous", "non-contiguous", "n"})
	require.NoError(t, err)
	assert.Equal(t, Mixed(2), d)

	_, err = ParseDescriptor([]string{"n", "c"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = ParseDescriptor([]string{"strided"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestDescriptor_SweepName(t *testing.T) {
	assert.Equal(t, "all contiguous 1d", Uniform(Contiguous, 1).SweepName())
	assert.Equal(t, "all non-contiguous 3d", Uniform(NonContiguous, 3).SweepName())
	assert.Equal(t, "contiguous 1d and non-contiguous 3d", Mixed(3).SweepName())
}

func TestGenerator_Generate(t *testing.T) {
	g := Generator{Sizes: FullSizes, Budget: DefaultBudget}

	t.Run("pure sweep shapes", func(t *testing.T) {
		sw, err := g.Generate(Uniform(Contiguous, 3), tensor.Float32)
		require.NoError(t, err)
		assert.Equal(t, "all contiguous 3d", sw.Name)
		require.Len(t, sw.Cases, 21)
		assert.Equal(t, []int{8, 8, 16}, sw.Cases[10].Shape)
		assert.Equal(t, int64(1024), sw.Cases[10].Footprint)
	})

	t.Run("sizes strictly increase", func(t *testing.T) {
		for _, desc := range FullLayouts {
			sw, err := g.Generate(desc, tensor.Float64)
			require.NoError(t, err)
			for i := 1; i < len(sw.Cases); i++ {
				prev, cur := sw.Cases[i-1], sw.Cases[i]
				increasing := cur.Size > prev.Size ||
					(cur.Size == prev.Size && cur.Secondary > prev.Secondary)
				assert.True(t, increasing, "%s: case %d", sw.Name, i)
			}
		}
	})

	t.Run("budget stops the sweep", func(t *testing.T) {
		small := Generator{Sizes: FullSizes, Budget: 1 << 12}
		sw, err := small.Generate(Uniform(Contiguous, 1), tensor.Float64)
		require.NoError(t, err)
		assert.True(t, sw.Truncated)
		require.Len(t, sw.Cases, 10, "2^9 float64 fit in 4KiB, 2^10 do not")
		for _, c := range sw.Cases {
			assert.LessOrEqual(t, c.Bytes(tensor.Float64), small.Budget)
		}
		next := pureCase(Uniform(Contiguous, 1), len(sw.Cases))
		assert.Greater(t, next.Bytes(tensor.Float64), small.Budget)
	})

	t.Run("budget depends on dtype width", func(t *testing.T) {
		small := Generator{Sizes: FullSizes, Budget: 1 << 12}
		f64, err := small.Generate(Uniform(NonContiguous, 1), tensor.Float64)
		require.NoError(t, err)
		f16, err := small.Generate(Uniform(NonContiguous, 1), tensor.Float16)
		require.NoError(t, err)
		assert.Greater(t, len(f16.Cases), len(f64.Cases))
	})

	t.Run("mixed sweep orders shape and sizes", func(t *testing.T) {
		mg := Generator{Sizes: []int{0, 1, 2}, Budget: DefaultBudget}
		sw, err := mg.Generate(Mixed(2), tensor.Float32)
		require.NoError(t, err)
		require.Len(t, sw.Cases, 9)

		c := sw.Cases[5]
		assert.Equal(t, 1, c.Size)
		assert.Equal(t, 2, c.Secondary)
		assert.Equal(t, []int{2, 2, 2}, c.Shape, "[non-contiguous..., contiguous]")
		assert.True(t, c.Mixed())
		assert.Equal(t, int64(3*3*3), c.Footprint, "every axis carries one element of padding")
	})

	t.Run("mixed outer loop stops", func(t *testing.T) {
		mg := Generator{Sizes: FullSizes, Budget: 1 << 10}
		sw, err := mg.Generate(Mixed(1), tensor.Float32)
		require.NoError(t, err)
		require.NotEmpty(t, sw.Cases)
		maxContig := sw.Cases[len(sw.Cases)-1].Size
		assert.Less(t, maxContig, 20)
		for _, c := range sw.Cases {
			assert.LessOrEqual(t, c.Bytes(tensor.Float32), mg.Budget)
		}
	})

	t.Run("configuration errors", func(t *testing.T) {
		_, err := g.Generate(Descriptor{NonContiguous, Contiguous}, tensor.Float32)
		assert.ErrorIs(t, err, ErrInvalidDescriptor)

		_, err = Generator{Sizes: []int{1, 1}, Budget: 1}.Generate(Mixed(1), tensor.Float32)
		assert.ErrorIs(t, err, ErrInvalidSizes)

		_, err = Generator{Sizes: []int{1}, Budget: 0}.Generate(Mixed(1), tensor.Float32)
		assert.ErrorIs(t, err, ErrInvalidSizes)

		_, err = Generator{Sizes: []int{41}, Budget: 1}.Generate(Mixed(1), tensor.Float32)
		assert.ErrorIs(t, err, ErrInvalidSizes)
	})
}

func TestCase_Materialize(t *testing.T) {
	f := tensor.HostFactory{}
	g := Generator{Sizes: []int{0, 3, 6}, Budget: DefaultBudget}

	t.Run("non-contiguous strides exceed contiguous", func(t *testing.T) {
		for _, n := range []int{1, 3, 5} {
			dev := newDevice(0)
			sw, err := g.Generate(Uniform(NonContiguous, n), tensor.Float32)
			require.NoError(t, err)
			for _, c := range sw.Cases {
				x, err := c.Materialize(f, tensor.Float32, dev)
				require.NoError(t, err)
				assert.Equal(t, c.Shape, x.Shape())

				want := tensor.ContiguousStrides(c.Shape)
				got := x.Strides()
				for axis := range got {
					assert.Greater(t, got[axis], want[axis], "%v axis %d", c.Shape, axis)
				}
				assert.Equal(t, c.Bytes(tensor.Float32), x.StorageBytes())
				x.Release()
			}
			assert.Equal(t, int64(0), dev.alloc.InUse())
		}
	})

	t.Run("mixed keeps unit innermost stride", func(t *testing.T) {
		dev := newDevice(0)
		sw, err := g.Generate(Mixed(3), tensor.Float64)
		require.NoError(t, err)
		for _, c := range sw.Cases {
			x, err := c.Materialize(f, tensor.Float64, dev)
			require.NoError(t, err)
			got := x.Strides()
			want := tensor.ContiguousStrides(c.Shape)
			last := len(got) - 1
			assert.Equal(t, 1, got[last])
			for axis := 0; axis < last; axis++ {
				assert.Greater(t, got[axis], want[axis])
			}
			assert.Equal(t, c.Bytes(tensor.Float64), x.StorageBytes())
			x.Release()
		}
	})

	t.Run("contiguous allocates exactly", func(t *testing.T) {
		dev := newDevice(0)
		sw, err := g.Generate(Uniform(Contiguous, 3), tensor.Float32)
		require.NoError(t, err)
		x, err := sw.Cases[1].Materialize(f, tensor.Float32, dev)
		require.NoError(t, err)
		defer x.Release()
		assert.True(t, x.IsContiguous())
		assert.Equal(t, int64(8*4), x.StorageBytes())
	})

	t.Run("degenerate mixed case", func(t *testing.T) {
		dev := newDevice(0)
		mg := Generator{Sizes: []int{0}, Budget: DefaultBudget}
		sw, err := mg.Generate(Descriptor{Contiguous, NonContiguous}, tensor.Float32)
		require.NoError(t, err)
		require.Len(t, sw.Cases, 1)
		x, err := sw.Cases[0].Materialize(f, tensor.Float32, dev)
		require.NoError(t, err)
		defer x.Release()
		assert.Equal(t, []int{1, 1}, x.Shape())
		assert.Equal(t, 1, x.NumElements())
	})

	t.Run("allocation failure releases nothing", func(t *testing.T) {
		dev := newDevice(16)
		c := pureCase(Uniform(NonContiguous, 1), 6)
		_, err := c.Materialize(f, tensor.Float64, dev)
		assert.ErrorIs(t, err, tensor.ErrOutOfMemory)
		assert.Equal(t, int64(0), dev.alloc.InUse())
	})
}
