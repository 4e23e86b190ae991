// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lossscale/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, 6, tensor.Size())
	ConstFlatData(tensor, func(flat []float32) {
		for _, v := range flat {
			assert.Zero(t, v)
		}
	})

	require.Panics(t, func() { FromShape(shapes.Shape{}) })
}

func TestFromScalar(t *testing.T) {
	tensor := FromScalar(float64(32768))
	require.True(t, tensor.IsScalar())
	require.Equal(t, float64(32768), ToScalar[float64](tensor))

	// ToScalar with the wrong generic type panics.
	require.Panics(t, func() { ToScalar[float32](tensor) })
	// ToScalar on a non-scalar tensor panics.
	require.Panics(t, func() { ToScalar[float32](FromScalarAndDimensions(float32(1), 3)) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	data := []int64{1, 2, 3, 4, 5, 6}
	tensor := FromFlatDataAndDimensions(data, 3, 2)
	require.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)
	require.Equal(t, data, CopyFlatData[int64](tensor))

	// The data is copied, not referenced.
	data[0] = 100
	require.Equal(t, int64(1), CopyFlatData[int64](tensor)[0])

	require.Panics(t, func() { FromFlatDataAndDimensions(data, 4, 2) })
}

func TestClone(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	clone := tensor.Clone()
	MutableFlatData(clone, func(flat []float32) { flat[0] = 100 })
	require.Equal(t, float32(1), CopyFlatData[float32](tensor)[0])
	require.Equal(t, float32(100), CopyFlatData[float32](clone)[0])
}

func TestFlatDataDTypeMismatch(t *testing.T) {
	tensor := FromScalar(int32(7))
	require.Panics(t, func() { ConstFlatData(tensor, func(flat []int64) {}) })
	require.Panics(t, func() { MutableFlatData(tensor, func(flat []float32) {}) })
	require.Panics(t, func() { AssignFlatData(tensor, []int32{1, 2}) })
}

func TestAllFinite(t *testing.T) {
	nan32 := float32(math.NaN())
	inf32 := float32(math.Inf(1))

	t.Run("float32", func(t *testing.T) {
		assert.True(t, FromFlatDataAndDimensions([]float32{1, -2, 0}, 3).AllFinite())
		assert.False(t, FromFlatDataAndDimensions([]float32{1, nan32, 0}, 3).AllFinite())
		assert.False(t, FromFlatDataAndDimensions([]float32{1, 2, inf32}, 3).AllFinite())
		assert.False(t, FromScalar(-inf32).AllFinite())
	})

	t.Run("float64", func(t *testing.T) {
		assert.True(t, FromScalar(1e308).AllFinite())
		assert.False(t, FromScalar(math.NaN()).AllFinite())
		assert.False(t, FromScalar(math.Inf(-1)).AllFinite())
	})

	t.Run("float16", func(t *testing.T) {
		assert.True(t, FromScalar(float16.Fromfloat32(1.5)).AllFinite())
		assert.False(t, FromScalar(float16.Fromfloat32(nan32)).AllFinite())
		assert.False(t, FromScalar(float16.Fromfloat32(inf32)).AllFinite())
		// Overflow of the float16 range becomes Inf.
		assert.False(t, FromScalar(float16.Fromfloat32(1e30)).AllFinite())
	})

	t.Run("bfloat16", func(t *testing.T) {
		assert.True(t, FromScalar(bfloat16.FromFloat32(1.5)).AllFinite())
		assert.False(t, FromScalar(bfloat16.FromFloat32(nan32)).AllFinite())
		assert.False(t, FromScalar(bfloat16.FromFloat32(inf32)).AllFinite())
	})

	t.Run("non-float dtypes", func(t *testing.T) {
		assert.True(t, FromFlatDataAndDimensions([]int32{1, 2, 3}, 3).AllFinite())
		assert.True(t, FromScalar(true).AllFinite())
		assert.True(t, FromScalar(uint8(255)).AllFinite())
	})
}
