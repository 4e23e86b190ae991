// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a local (host CPU) representation of a multidimensional array.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions) and its actual content,
// stored as a flat (1D) slice of the Go type corresponding to the DType.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape and zero values.
//   - FromScalar[T dtypes.Supported](value T): creates a scalar Tensor.
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and sets the flattened values with the given data.
//
// Typical use in this repository is to hold gradients and optimizer state for mixed-precision
// training: reduced-precision dtypes (float16 via github.com/x448/float16 and bfloat16 via
// github.com/gomlx/gopjrt/dtypes/bfloat16) are first-class citizens, including finiteness
// checking with Tensor.AllFinite.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lossscale/types/shapes"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large
// dimensions), defined by its shape and its content, stored locally as a flat slice of the
// corresponding Go type.
type Tensor struct {
	// shape of the tensor. Immutable after creation.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat is a []T slice, where T is the Go type corresponding to shape.DType.
	flat any
}

// Shape of the tensor, includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// AssertValid panics if the tensor is nil or if it holds no data.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("tensors.Tensor(shape=%s) holds no data", t.shape)
	}
}

// String reports the shape of the tensor and, for small tensors, its values.
func (t *Tensor) String() string {
	if t == nil {
		return "(nil tensor)"
	}
	if t.Size() <= 8 {
		return fmt.Sprintf("%s: %v", t.shape, t.flat)
	}
	return fmt.Sprintf("%s: (%d values)", t.shape, t.Size())
}

// FromShape creates a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	var flat any
	switch shape.DType {
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		flat = make([]bfloat16.BFloat16, size)
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float64:
		flat = make([]float64, size)
	case dtypes.Int32:
		flat = make([]int32, size)
	case dtypes.Int64:
		flat = make([]int64, size)
	case dtypes.Uint8:
		flat = make([]uint8, size)
	case dtypes.Bool:
		flat = make([]bool, size)
	default:
		exceptions.Panicf("tensors.FromShape(%s): dtype %s not supported", shape, shape.DType)
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromScalar creates a scalar (zero-dimensional) tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the scalar
// value given. T must be one of the supported types.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	flat := make([]T, shape.Size())
	for ii := range flat {
		flat[ii] = value
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, and sets the flattened
// values with the given data. T must be one of the supported types.
//
// The data slice is copied, the tensor does not keep a reference to it.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data size %d incompatible with dimensions %v (size %d)",
			len(data), dimensions, shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Tensor{shape: shape, flat: flat}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	newFlat := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(newFlat, flatV)
	return &Tensor{shape: t.shape, flat: newFlat.Interface()}
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding
// to the DType. Even scalar values have a flattened data representation of one element.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), owned by the Tensor; it must
// not be changed. See Tensor.MutableFlatData to access a mutable version of the flat data.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData.
//
// It panics if T is not the Go type corresponding to the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents of
// the slice can be changed until accessFn returns. During this time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData is the "generics" version of Tensor.MutableFlatData.
//
// It panics if T is not the Go type corresponding to the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// AssignFlatData copies over the values in fromFlat to the storage used by toTensor.
// If the dtypes are not compatible, or if the size is wrong, it panics.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the Tensor.
//
// It panics if the given generic type doesn't match the DType of the tensor, or if the tensor
// is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	var value T
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It panics if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// AllFinite returns whether every element of the tensor is finite, that is, neither NaN nor
// an infinity. Tensors of non-floating-point dtypes are always finite.
//
// Reduced-precision dtypes are checked through their float32 conversion.
func (t *Tensor) AllFinite() bool {
	t.AssertValid()
	allFinite := true
	switch t.shape.DType {
	case dtypes.Float16:
		ConstFlatData(t, func(flat []float16.Float16) {
			for _, v := range flat {
				f := float64(v.Float32())
				if math.IsNaN(f) || math.IsInf(f, 0) {
					allFinite = false
					return
				}
			}
		})
	case dtypes.BFloat16:
		ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			for _, v := range flat {
				f := float64(v.Float32())
				if math.IsNaN(f) || math.IsInf(f, 0) {
					allFinite = false
					return
				}
			}
		})
	case dtypes.Float32:
		ConstFlatData(t, func(flat []float32) {
			for _, v := range flat {
				f := float64(v)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					allFinite = false
					return
				}
			}
		})
	case dtypes.Float64:
		ConstFlatData(t, func(flat []float64) {
			for _, v := range flat {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					allFinite = false
					return
				}
			}
		})
	default:
		// Integer and boolean dtypes have no representation for NaN or infinities.
	}
	return allFinite
}
