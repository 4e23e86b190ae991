// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/types/shapes"
	"github.com/gomlx/lossscale/types/tensors"
)

// Variable is a named state cell: a tensor value shared across training steps, defined in a
// scope in a Context. It's commonly used to store the weights of an ML model, and supporting
// state like optimizer moments, the global step, or the current loss scale.
//
// The value can be accessed in between steps with the Value and SetValue methods.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is trainable. If set to false, it won't be
	// touched by optimizers.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor
}

// Name of the variable within its scope.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	v.AssertValid()
	return v.scope
}

// ScopeAndName returns the "scope/name" of the variable, a stable key unique within a Context.
// It is used to key the variable in checkpoints.
func (v *Variable) ScopeAndName() string {
	v.AssertValid()
	if v.scope == RootScope {
		return fmt.Sprintf("%s%s", ScopeSeparator, v.name)
	}
	return fmt.Sprintf("%s%s%s", v.scope, ScopeSeparator, v.name)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || !v.Shape().Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s shape=%s", v.ScopeAndName(), v.Shape())
}

// AssertValid panics if the variable is in an invalid state: if it's nil or its shape is not set.
func (v *Variable) AssertValid() {
	if v == nil {
		Panicf("context.Variable is nil")
	}
	if !v.shape.Ok() {
		Panicf("context.Variable has no shape")
	}
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// Value returns the tensor holding the variable value.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue updates the tensor holding the variable value. The new value must have the same
// shape (including dtype) the variable was created with.
//
// A Variable assumes a single logical writer: the caller is responsible for not mutating the
// same variable concurrently.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if !value.Shape().Equal(v.shape) {
		Panicf("context: Variable.SetValue(%s) of a different shape than the variable %s (shape %s)",
			value.Shape(), v.ScopeAndName(), v.shape)
	}
	v.value = value
}

// SetTrainable sets the variable trainable status. It returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.Trainable = trainable
	return v
}
