// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"testing"

	"github.com/gomlx/lossscale/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopes(t *testing.T) {
	ctx := New()
	require.Equal(t, RootScope, ctx.Scope())

	ctxA := ctx.In("a")
	require.Equal(t, "/a", ctxA.Scope())
	require.Equal(t, "/a/b", ctxA.In("b").Scope())
	// The original reference is unchanged.
	require.Equal(t, RootScope, ctx.Scope())

	require.Equal(t, "/x/y", ctx.InAbsPath("/x/y").Scope())
	require.Panics(t, func() { ctx.In("") })
	require.Panics(t, func() { ctx.In("a/b") })
	require.Panics(t, func() { ctx.InAbsPath("no_leading_separator") })

	require.Equal(t, "a_b", EscapeScopeName("a/b"))
}

func TestParams(t *testing.T) {
	ctx := New()
	ctx.SetParam("learning_rate", 0.1)
	ctx.In("layer").SetParam("learning_rate", 0.01)

	// GetParam searches from the current scope up to the root.
	value, found := ctx.In("layer").GetParam("learning_rate")
	require.True(t, found)
	require.Equal(t, 0.01, value)
	value, found = ctx.In("other").GetParam("learning_rate")
	require.True(t, found)
	require.Equal(t, 0.1, value)
	_, found = ctx.GetParam("momentum")
	require.False(t, found)

	// Enumeration visits every scope.
	numParams := 0
	ctx.EnumerateParams(func(scope, key string, value any) { numParams++ })
	require.Equal(t, 2, numParams)
}

func TestGetParamOr(t *testing.T) {
	ctx := New()
	require.Equal(t, 0.1, GetParamOr(ctx, "learning_rate", 0.1))

	ctx.SetParam("learning_rate", 0.5)
	require.Equal(t, 0.5, GetParamOr(ctx, "learning_rate", 0.1))

	// Compatible types are converted: an int hyperparameter read as float64.
	ctx.SetParam("increment_period", 200)
	require.Equal(t, float64(200), GetParamOr(ctx, "increment_period", 0.0))
	require.Equal(t, 200, GetParamOr(ctx, "increment_period", 0))

	// Incompatible types fall back to the default.
	ctx.SetParam("name", "adam")
	require.Equal(t, 7, GetParamOr(ctx, "name", 7))
}

func TestVariableWithValue(t *testing.T) {
	ctx := New()
	v := ctx.In("model").VariableWithValue("weights", []float32{1, 2, 3})
	require.Equal(t, "weights", v.Name())
	require.Equal(t, "/model", v.Scope())
	require.Equal(t, "/model/weights", v.ScopeAndName())
	require.True(t, v.Trainable)
	require.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](v.Value()))

	// Same name in a different scope is fine.
	require.NotPanics(t, func() { ctx.In("other").VariableWithValue("weights", []float32{1}) })

	// Duplicate registration of the same scope+name panics.
	require.Panics(t, func() { ctx.In("model").VariableWithValue("weights", []float32{4, 5, 6}) })

	// Reuse returns the existing variable, keeping its value.
	reused := ctx.In("model").Reuse().VariableWithValue("weights", []float32{4, 5, 6})
	require.Same(t, v, reused)
	require.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](reused.Value()))

	// Reuse of a variable that does not exist panics; so does reuse with a different shape.
	require.Panics(t, func() { ctx.In("model").Reuse().VariableWithValue("bias", float32(0)) })
	require.Panics(t, func() { ctx.In("model").Reuse().VariableWithValue("weights", []float32{1, 2}) })

	// Checked(false) creates on first use, reuses thereafter.
	unchecked := ctx.Checked(false)
	first := unchecked.VariableWithValue("global_step", int64(0))
	second := unchecked.VariableWithValue("global_step", int64(0))
	require.Same(t, first, second)
}

func TestVariableSetValue(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithValue("scale", 32768.0)
	v.SetValue(tensors.FromScalar(65536.0))
	require.Equal(t, 65536.0, tensors.ToScalar[float64](v.Value()))

	// The new value must keep the variable's shape and dtype.
	require.Panics(t, func() { v.SetValue(tensors.FromScalar(float32(1))) })
	require.Panics(t, func() { v.SetValue(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2)) })
}

func TestEnumerateVariables(t *testing.T) {
	ctx := New()
	ctx.VariableWithValue("a", 1.0)
	ctx.In("scope").VariableWithValue("b", []float32{1, 2})
	ctx.VariableWithValue("c", int64(0))

	// Creation order.
	var names []string
	ctx.EnumerateVariables(func(v *Variable) { names = append(names, v.Name()) })
	require.Equal(t, []string{"a", "b", "c"}, names)

	require.Equal(t, 3, ctx.NumVariables())
	require.Equal(t, 4, ctx.NumParameters())

	require.True(t, ctx.DeleteVariable("/scope", "b"))
	require.False(t, ctx.DeleteVariable("/scope", "b"))
	require.Equal(t, 2, ctx.NumVariables())
}

type constantLoader struct {
	scope, name string
	value       *tensors.Tensor
}

func (l *constantLoader) LoadVariable(_ *Context, scope, name string) (*tensors.Tensor, bool) {
	if scope != l.scope || name != l.name {
		return nil, false
	}
	return l.value, true
}

func TestLoader(t *testing.T) {
	ctx := New()
	ctx.SetLoader(&constantLoader{scope: RootScope, name: "scale", value: tensors.FromScalar(1024.0)})

	// The loader value overrides the initial value at creation.
	v := ctx.VariableWithValue("scale", 32768.0)
	assert.Equal(t, 1024.0, tensors.ToScalar[float64](v.Value()))

	// Variables the loader doesn't know keep their initial value.
	other := ctx.VariableWithValue("good_steps", int64(7))
	assert.Equal(t, int64(7), tensors.ToScalar[int64](other.Value()))

	// A loaded value with the wrong shape is a panic: the checkpoint doesn't match the model.
	ctx.SetLoader(&constantLoader{scope: RootScope, name: "weights", value: tensors.FromScalar(float32(0))})
	require.Panics(t, func() { ctx.VariableWithValue("weights", []float32{1, 2, 3}) })
}
