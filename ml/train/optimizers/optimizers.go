// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizer side of the training step: applying a batch of
// gradients to the trainable variables of a context. It provides plain StochasticGradientDescent
// and LossScaleOptimizer, the mixed-precision wrapper that scales the loss, unscales the
// gradients and consults a lossscale.Interface on whether each step is safe to apply.
package optimizers

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// ApplyGradients applies one training step of gradients to the trainable variables of ctx.
	//
	// grads must have one entry per trainable variable, in the order they are enumerated by
	// ctx.EnumerateVariables. Nil entries (variables that received no gradient this step) are
	// skipped. Each gradient must have the same shape (and dtype) as its variable.
	ApplyGradients(ctx *context.Context, grads []*tensors.Tensor)
}

var (
	// ParamLearningRate is the context hyperparameter with the learning rate.
	// It is used by most (all?) optimizers.
	ParamLearningRate = "learning_rate"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope.
	GlobalStepVariableName = "global_step"
)

// GetGlobalStepVar returns the global step counter variable.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, int64(0)).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	return tensors.ToScalar[int64](GetGlobalStepVar(ctx).Value())
}

// IncrementGlobalStep creates (if not there yet) the global step counter, increments it and
// returns the incremented value -- the first returned value will be 1.
//
// Typically, this is called by the optimizers' ApplyGradients method.
func IncrementGlobalStep(ctx *context.Context) int64 {
	globalStepVar := GetGlobalStepVar(ctx)
	step := tensors.ToScalar[int64](globalStepVar.Value()) + 1
	globalStepVar.SetValue(tensors.FromScalar(step))
	return step
}

// DeleteGlobalStep in case one wants to reset the model state, or hide how many steps were taken.
func DeleteGlobalStep(ctx *context.Context) {
	ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// sgd implements Interface for stochastic gradient descent.
type sgd struct{}

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent
// optimizer.
const SgdDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD. It looks for the
// ParamLearningRate hyperparameter in the context for the initial learning rate, otherwise it
// defaults to SgdDefaultLearningRate.
//
// The learning rate decays with the global step: learning_rate = initial_learning_rate / Sqrt(global_step).
func StochasticGradientDescent() Interface {
	return &sgd{}
}

// ApplyGradients adds -learningRate * gradient to each trainable variable.
// It implements Interface.
func (o *sgd) ApplyGradients(ctx *context.Context, grads []*tensors.Tensor) {
	learningRate := context.GetParamOr(ctx, ParamLearningRate, SgdDefaultLearningRate)
	globalStep := IncrementGlobalStep(ctx)
	learningRate /= math.Sqrt(float64(globalStep)) // Factor global_step into the learning rate.
	numGrads := len(grads)
	ii := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		if ii < numGrads && grads[ii] != nil {
			addScaled(v, grads[ii], -learningRate)
		}
		ii++
	})
	if ii != numGrads {
		Panicf("optimizers: ApplyGradients got %d gradients, but the context has %d trainable variables -- "+
			"were new trainable variables created, or variables' `.Trainable` property changed in between?",
			numGrads, ii)
	}
}

// addScaled updates the variable value to v += factor*grad, element-wise.
// The gradient must have the same shape (and dtype) as the variable.
func addScaled(v *context.Variable, grad *tensors.Tensor, factor float64) {
	if !grad.Shape().Equal(v.Shape()) {
		Panicf("optimizers: gradient shape %s does not match variable %s shape %s",
			grad.Shape(), v.ScopeAndName(), v.Shape())
	}
	value := v.Value().Clone()
	switch value.DType() {
	case dtypes.Float64:
		tensors.MutableFlatData(value, func(flat []float64) {
			tensors.ConstFlatData(grad, func(gradFlat []float64) {
				floats.AddScaled(flat, factor, gradFlat)
			})
		})
	case dtypes.Float32:
		tensors.MutableFlatData(value, func(flat []float32) {
			tensors.ConstFlatData(grad, func(gradFlat []float32) {
				for i := range flat {
					flat[i] += float32(factor) * gradFlat[i]
				}
			})
		})
	case dtypes.Float16:
		tensors.MutableFlatData(value, func(flat []float16.Float16) {
			tensors.ConstFlatData(grad, func(gradFlat []float16.Float16) {
				for i := range flat {
					flat[i] = float16.Fromfloat32(flat[i].Float32() + float32(factor)*gradFlat[i].Float32())
				}
			})
		})
	case dtypes.BFloat16:
		tensors.MutableFlatData(value, func(flat []bfloat16.BFloat16) {
			tensors.ConstFlatData(grad, func(gradFlat []bfloat16.BFloat16) {
				for i := range flat {
					flat[i] = bfloat16.FromFloat32(flat[i].Float32() + float32(factor)*gradFlat[i].Float32())
				}
			})
		})
	default:
		Panicf("optimizers: cannot apply gradients to variable %s of dtype %s", v.ScopeAndName(), value.DType())
	}
	v.SetValue(value)
}

// Scale returns a copy of the tensor with every element multiplied by factor.
// Only floating-point dtypes are supported.
func Scale(t *tensors.Tensor, factor float64) *tensors.Tensor {
	scaled := t.Clone()
	switch scaled.DType() {
	case dtypes.Float64:
		tensors.MutableFlatData(scaled, func(flat []float64) {
			floats.Scale(factor, flat)
		})
	case dtypes.Float32:
		tensors.MutableFlatData(scaled, func(flat []float32) {
			for i := range flat {
				flat[i] *= float32(factor)
			}
		})
	case dtypes.Float16:
		tensors.MutableFlatData(scaled, func(flat []float16.Float16) {
			for i := range flat {
				flat[i] = float16.Fromfloat32(flat[i].Float32() * float32(factor))
			}
		})
	case dtypes.BFloat16:
		tensors.MutableFlatData(scaled, func(flat []bfloat16.BFloat16) {
			for i := range flat {
				flat[i] = bfloat16.FromFloat32(flat[i].Float32() * float32(factor))
			}
		})
	default:
		Panicf("optimizers: cannot scale tensor of dtype %s", scaled.DType())
	}
	return scaled
}
