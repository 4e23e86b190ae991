// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/ml/train/lossscale"
	"github.com/gomlx/lossscale/types/tensors"
)

// LossScaleOptimizer wraps another optimizer and applies loss scaling to it, for
// mixed-precision training.
//
// The training loop multiplies the loss by ScaleLoss before differentiation, so the resulting
// gradients arrive here multiplied by the loss scale. ApplyGradients divides them back, asks
// the loss scale whether the step is safe to apply, and either delegates to the wrapped
// optimizer or skips the step. The loss scale update becomes visible on the next step.
type LossScaleOptimizer struct {
	opt       Interface
	lossScale lossscale.Interface
}

var _ Interface = (*LossScaleOptimizer)(nil)

// WithLossScale wraps the given optimizer with loss scaling. The lossScale is typically created
// with lossscale.Dynamic or lossscale.Get.
//
// It panics if lossScale is nil -- with mixed precision disabled, use the optimizer unwrapped.
func WithLossScale(opt Interface, lossScale lossscale.Interface) *LossScaleOptimizer {
	if opt == nil {
		Panicf("optimizers.WithLossScale: optimizer is nil")
	}
	if lossScale == nil {
		Panicf("optimizers.WithLossScale: loss scale is nil -- if mixed precision is disabled, use the optimizer directly")
	}
	return &LossScaleOptimizer{opt: opt, lossScale: lossScale}
}

// LossScale being managed by this optimizer.
func (o *LossScaleOptimizer) LossScale() lossscale.Interface { return o.lossScale }

// ScaleLoss multiplies the loss by the current loss scale. The training loop must use this
// before differentiating, so small gradients stay representable in reduced precision.
func (o *LossScaleOptimizer) ScaleLoss(loss *tensors.Tensor) *tensors.Tensor {
	return Scale(loss, o.lossScale.Current())
}

// ApplyGradients takes the scaled gradients of one training step (the gradients of the scaled
// loss), unscales them and applies them with the wrapped optimizer -- unless the loss scale
// reports non-finite gradients, in which case the step is skipped and only the loss scale state
// changes. It implements Interface.
//
// Use Applied (or the return of ApplyGradientsReport) to know whether the last step was applied.
func (o *LossScaleOptimizer) ApplyGradients(ctx *context.Context, scaledGrads []*tensors.Tensor) {
	_ = o.ApplyGradientsReport(ctx, scaledGrads)
}

// ApplyGradientsReport is ApplyGradients reporting whether the gradients were applied (false
// means the step was skipped because of non-finite gradients).
func (o *LossScaleOptimizer) ApplyGradientsReport(ctx *context.Context, scaledGrads []*tensors.Tensor) bool {
	scale := o.lossScale.Current()
	grads := make([]*tensors.Tensor, len(scaledGrads))
	for ii, grad := range scaledGrads {
		if grad == nil {
			continue
		}
		grads[ii] = Scale(grad, 1/scale)
	}
	update, shouldApply := o.lossScale.Update(grads)
	if shouldApply {
		o.opt.ApplyGradients(ctx, grads)
	}
	// Running eagerly: the pending scale update is executed right away, and is visible through
	// lossscale.Interface.Current from the next step on.
	update.Execute()
	return shouldApply
}
