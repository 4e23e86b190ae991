// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lossscale implements loss scaling for mixed-precision training.
//
// A loss scale is a multiplicative factor applied to the training loss (and inversely to the
// gradients) to shift small-magnitude values into a numerically representable range under
// reduced-precision arithmetic (float16, bfloat16). Optimizers use a loss scale to multiply the
// loss before differentiation, and to divide the raw gradients before applying them.
//
// Two implementations are provided:
//
//   - FixedLossScale: a constant scale, never updated, created with Fixed.
//   - DynamicLossScale: adjusts the scale as training progresses, created with the
//     Dynamic builder. As long as gradients do not overflow, raising the loss scale never
//     hurts, so it keeps the scale as high as possible: every incrementPeriod consecutive
//     steps with finite gradients the scale is multiplied by multiplier; whenever a NaN or
//     Inf gradient is found, the step is skipped and the scale divided by multiplier.
//
// Once per training step the optimizer calls Interface.Update with the unscaled gradients.
// It returns the decision of whether the gradients are safe to apply this step, and an Update
// token holding the pending state transition -- the host must Execute the token (exactly once)
// for the new scale to become visible through Interface.Current on the next step.
//
// See the optimizers package for LossScaleOptimizer, the wrapper that drives this contract.
package lossscale

import (
	"math"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/types/tensors"
	"golang.org/x/exp/maps"
)

// Interface implemented by loss scale implementations.
//
// When training distributed, Update must be called in a cross-replica (aggregated) context,
// exactly once per global step -- see the distributed package for the per-replica finiteness
// check.
type Interface interface {
	// Current returns the current loss scale, a positive scalar, always >= 1.
	//
	// A pending Update is only reflected here after the Update has been executed.
	Current() float64

	// Update consumes the unscaled gradients of one training step and decides whether they are
	// safe to apply. grads is the list of gradients of the loss with respect to each trainable
	// variable, already divided by the current loss scale; nil entries (variables that received
	// no gradient) are permitted and are excluded from the finiteness check.
	//
	// It returns the pending state transition as an Update token, and shouldApply: if false,
	// the caller must skip applying grads to the variables this step, as non-finite gradients
	// were found. The token must be executed exactly once -- see Update.Execute.
	Update(grads []*tensors.Tensor) (update *Update, shouldApply bool)
}

// Update is the pending state transition returned by Interface.Update.
//
// Execute applies the transition to the loss scale state. The contract is exactly-once: the
// token must be executed, and executing it a second time panics. Hosts that run eagerly
// execute it right away; hosts that stage computations execute it when the step's staged
// computation runs.
type Update struct {
	mu       sync.Mutex
	executed bool
	apply    func()
}

// Execute applies the pending state transition. It panics if called more than once.
func (u *Update) Execute() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.executed {
		Panicf("lossscale: Update.Execute() called more than once -- the update token must be executed exactly once per step")
	}
	u.executed = true
	if u.apply != nil {
		u.apply()
	}
}

// Executed returns whether the token has already been executed.
func (u *Update) Executed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.executed
}

// AllFinite returns whether every gradient tensor present in grads is free of NaN and Inf
// values. Nil entries (variables that received no gradient) are skipped, not treated as
// non-finite. An empty batch (or one with only nil entries) is vacuously finite.
func AllFinite(grads []*tensors.Tensor) bool {
	for _, grad := range grads {
		if grad == nil {
			continue
		}
		if !grad.AllFinite() {
			return false
		}
	}
	return true
}

// FixedLossScale is a loss scale with a fixed value: the scale is not updated for the lifetime
// of the object.
//
// Its Update never inspects the gradients and always reports that they should be applied: the
// caller bears the responsibility for overflows when using a fixed scale.
type FixedLossScale struct {
	value float64
}

// Compile-time check that implementations satisfy Interface.
var (
	_ Interface = (*FixedLossScale)(nil)
	_ Interface = (*DynamicLossScale)(nil)
)

// Fixed creates a FixedLossScale with the given value.
//
// Its ideal value varies depending on the model. A too small value might affect model quality;
// a too big one causes Inf or NaN gradients on every step. There is no harm in choosing a
// relatively big number, as long as no overflow is observed in training.
//
// It panics if value is not finite or is less than 1.
func Fixed(value float64) *FixedLossScale {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 1 {
		Panicf("lossscale.Fixed(%v): loss scale must be finite and at least 1", value)
	}
	return &FixedLossScale{value: value}
}

// Current returns the fixed loss scale value.
func (ls *FixedLossScale) Current() float64 { return ls.value }

// Update implements Interface. It is a no-op that always reports shouldApply=true.
func (ls *FixedLossScale) Update(grads []*tensors.Tensor) (*Update, bool) {
	_ = grads // A fixed scale never inspects the gradients.
	return &Update{}, true
}

// ParamLossScale is the context hyperparameter with the loss scale configuration, interpreted
// by FromContext. Valid values are a number (fixed loss scale), the string "dynamic", or nil
// (mixed precision disabled).
const ParamLossScale = "loss_scale"

// KnownLossScales maps string identifiers accepted by Get to their default constructors.
var KnownLossScales = map[string]func(ctx *context.Context) Interface{
	"dynamic": func(ctx *context.Context) Interface { return Dynamic().Done(ctx) },
}

// Get resolves a user-supplied identifier into a loss scale:
//
//   - a numeric value creates a FixedLossScale with that value;
//   - the string "dynamic" creates a DynamicLossScale with default settings;
//   - an existing Interface is returned unchanged;
//   - nil returns nil: no loss scale, mixed precision disabled;
//   - anything else panics.
//
// ctx is where a DynamicLossScale keeps its state variables; it is not used for a fixed scale.
func Get(ctx *context.Context, identifier any) Interface {
	switch value := identifier.(type) {
	case nil:
		return nil
	case Interface:
		return value
	case string:
		builder, found := KnownLossScales[value]
		if !found {
			Panicf("lossscale.Get: could not interpret loss scale identifier %q, valid values are %v or a number",
				value, maps.Keys(KnownLossScales))
		}
		return builder(ctx)
	case float64:
		return Fixed(value)
	case float32:
		return Fixed(float64(value))
	case int:
		return Fixed(float64(value))
	case int32:
		return Fixed(float64(value))
	case int64:
		return Fixed(float64(value))
	default:
		Panicf("lossscale.Get: could not interpret loss scale identifier %v (type %T)", identifier, identifier)
	}
	return nil
}

// FromContext creates a loss scale from the ParamLossScale context hyperparameter, using Get.
// If the hyperparameter is not set, it returns nil (mixed precision disabled).
func FromContext(ctx *context.Context) Interface {
	value, found := ctx.GetParam(ParamLossScale)
	if !found {
		return nil
	}
	return Get(ctx, value)
}
