// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lossscale

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/types/tensors"
	"k8s.io/klog/v2"
)

const (
	// DefaultInitialScale is the loss scale a DynamicLossScale starts with: 2^15, approximately
	// half the maximum float16 value. It's better to start high: a loss scale that is too high
	// gets lowered far more quickly than one that is too low gets raised.
	DefaultInitialScale = 32768.0

	// DefaultIncrementPeriod is the default number of consecutive finite steps after which the
	// scale is increased.
	DefaultIncrementPeriod = 2000

	// DefaultMultiplier is the default factor by which the scale is increased or decreased.
	DefaultMultiplier = 2.0
)

const (
	// Scope is the context scope used by DynamicLossScale for its state variables.
	Scope = "loss_scale"

	// ScaleVariableName is the name of the variable holding the current loss scale, within Scope.
	ScaleVariableName = "loss_scale"

	// GoodStepsVariableName is the name of the variable counting the consecutive steps with
	// finite gradients since the last non-finite gradient or change in loss scale, within Scope.
	GoodStepsVariableName = "good_steps"
)

// DynamicConfig holds the configuration for a DynamicLossScale. It is created with Dynamic(),
// configured with the various methods, and finally Done(ctx) creates the DynamicLossScale.
type DynamicConfig struct {
	initialScale    float64
	incrementPeriod int
	multiplier      float64
	finiteCheck     func(grads []*tensors.Tensor) bool
}

// Dynamic returns the configuration for a DynamicLossScale with default settings
// (initial scale 32768, increment period 2000, multiplier 2). Once configured, call
// DynamicConfig.Done to create the loss scale.
func Dynamic() *DynamicConfig {
	return &DynamicConfig{
		initialScale:    DefaultInitialScale,
		incrementPeriod: DefaultIncrementPeriod,
		multiplier:      DefaultMultiplier,
		finiteCheck:     AllFinite,
	}
}

// InitialScale sets the loss scale to use at the beginning of training.
// It must be finite and at least 1. The default is DefaultInitialScale (32768).
func (c *DynamicConfig) InitialScale(value float64) *DynamicConfig {
	c.initialScale = value
	return c
}

// IncrementPeriod sets after how many consecutive steps with finite gradients the loss scale is
// increased. It must be positive. The default is DefaultIncrementPeriod (2000).
func (c *DynamicConfig) IncrementPeriod(steps int) *DynamicConfig {
	c.incrementPeriod = steps
	return c
}

// Multiplier sets the factor used when increasing or decreasing the loss scale.
// It must be greater than 1. The default is DefaultMultiplier (2).
func (c *DynamicConfig) Multiplier(value float64) *DynamicConfig {
	c.multiplier = value
	return c
}

// FiniteCheck replaces the finiteness primitive used by Update. The default is AllFinite.
//
// This is the hook for distributed training: the check must then aggregate the per-replica
// verdicts, so a step is only considered finite if every replica independently saw all-finite
// gradients -- see distributed.AllFiniteCheck.
func (c *DynamicConfig) FiniteCheck(fn func(grads []*tensors.Tensor) bool) *DynamicConfig {
	c.finiteCheck = fn
	return c
}

// Done validates the configuration and creates the DynamicLossScale, with its state variables
// registered in ctx under the Scope scope (relative to ctx's current scope).
//
// Creating a second DynamicLossScale on the same context scope panics: the state variables
// would collide. Use different scopes for multiple controllers.
func (c *DynamicConfig) Done(ctx *context.Context) *DynamicLossScale {
	if math.IsNaN(c.initialScale) || math.IsInf(c.initialScale, 0) || c.initialScale < 1 {
		Panicf("lossscale.Dynamic: initial scale must be finite and at least 1, got %v", c.initialScale)
	}
	if c.incrementPeriod <= 0 {
		Panicf("lossscale.Dynamic: increment period must be positive, got %d", c.incrementPeriod)
	}
	if math.IsNaN(c.multiplier) || math.IsInf(c.multiplier, 0) || c.multiplier <= 1 {
		Panicf("lossscale.Dynamic: multiplier must be finite and greater than 1, got %v", c.multiplier)
	}
	ctxScoped := ctx.In(Scope)
	ls := &DynamicLossScale{
		config:       *c,
		scaleVar:     ctxScoped.VariableWithValue(ScaleVariableName, c.initialScale).SetTrainable(false),
		goodStepsVar: ctxScoped.VariableWithValue(GoodStepsVariableName, int64(0)).SetTrainable(false),
	}
	return ls
}

// DynamicLossScale adjusts the loss scale as training progresses, keeping it as high as
// possible without the gradients overflowing.
//
// Every IncrementPeriod consecutive steps with finite gradients, the scale is multiplied by
// Multiplier. When a NaN or Inf gradient is found, the gradients for that step are reported as
// not applicable, and the scale is divided by Multiplier (floored at 1).
//
// Its mutable state -- the current scale and the count of consecutive good steps -- lives in
// two non-trainable context variables, so it is checkpointed with the rest of the model, and
// persists across process restarts.
//
// The update computation assumes a single logical writer per step: in data-parallel training it
// must run in a cross-replica context exactly once per global step, with the finiteness check
// aggregated across the replicas (see DynamicConfig.FiniteCheck).
type DynamicLossScale struct {
	config       DynamicConfig
	scaleVar     *context.Variable
	goodStepsVar *context.Variable
}

// InitialScale this loss scale was configured with.
func (ls *DynamicLossScale) InitialScale() float64 { return ls.config.initialScale }

// IncrementPeriod this loss scale was configured with.
func (ls *DynamicLossScale) IncrementPeriod() int { return ls.config.incrementPeriod }

// Multiplier this loss scale was configured with.
func (ls *DynamicLossScale) Multiplier() float64 { return ls.config.multiplier }

// Current returns the current loss scale. It implements Interface.
func (ls *DynamicLossScale) Current() float64 {
	return tensors.ToScalar[float64](ls.scaleVar.Value())
}

// GoodSteps returns the number of consecutive steps with finite gradients since the last
// non-finite gradient or change in loss scale.
func (ls *DynamicLossScale) GoodSteps() int64 {
	return tensors.ToScalar[int64](ls.goodStepsVar.Value())
}

// Update decides, based on the finiteness of grads, whether the gradients should be applied
// this step, and returns the corresponding pending scale update. It implements Interface.
//
// The finiteness check runs synchronously here (under a distributed check it blocks until all
// replicas contributed); the state transition only happens when the returned token is executed.
func (ls *DynamicLossScale) Update(grads []*tensors.Tensor) (*Update, bool) {
	isFinite := ls.config.finiteCheck(grads)
	update := &Update{apply: func() { ls.applyStep(isFinite) }}
	return update, isFinite
}

// applyStep performs one state transition of the controller.
func (ls *DynamicLossScale) applyStep(isFinite bool) {
	if isFinite {
		goodSteps := ls.GoodSteps()
		if goodSteps+1 >= int64(ls.config.incrementPeriod) {
			// Enough consecutive finite steps: raise the scale and restart the count.
			ls.assignScaleIfFinite(ls.Current() * ls.config.multiplier)
			ls.setGoodSteps(0)
		} else {
			ls.setGoodSteps(goodSteps + 1)
		}
		return
	}
	// Non-finite step: lower the scale, floored at 1, and restart the count.
	ls.assignScaleIfFinite(math.Max(ls.Current()/ls.config.multiplier, 1))
	ls.setGoodSteps(0)
}

// assignScaleIfFinite is the guarded assign of the scale: the write is skipped if the new value
// is not finite (e.g. overflow from repeated multiplication), retaining the prior value, so the
// controller itself never enters a non-finite state.
func (ls *DynamicLossScale) assignScaleIfFinite(newScale float64) {
	if math.IsNaN(newScale) || math.IsInf(newScale, 0) {
		return
	}
	if klog.V(1).Enabled() {
		if old := ls.Current(); old != newScale {
			klog.Infof("lossscale: loss scale updated from %g to %g", old, newScale)
		}
	}
	ls.scaleVar.SetValue(tensors.FromScalar(newScale))
}

func (ls *DynamicLossScale) setGoodSteps(value int64) {
	ls.goodStepsVar.SetValue(tensors.FromScalar(value))
}
