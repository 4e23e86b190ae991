// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lossscale

import (
	"math"
	"testing"

	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	finiteGrads    = []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{0.1, -0.2}, 2)}
	nanGrads       = []*tensors.Tensor{tensors.FromScalar(float32(math.NaN()))}
	infGrads       = []*tensors.Tensor{tensors.FromScalar(math.Inf(-1))}
	nilAndNaNGrads = []*tensors.Tensor{nil, tensors.FromScalar(float32(math.NaN())), nil}
)

// step runs one Update+Execute round and returns whether the gradients should have been applied.
func step(t *testing.T, ls *DynamicLossScale, grads []*tensors.Tensor) bool {
	t.Helper()
	update, shouldApply := ls.Update(grads)
	update.Execute()
	return shouldApply
}

func TestDynamicDefaults(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().Done(ctx)
	assert.Equal(t, DefaultInitialScale, ls.InitialScale())
	assert.Equal(t, DefaultIncrementPeriod, ls.IncrementPeriod())
	assert.Equal(t, DefaultMultiplier, ls.Multiplier())
	assert.Equal(t, DefaultInitialScale, ls.Current())
	assert.Equal(t, int64(0), ls.GoodSteps())
}

func TestDynamicConfigValidation(t *testing.T) {
	require.Panics(t, func() { Dynamic().InitialScale(0.5).Done(context.New()) })
	require.Panics(t, func() { Dynamic().InitialScale(math.NaN()).Done(context.New()) })
	require.Panics(t, func() { Dynamic().InitialScale(math.Inf(1)).Done(context.New()) })
	require.Panics(t, func() { Dynamic().IncrementPeriod(0).Done(context.New()) })
	require.Panics(t, func() { Dynamic().IncrementPeriod(-2000).Done(context.New()) })
	require.Panics(t, func() { Dynamic().Multiplier(1).Done(context.New()) })
	require.Panics(t, func() { Dynamic().Multiplier(math.Inf(1)).Done(context.New()) })
}

func TestDynamicDuplicateRegistration(t *testing.T) {
	ctx := context.New()
	Dynamic().Done(ctx)
	// The state variables would collide.
	require.Panics(t, func() { Dynamic().Done(ctx) })
	// A different scope hosts a second, independent controller.
	require.NotPanics(t, func() { Dynamic().Done(ctx.In("discriminator")) })
}

func TestDynamicGrowth(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(4).IncrementPeriod(3).Multiplier(2).Done(ctx)

	// No growth before incrementPeriod consecutive finite steps...
	assert.True(t, step(t, ls, finiteGrads))
	assert.Equal(t, 4.0, ls.Current())
	assert.Equal(t, int64(1), ls.GoodSteps())
	assert.True(t, step(t, ls, finiteGrads))
	assert.Equal(t, 4.0, ls.Current())
	assert.Equal(t, int64(2), ls.GoodSteps())

	// ...growth exactly at the incrementPeriod-th, and the count restarts.
	assert.True(t, step(t, ls, finiteGrads))
	assert.Equal(t, 8.0, ls.Current())
	assert.Equal(t, int64(0), ls.GoodSteps())

	for i := 0; i < 3; i++ {
		step(t, ls, finiteGrads)
	}
	assert.Equal(t, 16.0, ls.Current())
}

func TestDynamicShrink(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(32).IncrementPeriod(5).Multiplier(2).Done(ctx)

	// A non-finite step halves the scale, restarts the count and reports skip.
	step(t, ls, finiteGrads)
	step(t, ls, finiteGrads)
	require.Equal(t, int64(2), ls.GoodSteps())

	assert.False(t, step(t, ls, nanGrads))
	assert.Equal(t, 16.0, ls.Current())
	assert.Equal(t, int64(0), ls.GoodSteps())

	assert.False(t, step(t, ls, infGrads))
	assert.Equal(t, 8.0, ls.Current())

	// Nil entries don't mask a NaN elsewhere in the batch.
	assert.False(t, step(t, ls, nilAndNaNGrads))
	assert.Equal(t, 4.0, ls.Current())
}

func TestDynamicScaleFlooredAtOne(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(4).Multiplier(2).Done(ctx)

	for i := 0; i < 10; i++ {
		step(t, ls, nanGrads)
		assert.GreaterOrEqual(t, ls.Current(), 1.0)
	}
	assert.Equal(t, 1.0, ls.Current())

	// A non-power-of-two multiplier also lands exactly on the floor.
	ls3 := Dynamic().InitialScale(4).Multiplier(3).Done(ctx.In("m3"))
	for i := 0; i < 10; i++ {
		step(t, ls3, nanGrads)
	}
	assert.Equal(t, 1.0, ls3.Current())
}

func TestDynamicVacuouslyFiniteSteps(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(2).IncrementPeriod(2).Done(ctx)

	// Empty (or all-nil) gradient batches count as finite steps.
	assert.True(t, step(t, ls, nil))
	assert.True(t, step(t, ls, []*tensors.Tensor{nil, nil}))
	assert.Equal(t, 4.0, ls.Current())
}

func TestDynamicGuardedAssign(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(math.MaxFloat64).IncrementPeriod(1).Done(ctx)

	// Doubling the scale would overflow to +Inf: the write is skipped, the prior scale is kept
	// and the count still restarts.
	assert.True(t, step(t, ls, finiteGrads))
	assert.Equal(t, math.MaxFloat64, ls.Current())
	assert.Equal(t, int64(0), ls.GoodSteps())

	// The controller still recovers from non-finite gradients.
	assert.False(t, step(t, ls, nanGrads))
	assert.Equal(t, math.MaxFloat64/2, ls.Current())
}

func TestDynamicEndToEnd(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(32768).IncrementPeriod(2).Multiplier(2).Done(ctx)

	require.True(t, step(t, ls, finiteGrads))
	require.Equal(t, 32768.0, ls.Current())
	require.True(t, step(t, ls, finiteGrads))
	require.Equal(t, 65536.0, ls.Current())
	require.False(t, step(t, ls, nanGrads))
	require.Equal(t, 32768.0, ls.Current())
	require.Equal(t, int64(0), ls.GoodSteps())
}

// TestDynamicScaleBounds drives a long pseudo-random sequence of finite/non-finite steps and
// checks the state invariants hold throughout.
func TestDynamicScaleBounds(t *testing.T) {
	ctx := context.New()
	ls := Dynamic().InitialScale(1024).IncrementPeriod(7).Multiplier(2).Done(ctx)

	rng := uint64(12345)
	for i := 0; i < 10000; i++ {
		rng = rng*6364136223846793005 + 1442695040888963407 // LCG, deterministic.
		isFinite := rng>>60 != 0
		grads := finiteGrads
		if !isFinite {
			grads = nanGrads
		}
		applied := step(t, ls, grads)
		require.Equal(t, isFinite, applied)
		scale := ls.Current()
		require.GreaterOrEqual(t, scale, 1.0)
		require.False(t, math.IsNaN(scale) || math.IsInf(scale, 0))
		require.GreaterOrEqual(t, ls.GoodSteps(), int64(0))
		require.Less(t, ls.GoodSteps(), int64(7))
	}
}

func TestDynamicCustomFiniteCheck(t *testing.T) {
	ctx := context.New()
	calls := 0
	ls := Dynamic().InitialScale(8).FiniteCheck(func(grads []*tensors.Tensor) bool {
		calls++
		return false // Every step reported non-finite, regardless of the gradients.
	}).Done(ctx)

	assert.False(t, step(t, ls, finiteGrads))
	assert.Equal(t, 4.0, ls.Current())
	assert.Equal(t, 1, calls)
}
