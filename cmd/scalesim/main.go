// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// scalesim simulates a mixed-precision training loop driven by a dynamic loss scale: it runs a
// small float16 model through synthetic gradient steps, randomly injecting overflows, and
// reports how the loss scale reacted.
//
// Example:
//
//	$ scalesim --steps=10000 --overflow_prob=0.001 --increment_period=200 -v=1
//
// Pass --checkpoint to a directory to save the state periodically; re-running with the same
// directory resumes the loss scale (and the model) from where it stopped.
package main

import (
	"flag"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/ml/context/checkpoints"
	"github.com/gomlx/lossscale/ml/train/lossscale"
	"github.com/gomlx/lossscale/ml/train/optimizers"
	"github.com/gomlx/lossscale/types/shapes"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

var (
	flagSteps           = flag.Int("steps", 10000, "Number of training steps to simulate.")
	flagOverflowProb    = flag.Float64("overflow_prob", 0.001, "Probability of injecting a non-finite gradient on any given step.")
	flagInitialScale    = flag.Float64("initial_scale", lossscale.DefaultInitialScale, "Initial loss scale.")
	flagIncrementPeriod = flag.Int("increment_period", 200, "Consecutive finite steps before the loss scale is raised.")
	flagMultiplier      = flag.Float64("multiplier", lossscale.DefaultMultiplier, "Factor by which the loss scale grows and shrinks.")
	flagLearningRate    = flag.Float64("learning_rate", 0.01, "Initial learning rate for the SGD optimizer.")
	flagSeed            = flag.Uint64("seed", 42, "Seed for the synthetic gradients.")
	flagCheckpoint      = flag.String("checkpoint", "", "Directory to save the state to, and resume from. Empty disables checkpointing.")
	flagSaveEvery       = flag.Int("save_every", 1000, "Steps between checkpoint saves, if --checkpoint is set.")
)

const modelDim = 16

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Done())
	}

	// Tiny "model": a float16 weights vector and a float32 bias.
	ctx.VariableWithValue("weights", tensors.FromShape(shapes.Make(dtypes.Float16, modelDim)))
	ctx.VariableWithValue("bias", tensors.FromShape(shapes.Make(dtypes.Float32, 1)))

	lossScale := lossscale.Dynamic().
		InitialScale(*flagInitialScale).
		IncrementPeriod(*flagIncrementPeriod).
		Multiplier(*flagMultiplier).
		Done(ctx)
	opt := optimizers.WithLossScale(optimizers.StochasticGradientDescent(), lossScale)

	rng := rand.New(rand.NewSource(*flagSeed))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}

	startStep := optimizers.GetGlobalStep(ctx)
	if startStep > 0 {
		fmt.Printf("Resuming from step %s, loss scale %g.\n", humanize.Comma(startStep), lossScale.Current())
	}

	var applied, skipped int
	maxScale := lossScale.Current()
	bar := progressbar.Default(int64(*flagSteps), "training")
	for step := 0; step < *flagSteps; step++ {
		grads := syntheticGradients(ctx, normal)
		if rng.Float64() < *flagOverflowProb {
			injectOverflow(grads, rng)
		}
		// The gradients of a scaled loss arrive multiplied by the scale.
		for ii, grad := range grads {
			grads[ii] = optimizers.Scale(grad, lossScale.Current())
		}
		if opt.ApplyGradientsReport(ctx, grads) {
			applied++
		} else {
			skipped++
		}
		maxScale = math.Max(maxScale, lossScale.Current())
		must.M(bar.Add(1))
		if checkpoint != nil && (step+1)%*flagSaveEvery == 0 {
			must.M(checkpoint.Save())
		}
	}
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	fmt.Printf("\nSteps applied:    %s\n", humanize.Comma(int64(applied)))
	fmt.Printf("Steps skipped:    %s\n", humanize.Comma(int64(skipped)))
	fmt.Printf("Final loss scale: %g (peak %g, %d consecutive good steps)\n",
		lossScale.Current(), maxScale, lossScale.GoodSteps())
	fmt.Printf("Global step:      %s\n", humanize.Comma(optimizers.GetGlobalStep(ctx)))
}

// syntheticGradients draws a unit-normal gradient for each trainable variable.
func syntheticGradients(ctx *context.Context, normal distuv.Normal) []*tensors.Tensor {
	var grads []*tensors.Tensor
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		grad := tensors.FromShape(v.Shape())
		switch v.Shape().DType {
		case dtypes.Float16:
			tensors.MutableFlatData(grad, func(flat []float16.Float16) {
				for ii := range flat {
					flat[ii] = float16.Fromfloat32(float32(normal.Rand()))
				}
			})
		case dtypes.Float32:
			tensors.MutableFlatData(grad, func(flat []float32) {
				for ii := range flat {
					flat[ii] = float32(normal.Rand())
				}
			})
		default:
			klog.Fatalf("unsupported dtype %s for variable %s", v.Shape().DType, v.ScopeAndName())
		}
		grads = append(grads, grad)
	})
	return grads
}

// injectOverflow sets the first element of a random gradient to +Inf, simulating a step whose
// scaled loss overflowed float16.
func injectOverflow(grads []*tensors.Tensor, rng *rand.Rand) {
	grad := grads[rng.Intn(len(grads))]
	switch grad.DType() {
	case dtypes.Float16:
		tensors.MutableFlatData(grad, func(flat []float16.Float16) {
			flat[0] = float16.Fromfloat32(float32(math.Inf(1)))
		})
	case dtypes.Float32:
		tensors.MutableFlatData(grad, func(flat []float32) {
			flat[0] = float32(math.Inf(1))
		})
	}
}
