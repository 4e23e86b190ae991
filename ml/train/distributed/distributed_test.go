// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"math"
	"sync"
	"testing"

	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/ml/train/lossscale"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroup(t *testing.T) {
	require.Panics(t, func() { NewGroup(0) })
	require.Panics(t, func() { NewGroup(-3) })
	require.Equal(t, 4, NewGroup(4).NumReplicas())
}

func TestAllSum(t *testing.T) {
	const numReplicas = 5
	const numRounds = 100
	group := NewGroup(numReplicas)

	var wg sync.WaitGroup
	results := make([][]float32, numReplicas)
	for replica := 0; replica < numReplicas; replica++ {
		wg.Add(1)
		go func(replica int) {
			defer wg.Done()
			for round := 0; round < numRounds; round++ {
				local := float32(replica + round)
				results[replica] = append(results[replica], group.AllSum(local))
			}
		}(replica)
	}
	wg.Wait()

	// Every replica sees the same sum on every round, in round order.
	for round := 0; round < numRounds; round++ {
		want := float32(numReplicas*round + (numReplicas-1)*numReplicas/2)
		for replica := 0; replica < numReplicas; replica++ {
			require.Equal(t, want, results[replica][round], "replica %d, round %d", replica, round)
		}
	}
}

func TestAllSumSingleReplica(t *testing.T) {
	group := NewGroup(1)
	assert.Equal(t, float32(7), group.AllSum(7))
	assert.Equal(t, float32(-1), group.AllSum(-1))
}

func TestAllFiniteCheck(t *testing.T) {
	const numReplicas = 3
	group := NewGroup(numReplicas)
	check := AllFiniteCheck(group)

	finite := []*tensors.Tensor{tensors.FromScalar(float32(0.5))}
	nonFinite := []*tensors.Tensor{tensors.FromScalar(float32(math.NaN()))}

	run := func(perReplica [][]*tensors.Tensor) []bool {
		verdicts := make([]bool, numReplicas)
		var wg sync.WaitGroup
		for replica := 0; replica < numReplicas; replica++ {
			wg.Add(1)
			go func(replica int) {
				defer wg.Done()
				verdicts[replica] = check(perReplica[replica])
			}(replica)
		}
		wg.Wait()
		return verdicts
	}

	// All replicas finite: globally finite.
	for _, verdict := range run([][]*tensors.Tensor{finite, finite, finite}) {
		assert.True(t, verdict)
	}

	// One replica overflows: every replica sees the global non-finite verdict.
	for _, verdict := range run([][]*tensors.Tensor{finite, nonFinite, finite}) {
		assert.False(t, verdict)
	}
}

// TestDistributedLossScale runs the full wiring: each replica holds its own controller over the
// shared group check, and all controllers transition in lock-step.
func TestDistributedLossScale(t *testing.T) {
	const numReplicas = 3
	group := NewGroup(numReplicas)

	controllers := make([]*lossscale.DynamicLossScale, numReplicas)
	for replica := range controllers {
		controllers[replica] = lossscale.Dynamic().
			InitialScale(1024).
			IncrementPeriod(2).
			FiniteCheck(AllFiniteCheck(group)).
			Done(context.New())
	}

	finite := []*tensors.Tensor{tensors.FromScalar(float32(1))}
	nonFinite := []*tensors.Tensor{tensors.FromScalar(float32(math.Inf(1)))}

	// step runs one global step: each replica updates its controller with its local gradients.
	step := func(perReplica [][]*tensors.Tensor) []bool {
		applied := make([]bool, numReplicas)
		var wg sync.WaitGroup
		for replica := 0; replica < numReplicas; replica++ {
			wg.Add(1)
			go func(replica int) {
				defer wg.Done()
				update, shouldApply := controllers[replica].Update(perReplica[replica])
				applied[replica] = shouldApply
				update.Execute()
			}(replica)
		}
		wg.Wait()
		return applied
	}

	// Two all-finite steps: every controller grows in lock-step.
	step([][]*tensors.Tensor{finite, finite, finite})
	for _, applied := range step([][]*tensors.Tensor{finite, finite, finite}) {
		require.True(t, applied)
	}
	for replica, ls := range controllers {
		require.Equal(t, 2048.0, ls.Current(), "replica %d", replica)
	}

	// A single replica overflowing shrinks every controller, and every replica skips the step.
	for _, applied := range step([][]*tensors.Tensor{finite, finite, nonFinite}) {
		require.False(t, applied)
	}
	for replica, ls := range controllers {
		require.Equal(t, 1024.0, ls.Current(), "replica %d", replica)
		require.Equal(t, int64(0), ls.GoodSteps(), "replica %d", replica)
	}
}
