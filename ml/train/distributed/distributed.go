// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the collective primitives needed by loss scaling under
// data-parallel (SPMD, single-program multiple-data) training: a fixed group of replicas, each
// computing the same training step on its own shard of data, periodically reducing values
// across the group.
//
// The only collective provided is a blocking sum-reduction (AllSum): it is the reduction
// available from typical collective backends, and boolean reductions are expressed on top of
// it -- see AllFiniteCheck.
//
// Replicas here are goroutines of the same process. The Group abstraction "leaks" the SPMD
// model on purpose: every replica must call each collective exactly once per round, in the
// same order, or the group deadlocks.
package distributed

import (
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/ml/train/lossscale"
	"github.com/gomlx/lossscale/types/tensors"
)

// Group coordinates collective reductions among a fixed number of replicas.
//
// All replicas of a group must participate in every round: a collective call blocks until every
// replica has contributed its local value, then all calls return the reduced result.
type Group struct {
	numReplicas int

	mu   sync.Mutex
	cond *sync.Cond

	// Current round state: arrived counts contributions, sum accumulates them.
	round   int64
	arrived int
	sum     float32

	// result of the last completed round.
	result float32
}

// NewGroup creates a collective group for the given number of replicas.
// It panics if numReplicas is not positive.
func NewGroup(numReplicas int) *Group {
	if numReplicas <= 0 {
		Panicf("distributed.NewGroup: number of replicas must be positive, got %d", numReplicas)
	}
	g := &Group{numReplicas: numReplicas}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NumReplicas participating in each collective round.
func (g *Group) NumReplicas() int { return g.numReplicas }

// AllSum reduces the local values of all replicas to their sum, and returns it to every
// replica. It blocks until all replicas of the group have called it.
//
// Each replica must call AllSum exactly once per round: a replica calling twice while another
// has not yet called takes the place of the missing replica's contribution, corrupting the sum.
func (g *Group) AllSum(local float32) float32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	round := g.round
	g.sum += local
	g.arrived++
	if g.arrived == g.numReplicas {
		// Last to arrive: publish the result and open the next round.
		g.result = g.sum
		g.sum = 0
		g.arrived = 0
		g.round++
		g.cond.Broadcast()
		return g.result
	}
	for g.round == round {
		g.cond.Wait()
	}
	return g.result
}

// AllFiniteCheck returns a per-replica finiteness check for the group, suitable for
// lossscale.DynamicConfig.FiniteCheck.
//
// Each replica computes whether its local gradients are all finite, casts the verdict to a
// 0/1 float (the collective reduces sums, not booleans), and the sums are reduced across the
// group: the step is globally finite only if the sum equals the replica count, i.e. every
// replica independently saw all-finite gradients.
//
// Every replica must call the returned check exactly once per step -- the replica driving the
// loss scale does so through DynamicLossScale.Update, the others call it directly; all get the
// same global verdict.
func AllFiniteCheck(group *Group) func(grads []*tensors.Tensor) bool {
	return func(grads []*tensors.Tensor) bool {
		var local float32
		if lossscale.AllFinite(grads) {
			local = 1
		}
		return group.AllSum(local) == float32(group.NumReplicas())
	}
}
