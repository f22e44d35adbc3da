// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package globaltree

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
)

func buildOnRanks(t *testing.T, p *Particles, numRanks int, bucket uint32) []*GlobalTree {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	eps := transport.NewLocal(numRanks)
	trees := make([]*GlobalTree, numRanks)
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < numRanks; r++ {
		g.Go(func() error {
			local := p.Chunk(r, numRanks)
			tree, err := Build(ctx, eps[r], local.Keys, BuildOptions{
				BucketSize: bucket,
				Backend:    backend.NewParallel(2),
			})
			trees[r] = tree
			return err
		})
	}
	require.NoError(t, g.Wait())
	return trees
}

func TestGenerateParticles_SortedAndDeterministic(t *testing.T) {
	box := sfc.NewBox(-1, 1, sfc.Open)
	a := GenerateParticles(backend.Serial{}, 1000, 9, box)
	b := GenerateParticles(backend.NewParallel(3), 1000, 9, box)

	assert.True(t, slices.IsSorted(a.Keys))
	assert.Equal(t, a.Keys, b.Keys)
	assert.Equal(t, a.X, b.X)
	for i := 0; i < a.Len(); i++ {
		require.Equal(t, sfc.Encode(a.X[i], a.Y[i], a.Z[i], box), a.Keys[i])
		require.GreaterOrEqual(t, a.X[i], -1.0)
		require.LessOrEqual(t, a.X[i], 1.0)
	}
}

func TestBuild_MatchesSingleProcessTree(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := GenerateParticles(backend.Serial{}, 5000, 1, box)
	wantLeaves, wantCounts := octree.ComputeLeaves(backend.Serial{}, p.Keys, 32)

	for _, numRanks := range []int{1, 3, 4} {
		t.Run(fmt.Sprintf("ranks=%d", numRanks), func(t *testing.T) {
			trees := buildOnRanks(t, p, numRanks, 32)
			for _, tree := range trees {
				assert.Equal(t, wantLeaves, tree.Leaves)
				assert.Equal(t, wantCounts, tree.Counts)
				assert.Equal(t, uint32(p.Len()), tree.NodeCounts(backend.Serial{})[0])
			}
		})
	}
}

func TestBuild_NotConverged(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := GenerateParticles(backend.Serial{}, 2000, 1, box)
	eps := transport.NewLocal(1)

	_, err := Build(context.Background(), eps[0], p.Keys, BuildOptions{BucketSize: 4, MaxRounds: 1})
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestMakeAssignment_Balanced(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := GenerateParticles(backend.Serial{}, 8000, 2, box)
	leaves, counts := octree.ComputeLeaves(backend.Serial{}, p.Keys, 16)

	const numRanks = 4
	a := MakeAssignment(leaves, counts, numRanks)
	require.Len(t, a.Keys, numRanks+1)
	assert.Equal(t, sfc.Key(0), a.Keys[0])
	assert.Equal(t, sfc.MaxKey, a.Keys[numRanks])

	total := 0
	for r := 0; r < numRanks; r++ {
		assert.Equal(t, leaves[a.TreeOffsets[r]], a.Keys[r])
		var n uint32
		for _, c := range counts[a.TreeOffsets[r] : a.TreeOffsets[r]+a.NumNodesPerRank[r]] {
			n += c
		}
		// a range may exceed its share by at most one leaf
		assert.InDelta(t, float64(p.Len())/numRanks, float64(n), 16)
		total += a.NumNodesPerRank[r]

		gl := a.GlobalLeaves(leaves, r)
		assert.Equal(t, a.Keys[r], gl[0])
		assert.Equal(t, a.Keys[r+1], gl[len(gl)-1])
	}
	assert.Equal(t, octree.NumLeaves(leaves), total)
}

func TestMakeAssignment_MoreRanksThanLeaves(t *testing.T) {
	a := MakeAssignment(octree.UniformLeaves(1), []uint32{1, 1, 1, 1, 1, 1, 1, 1}, 12)
	total := 0
	for r := 0; r < 12; r++ {
		total += a.NumNodesPerRank[r]
		assert.LessOrEqual(t, a.Keys[r], a.Keys[r+1])
	}
	assert.Equal(t, 8, total)
	assert.Equal(t, 11, a.Owner(sfc.MaxKey-1))
}

func TestAssignment_Owner(t *testing.T) {
	a := MakeAssignment(octree.UniformLeaves(1), []uint32{1, 1, 1, 1, 1, 1, 1, 1}, 4)
	r1 := sfc.NodeRange(1)
	assert.Equal(t, 0, a.Owner(0))
	assert.Equal(t, 0, a.Owner(2*r1-1))
	assert.Equal(t, 1, a.Owner(2*r1))
	assert.Equal(t, 3, a.Owner(sfc.MaxKey-1))
}

func TestFindPeers_SymmetricAndMatchesBruteForce(t *testing.T) {
	for _, box := range []sfc.Box{sfc.NewBox(0, 1, sfc.Open), sfc.NewBox(0, 1, sfc.Periodic)} {
		t.Run(box.Boundary[0].String(), func(t *testing.T) {
			p := GenerateParticles(backend.Serial{}, 6000, 3, box)
			leaves, counts := octree.ComputeLeaves(backend.Serial{}, p.Keys, 16)
			g := &GlobalTree{Leaves: leaves, Counts: counts, Tree: octree.Build(backend.Serial{}, leaves)}
			const numRanks = 8
			const invTheta = 1/0.5 + 0.5
			a := MakeAssignment(leaves, counts, numRanks)
			geo := make([]sfc.Vec3, g.Tree.NumNodes)
			sizes := make([]sfc.Vec3, g.Tree.NumNodes)
			octree.GeoCenters(backend.Serial{}, g.Tree.Prefixes, box, geo, sizes)

			peers := make([][]int, numRanks)
			for r := 0; r < numRanks; r++ {
				peers[r] = FindPeers(backend.NewParallel(3), r, a, g, box, invTheta)
				assert.NotContains(t, peers[r], r)
				assert.True(t, slices.IsSorted(peers[r]))
			}

			for r := 0; r < numRanks; r++ {
				var want []int
				for q := 0; q < numRanks; q++ {
					if q == r {
						continue
					}
					if pairFails(g, a, geo, sizes, r, q, invTheta, box) {
						want = append(want, q)
					}
					assert.Equal(t, slices.Contains(peers[r], q), slices.Contains(peers[q], r), "asymmetric %d-%d", r, q)
				}
				assert.Equal(t, want, peers[r], "rank %d", r)
			}
		})
	}
}

func pairFails(g *GlobalTree, a Assignment, geo, sizes []sfc.Vec3, r, q int, invTheta float64, box sfc.Box) bool {
	o := g.Tree
	for i := a.TreeOffsets[r]; i < a.TreeOffsets[r]+a.NumNodesPerRank[r]; i++ {
		ni := o.LeafToInternal[i]
		for j := a.TreeOffsets[q]; j < a.TreeOffsets[q]+a.NumNodesPerRank[q]; j++ {
			nj := o.LeafToInternal[j]
			if MinMacFails(geo[ni], sizes[ni], geo[nj], sizes[nj], invTheta, box) {
				return true
			}
		}
	}
	return false
}
