// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package focus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
)

const (
	testBucket   = 16
	invThetaEff  = 1/0.5 + 0.5
	testParticle = 4000
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// rankState is the converged state of one simulated rank.
type rankState struct {
	f     *FocusedOctree
	g     *globaltree.GlobalTree
	asg   globaltree.Assignment
	peers []int
	mine  *globaltree.Particles
}

// onRanks runs fn on numRanks in-process ranks and fails on the first error.
func onRanks(t *testing.T, numRanks int, fn func(ctx context.Context, r int) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < numRanks; r++ {
		g.Go(func() error { return fn(ctx, r) })
	}
	require.NoError(t, g.Wait())
}

// convergeOnRanks builds the global tree from p, assigns it to numRanks
// ranks and converges a focused tree on each.
func convergeOnRanks(t *testing.T, p *globaltree.Particles, numRanks int, box sfc.Box) []*rankState {
	t.Helper()
	eps := transport.NewLocal(numRanks)
	states := make([]*rankState, numRanks)
	onRanks(t, numRanks, func(ctx context.Context, r int) error {
		b := backend.NewParallel(2)
		g, err := globaltree.Build(ctx, eps[r], p.Chunk(r, numRanks).Keys, globaltree.BuildOptions{
			BucketSize: testBucket,
			Backend:    b,
			Logger:     quiet,
		})
		if err != nil {
			return err
		}
		asg := globaltree.MakeAssignment(g.Leaves, g.Counts, numRanks)
		peers := globaltree.FindPeers(b, r, asg, g, box, invThetaEff)
		mine := p.Slice(asg.Range(r))

		f, err := New(Options{
			Rank:       r,
			NumRanks:   numRanks,
			BucketSize: testBucket,
			Backend:    b,
			Transport:  eps[r],
			Logger:     quiet,
		})
		if err != nil {
			return err
		}
		if err := f.Converge(ctx, box, mine.Keys, peers, asg, g.Leaves, g.Counts, invThetaEff); err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
		states[r] = &rankState{f: f, g: g, asg: asg, peers: peers, mine: mine}
		return nil
	})
	return states
}

// ownLeaves returns the focused leaves of the rank's range including its end.
func ownLeaves(s *rankState) []sfc.Key {
	start, end := s.asg.Range(s.f.rank)
	leaves := s.f.TreeLeaves()
	return leaves[octree.FindNodeAbove(leaves, start) : octree.FindNodeAbove(leaves, end)+1]
}

func TestNew_Validation(t *testing.T) {
	eps := transport.NewLocal(2)
	tests := []struct {
		name string
		opts Options
	}{
		{"rank out of range", Options{Rank: 2, NumRanks: 2, BucketSize: 8, Transport: eps[0]}},
		{"no transport", Options{Rank: 0, NumRanks: 2, BucketSize: 8}},
		{"transport of other rank", Options{Rank: 0, NumRanks: 2, BucketSize: 8, Transport: eps[1]}},
		{"zero bucket", Options{Rank: 0, NumRanks: 2, Transport: eps[0]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	eps := transport.NewLocal(1)
	f, err := New(Options{Rank: 0, NumRanks: 1, BucketSize: 8, Transport: eps[0], Logger: quiet})
	require.NoError(t, err)

	assert.Equal(t, octree.RootLeaves(), f.TreeLeaves())
	assert.Equal(t, []uint32{9}, f.LeafCounts())
	assert.Equal(t, []uint8{1}, f.Macs())
	assert.Equal(t, Valid, f.Status())
	assert.Equal(t, 0, f.Depth())
}

func TestUpdateTree_RequiresValidStatus(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, 500, 4, box)
	leaves, counts := octree.ComputeLeaves(backend.Serial{}, p.Keys, testBucket)
	asg := globaltree.MakeAssignment(leaves, counts, 1)

	eps := transport.NewLocal(1)
	f, err := New(Options{Rank: 0, NumRanks: 1, BucketSize: testBucket, Transport: eps[0], Logger: quiet})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = f.UpdateTree(ctx, nil, asg, leaves, box)
	require.NoError(t, err)
	assert.Equal(t, Invalid, f.Status())

	_, err = f.UpdateTree(ctx, nil, asg, leaves, box)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.UpdateCounts(ctx, p.Keys, leaves, counts))
	assert.Equal(t, CountsCriterion, f.Status())
	_, err = f.UpdateTree(ctx, nil, asg, leaves, box)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.UpdateMinMac(asg, invThetaEff, false))
	assert.Equal(t, Valid, f.Status())
	_, err = f.UpdateTree(ctx, nil, asg, leaves, box)
	assert.NoError(t, err)
}

func TestOperations_BeforeUpdateTree(t *testing.T) {
	eps := transport.NewLocal(1)
	f, err := New(Options{Rank: 0, NumRanks: 1, BucketSize: 8, Transport: eps[0], Logger: quiet})
	require.NoError(t, err)
	asg := globaltree.MakeAssignment(octree.RootLeaves(), []uint32{0}, 1)

	assert.ErrorIs(t, f.UpdateCounts(context.Background(), nil, octree.RootLeaves(), []uint32{0}), ErrInvalidState)
	assert.ErrorIs(t, f.UpdateMinMac(asg, invThetaEff, false), ErrInvalidState)
	assert.ErrorIs(t, f.DiscoverHalos(nil, nil, nil, nil, 1, false), ErrInvalidState)
	_, err = f.ComputeLayout()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConverge_OwnRangeMatchesGlobalTree(t *testing.T) {
	for _, box := range []sfc.Box{sfc.NewBox(-1, 1, sfc.Open), sfc.NewBox(0, 1, sfc.Periodic)} {
		p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 5, box)
		for _, numRanks := range []int{1, 2, 4, 8} {
			t.Run(fmt.Sprintf("%s/ranks=%d", box.Boundary[0], numRanks), func(t *testing.T) {
				states := convergeOnRanks(t, p, numRanks, box)
				for r, s := range states {
					f := s.f
					require.NoError(t, octree.ValidateLeaves(f.TreeLeaves()))
					assert.Equal(t, s.asg.GlobalLeaves(s.g.Leaves, r), ownLeaves(s), "rank %d", r)
					assert.Equal(t, Valid, f.Status())

					// every particle is accounted for exactly once
					assert.Equal(t, uint32(p.Len()), f.Counts()[0], "rank %d", r)

					own := f.Assignment()[r]
					var n uint32
					for _, c := range f.LeafCounts()[own.Start:own.End] {
						n += c
						assert.LessOrEqual(t, c, uint32(testBucket))
					}
					assert.Equal(t, uint32(s.mine.Len()), n)
					assert.Len(t, f.GeoCenters(), f.Octree().NumNodes)
				}
			})
		}
	}
}

func TestConverge_PeersShareTreelets(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 6, box)
	states := convergeOnRanks(t, p, 4, box)

	for r, s := range states {
		require.NotEmpty(t, s.peers, "rank %d", r)
		mine := s.f.TreeLeaves()
		for _, q := range s.peers {
			// counts over a peer range are the owner's counts of the same cells
			other := states[q].f
			rq := s.f.Assignment()[q]
			for i := rq.Start; i < rq.End; i++ {
				n := other.Octree().LocateNode(mine[i], mine[i+1])
				require.Less(t, n, other.Octree().NumNodes, "rank %d leaf %d not a node of peer %d", r, i, q)
				assert.Equal(t, other.Counts()[n], s.f.Counts()[s.f.Octree().LeafToInternal[i]])
			}
		}
	}
}

func TestConverge_FocusTransfer(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 7, box)
	const numRanks = 2
	states := convergeOnRanks(t, p, numRanks, box)

	g := states[0].g
	shifted := shiftAssignment(states[0].asg, g.Leaves, 5)

	onRanks(t, numRanks, func(ctx context.Context, r int) error {
		s := states[r]
		peers := globaltree.FindPeers(backend.Serial{}, r, shifted, g, box, invThetaEff)
		mine := p.Slice(shifted.Range(r))
		if err := s.f.Converge(ctx, box, mine.Keys, peers, shifted, g.Leaves, g.Counts, invThetaEff); err != nil {
			return err
		}
		s.asg, s.peers, s.mine = shifted, peers, mine
		return nil
	})

	for r, s := range states {
		assert.Equal(t, shifted.GlobalLeaves(g.Leaves, r), ownLeaves(s), "rank %d", r)
		assert.Equal(t, uint32(p.Len()), s.f.Counts()[0])
	}
}

// shiftAssignment moves the first move global leaves of rank 1 to rank 0.
func shiftAssignment(asg globaltree.Assignment, globalLeaves []sfc.Key, move int) globaltree.Assignment {
	shifted := globaltree.Assignment{
		Keys:            slices.Clone(asg.Keys),
		TreeOffsets:     slices.Clone(asg.TreeOffsets),
		NumNodesPerRank: slices.Clone(asg.NumNodesPerRank),
	}
	shifted.TreeOffsets[1] += move
	shifted.NumNodesPerRank[0] += move
	shifted.NumNodesPerRank[1] -= move
	shifted.Keys[1] = globalLeaves[shifted.TreeOffsets[1]]
	return shifted
}

func TestUpdateTree_GainedFocusStaysBounded(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 7, box)
	const numRanks = 2
	states := convergeOnRanks(t, p, numRanks, box)

	g := states[0].g
	shifted := shiftAssignment(states[0].asg, g.Leaves, 5)

	maxDepth := 0
	leavesBefore := make([]int, numRanks)
	for r, s := range states {
		require.True(t, s.f.Status().IsValid())
		maxDepth = max(maxDepth, s.f.Depth())
		leavesBefore[r] = len(s.f.TreeLeaves()) - 1
	}

	onRanks(t, numRanks, func(ctx context.Context, r int) error {
		peers := globaltree.FindPeers(backend.Serial{}, r, shifted, g, box, invThetaEff)
		_, err := states[r].f.UpdateTree(ctx, peers, shifted, g.Leaves, box)
		return err
	})

	for r, s := range states {
		// one rebalance splits a leaf at most once
		assert.LessOrEqual(t, s.f.Depth(), maxDepth+1, "rank %d", r)
		assert.Less(t, len(s.f.TreeLeaves())-1, 4*leavesBefore[r], "rank %d", r)
		start, end := s.f.FocusRange()
		assert.Equal(t, shifted.Keys[r], start)
		assert.Equal(t, shifted.Keys[r+1], end)
	}
}

func TestUpdateTree_FailureInvalidatesStatus(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 11, box)
	states := convergeOnRanks(t, p, 2, box)
	s := states[0]
	require.True(t, s.f.Status().IsValid())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.f.UpdateTree(ctx, []int{1}, s.asg, s.g.Leaves, box)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Invalid, s.f.Status())

	_, err = s.f.UpdateTree(context.Background(), []int{1}, s.asg, s.g.Leaves, box)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConverge_RoundLimit(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 8, box)
	leaves, counts := octree.ComputeLeaves(backend.Serial{}, p.Keys, 4)
	asg := globaltree.MakeAssignment(leaves, counts, 1)

	eps := transport.NewLocal(1)
	f, err := New(Options{Rank: 0, NumRanks: 1, BucketSize: 4, MaxRounds: 1, Transport: eps[0], Logger: quiet})
	require.NoError(t, err)
	err = f.Converge(context.Background(), box, p.Keys, nil, asg, leaves, counts, invThetaEff)
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestUpdateCounts_Preconditions(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 9, box)
	states := convergeOnRanks(t, p, 2, box)
	s := states[0]
	ctx := context.Background()

	unsorted := slices.Clone(s.mine.Keys)
	unsorted[0], unsorted[len(unsorted)-1] = unsorted[len(unsorted)-1], unsorted[0]
	assert.ErrorIs(t, s.f.UpdateCounts(ctx, unsorted, s.g.Leaves, s.g.Counts), ErrUnsortedKeys)

	foreign := states[1].mine.Keys
	assert.ErrorIs(t, s.f.UpdateCounts(ctx, foreign, s.g.Leaves, s.g.Counts), ErrKeysOutsideAssignment)
}

func TestUpdateCenters_RootIsCenterOfMass(t *testing.T) {
	box := sfc.NewBox(-1, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 10, box)

	var mass float64
	var com sfc.Vec3
	for i := 0; i < p.Len(); i++ {
		mass += p.M[i]
		com = com.Add(sfc.Vec3{p.X[i], p.Y[i], p.Z[i]}.Scale(p.M[i]))
	}
	com = com.Scale(1 / mass)

	for _, numRanks := range []int{1, 3} {
		t.Run(fmt.Sprintf("ranks=%d", numRanks), func(t *testing.T) {
			states := convergeOnRanks(t, p, numRanks, box)
			onRanks(t, numRanks, func(ctx context.Context, r int) error {
				s := states[r]
				return s.f.UpdateCenters(ctx, s.mine.X, s.mine.Y, s.mine.Z, s.mine.M, s.g)
			})
			for _, s := range states {
				for _, root := range []octree.SourceCenter{s.f.ExpansionCenters()[0], s.f.GlobalExpansionCenters()[0]} {
					assert.InDelta(t, mass, root.Mass, 1e-9)
					for d := 0; d < 3; d++ {
						assert.InDelta(t, com[d], root.Pos[d], 1e-9)
					}
				}

				require.NoError(t, s.f.UpdateMacs(s.asg, invThetaEff, false))
				assert.Equal(t, Valid, s.f.Status())
				assert.Len(t, s.f.MacRadii(), s.f.Octree().NumNodes)
				assert.Len(t, s.f.Macs(), s.f.Octree().NumNodes)
			}
		})
	}
}

func TestUpdateCenters_LayoutMismatch(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, 1000, 11, box)
	states := convergeOnRanks(t, p, 1, box)
	s := states[0]
	n := s.mine.Len() - 1

	err := s.f.UpdateCenters(context.Background(), s.mine.X[:n], s.mine.Y[:n], s.mine.Z[:n], s.mine.M[:n], s.g)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestUpdateMacs_Preconditions(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, 1000, 12, box)
	s := convergeOnRanks(t, p, 1, box)[0]

	assert.ErrorIs(t, s.f.UpdateMacs(s.asg, invThetaEff, false), ErrInvalidState)
	assert.ErrorIs(t, s.f.SetMacRadius(invThetaEff), ErrInvalidState)

	_, err := s.f.UpdateTree(context.Background(), nil, s.asg, s.g.Leaves, box)
	require.NoError(t, err)
	assert.ErrorIs(t, s.f.UpdateMinMac(s.asg, invThetaEff, true), ErrFlagsNotAllocated)
	assert.NoError(t, s.f.UpdateMinMac(s.asg, invThetaEff, false))
	assert.NoError(t, s.f.UpdateMinMac(s.asg, invThetaEff, true))
}

func TestDiscoverHalos_AndLayout(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, testParticle, 13, box)
	const searchExtFact = 20
	states := convergeOnRanks(t, p, 2, box)

	for r, s := range states {
		f, m := s.f, s.mine
		require.NoError(t, f.DiscoverHalos(m.X, m.Y, m.Z, m.H, searchExtFact, false))
		flags := f.Flags()
		require.Len(t, flags, f.Octree().NumNodes)

		own := f.Assignment()[r]
		o := f.Octree()
		halos := 0
		for i := 0; i < o.NumLeafNodes; i++ {
			flagged := flags[o.LeafToInternal[i]] != 0
			if i >= own.Start && i < own.End {
				assert.False(t, flagged, "rank %d flagged own leaf %d", r, i)
			} else if flagged {
				halos++
			}
		}
		assert.Positive(t, halos, "rank %d", r)

		before := slices.Clone(flags)
		require.NoError(t, f.DiscoverHalos(m.X, m.Y, m.Z, m.H, searchExtFact/2, true))
		assert.Equal(t, before, f.Flags(), "smaller search radius adds no flags")

		layout, err := f.ComputeLayout()
		require.NoError(t, err)
		require.Len(t, layout, o.NumLeafNodes+1)
		assert.Equal(t, uint32(m.Len()), layout[own.End]-layout[own.Start])
		for i := 0; i < o.NumLeafNodes; i++ {
			owned := i >= own.Start && i < own.End
			if !owned && flags[o.LeafToInternal[i]] == 0 {
				assert.Equal(t, layout[i], layout[i+1])
			}
		}

		n := m.Len() - 1
		assert.ErrorIs(t, f.DiscoverHalos(m.X[:n], m.Y[:n], m.Z[:n], m.H[:n], searchExtFact, false), ErrLayoutMismatch)
	}
}

func TestDiscoverHalos_AccumulateAfterUpdateTree(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	p := globaltree.GenerateParticles(backend.Serial{}, 1000, 14, box)
	s := convergeOnRanks(t, p, 1, box)[0]
	m := s.mine

	require.NoError(t, s.f.DiscoverHalos(m.X, m.Y, m.Z, m.H, 1, false))
	_, err := s.f.UpdateTree(context.Background(), nil, s.asg, s.g.Leaves, box)
	require.NoError(t, err)
	require.NoError(t, s.f.UpdateCounts(context.Background(), m.Keys, s.g.Leaves, s.g.Counts))
	assert.ErrorIs(t, s.f.DiscoverHalos(m.X, m.Y, m.Z, m.H, 1, true), ErrFlagsNotAllocated)
}

func TestTranslateAssignment(t *testing.T) {
	coarse := octree.UniformLeaves(1)
	asg := globaltree.MakeAssignment(coarse, []uint32{1, 1, 1, 1, 1, 1, 1, 1}, 4)
	leaves := octree.UniformLeaves(2)

	got := translateAssignment(asg, leaves, []int{1}, 0)
	assert.Equal(t, []TreeIndexPair{{0, 16}, {16, 32}, {0, 0}, {0, 0}}, got)
	assert.Equal(t, 16, got[1].Count())

	uncovered := invertRanges(got, []int{1}, 0, octree.NumLeaves(leaves))
	require.Len(t, uncovered, 32)
	assert.Equal(t, 32, uncovered[0])
	assert.Equal(t, 63, uncovered[31])
}

func TestMergeKeys(t *testing.T) {
	coarse := octree.UniformLeaves(1)
	fine := octree.UniformLeaves(2)
	r1 := sfc.NodeRange(1)

	// a treelet refining the first octant only
	treelet := fine[:octree.FindNodeAbove(fine, r1)+1]
	merged := mergeKeys(coarse, [][]sfc.Key{nil, treelet})

	require.NoError(t, octree.ValidateLeaves(merged))
	assert.Equal(t, 8+7, octree.NumLeaves(merged))
	assert.Equal(t, coarse, mergeKeys(coarse, [][]sfc.Key{coarse}))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "counts", CountsCriterion.String())
	assert.Equal(t, "status(7)", Status(7).String())
	assert.True(t, (CountsCriterion | MacCriterion).IsValid())
}
