// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package focus maintains a rank's locally essential octree.
//
// # Description
//
// Each rank owns a contiguous SFC range (its focus). Its FocusedOctree is
// refined down to the bucket size inside the focus, and outside of it only
// as far as the multipole acceptance criterion (MAC) requires: far regions
// stay coarse. Cells close to the focus belong to a small set of peer ranks
// whose treelets are kept structurally in sync, so that per-cell
// quantities (particle counts, expansion centers) can be exchanged
// positionally. Everything further away is filled in from the coarse
// global tree replicated on every rank.
//
// One refinement round is
//
//	UpdateTree -> UpdateCounts -> UpdateMinMac (or UpdateCenters + UpdateMacs)
//
// and Converge repeats it until every rank reports an unchanged tree.
//
// # Thread Safety
//
// A FocusedOctree is not safe for concurrent use. Data-parallel work inside
// each operation runs on the configured backend.
package focus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
	"github.com/AleutianAI/focustree/internal/traversal"
)

// invThetaRefine is the opening parameter used to refine newly gained
// focus regions: a node is split until it fits in a sphere around its
// center of radius half its diagonal.
var invThetaRefine = math.Sqrt(3)/2 + 1e-6

// DefaultMaxRounds bounds the rounds of Converge and the refine loop.
const DefaultMaxRounds = 100

// Options configures a FocusedOctree.
type Options struct {
	Rank       int
	NumRanks   int
	BucketSize uint32
	MaxRounds  int
	Backend    backend.Backend
	Transport  transport.Transport
	Logger     *slog.Logger
}

// FocusedOctree is one rank's view of the distributed octree.
type FocusedOctree struct {
	rank       int
	numRanks   int
	bucketSize uint32
	maxRounds  int
	b          backend.Backend
	comm       transport.Transport
	logger     *slog.Logger

	leaves     []sfc.Key
	tree       *octree.Octree
	leafCounts []uint32
	counts     []uint32
	macs       []uint8
	centers    []octree.SourceCenter
	macRadii   []float64
	geo        traversal.Geometry
	flags      []uint8

	globalCenters []octree.SourceCenter

	peers      []int
	globalAsg  globaltree.Assignment
	assignment []TreeIndexPair
	treelets   [][]sfc.Key
	treeletIdx [][]int

	prevFocusStart, prevFocusEnd sfc.Key
	firstCall                    bool
	box                          sfc.Box
	numLocalParticles            int
	status                       Status
}

// New returns a FocusedOctree holding only the root. The root starts
// above the bucket size and flagged by the MAC, so the first UpdateTree
// splits it.
func New(opts Options) (*FocusedOctree, error) {
	if opts.NumRanks <= 0 || opts.Rank < 0 || opts.Rank >= opts.NumRanks {
		return nil, fmt.Errorf("rank %d of %d: %w", opts.Rank, opts.NumRanks, ErrInvalidState)
	}
	if opts.Transport == nil || opts.Transport.Size() != opts.NumRanks || opts.Transport.Rank() != opts.Rank {
		return nil, fmt.Errorf("transport does not match rank %d of %d: %w", opts.Rank, opts.NumRanks, ErrInvalidState)
	}
	if opts.BucketSize == 0 {
		return nil, fmt.Errorf("bucket size must be positive: %w", ErrInvalidState)
	}
	b := opts.Backend
	if b == nil {
		b = backend.Serial{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	f := &FocusedOctree{
		rank:       opts.Rank,
		numRanks:   opts.NumRanks,
		bucketSize: opts.BucketSize,
		maxRounds:  maxRounds,
		b:          b,
		comm:       opts.Transport,
		logger:     logger.With(slog.Int("rank", opts.Rank)),
		firstCall:  true,
		status:     Valid,
		treelets:   make([][]sfc.Key, opts.NumRanks),
		treeletIdx: make([][]int, opts.NumRanks),
	}
	f.setLeaves(octree.RootLeaves())
	f.leafCounts[0] = opts.BucketSize + 1
	f.macs = []uint8{1}
	return f, nil
}

// setLeaves installs a new leaf array and resets all per-node properties.
// MAC and halo flags are dropped and must be evaluated afresh.
func (f *FocusedOctree) setLeaves(leaves []sfc.Key) {
	f.leaves = leaves
	f.tree = octree.Build(f.b, leaves)
	n := f.tree.NumNodes
	f.leafCounts = make([]uint32, f.tree.NumLeafNodes)
	f.counts = make([]uint32, n)
	f.macs = nil
	f.centers = nil
	f.macRadii = nil
	f.flags = nil
}

// UpdateTree performs one rebalance step of the focused tree.
//
// Description:
//
//	The leaves are split and merged by the current counts and MAC flags,
//	with the focus bounds, the ranges of all peers and the global leaves
//	inside the focus enforced as boundaries. A region that just joined the
//	focus is first refined geometrically. The treelets of the peers are
//	then exchanged and merged, and the per-peer index maps rebuilt.
//
// Inputs:
//
//	ctx - Context for the treelet exchange.
//	peers - Ranks whose treelets are kept in sync.
//	asg - Global assignment; this rank's range is the focus.
//	globalLeaves - Leaves of the global tree.
//	box - Global box.
//
// Outputs:
//
//	bool - True if the rebalance left the leaves unchanged.
//	error - ErrInvalidState unless counts and MAC flags are current, or a
//	        transport failure.
func (f *FocusedOctree) UpdateTree(ctx context.Context, peers []int, asg globaltree.Assignment,
	globalLeaves []sfc.Key, box sfc.Box) (converged bool, err error) {

	ctx, span, done := startOp(ctx, "UpdateTree", f.rank)
	defer func() { done(err) }()

	if !f.status.IsValid() {
		return false, fmt.Errorf("update tree with status %s: %w", f.status, ErrInvalidState)
	}
	if asg.NumRanks() != f.numRanks {
		return false, fmt.Errorf("assignment for %d ranks, have %d: %w", asg.NumRanks(), f.numRanks, ErrInvalidState)
	}
	f.peers = slices.Clone(peers)
	slices.Sort(f.peers)

	focusStart, focusEnd := asg.Range(f.rank)
	if f.firstCall {
		f.prevFocusStart, f.prevFocusEnd = focusStart, focusEnd
	}

	enforced := []sfc.Key{f.prevFocusStart, f.prevFocusEnd, focusStart, focusEnd}
	for _, p := range f.peers {
		s, e := asg.Range(p)
		enforced = append(enforced, s, e)
	}
	enforced = append(enforced, asg.GlobalLeaves(globalLeaves, f.rank)...)

	criteria := octree.Criteria{
		BucketSize: f.bucketSize,
		FocusStart: focusStart,
		FocusEnd:   focusEnd,
		Macs:       f.macs,
		Tree:       f.tree,
	}
	next, converged := octree.Rebalance(f.b, f.leaves, f.leafCounts, criteria, enforced)
	// counts and MAC flags are gone from here on, also if a step below fails
	f.status.invalidate()
	f.setLeaves(next)

	refined, err := f.macRefine(focusStart, focusEnd, box)
	if err != nil {
		return false, err
	}

	f.assignment = translateAssignment(asg, f.leaves, f.peers, f.rank)
	merged, err := f.syncTreelets(ctx)
	if err != nil {
		return false, err
	}
	converged = converged && !refined && !merged
	f.assignment = translateAssignment(asg, f.leaves, f.peers, f.rank)
	f.indexTreelets()

	f.box = box
	f.globalAsg = asg
	f.prevFocusStart, f.prevFocusEnd = focusStart, focusEnd
	f.firstCall = false
	f.status.invalidate()
	f.updateGeoCenters()

	updateTreeTotal.WithLabelValues(strconv.FormatBool(converged)).Inc()
	recordLeaves(ctx, len(f.leaves)-1)
	span.SetAttributes(
		attribute.Bool("converged", converged),
		attribute.Int("leaves", len(f.leaves)-1),
		attribute.Int("peers", len(f.peers)),
	)
	f.logger.Debug("tree updated",
		slog.Bool("converged", converged),
		slog.Int("leaves", len(f.leaves)-1),
		slog.Int("peers", len(f.peers)))
	return converged, nil
}

// macRefine splits leaves near a newly gained focus region until they
// pass the geometric MAC with respect to it. A leaf is only split while it
// is coarser than the deepest gained leaf it fails against: cells touching
// the region never pass, and the gained leaves themselves are not split
// here, so the loop ends once the neighbourhood matches their resolution.
// It reports whether any leaf was split.
func (f *FocusedOctree) macRefine(focusStart, focusEnd sfc.Key, box sfc.Box) (bool, error) {
	var gained [][2]sfc.Key
	if focusStart < f.prevFocusStart {
		gained = append(gained, [2]sfc.Key{focusStart, min(f.prevFocusStart, focusEnd)})
	}
	if focusEnd > f.prevFocusEnd {
		gained = append(gained, [2]sfc.Key{max(f.prevFocusEnd, focusStart), focusEnd})
	}
	if len(gained) == 0 {
		return false, nil
	}

	for round := 0; round < f.maxRounds; round++ {
		centers := traversal.GeometricCenters(f.b, f.tree.Prefixes, box)
		r2 := make([]float64, f.tree.NumNodes)
		traversal.SetMacRadius(f.b, f.tree.Prefixes, centers, invThetaRefine, box, r2)

		levels := make([]uint8, f.tree.NumNodes)
		for _, g := range gained {
			first := octree.FindNodeAbove(f.leaves, g[0])
			last := octree.FindNodeAbove(f.leaves, g[1])
			if first < last {
				traversal.MarkMacLevels(f.b, f.tree, centers, r2, box, f.leaves[first:last+1], levels)
			}
		}

		ops := make([]int, f.tree.NumLeafNodes)
		split := 0
		for i := range ops {
			ops[i] = 1
			inFocus := f.leaves[i] >= focusStart && f.leaves[i+1] <= focusEnd
			if !inFocus && octree.LeafLevel(f.leaves, i) < int(levels[f.tree.LeafToInternal[i]]) {
				ops[i] = 8
				split++
			}
		}
		if split == 0 {
			return round > 0, nil
		}
		f.setLeaves(octree.RebalanceTree(f.b, f.leaves, ops, nil))
	}
	return true, fmt.Errorf("refining gained focus: %w", ErrNotConverged)
}

// syncTreelets sends every peer this rank's leaves inside the peer's
// range and merges the leaves the peers hold inside this rank's range. It
// reports whether the merge changed the leaves.
func (f *FocusedOctree) syncTreelets(ctx context.Context) (bool, error) {
	for _, p := range f.peers {
		r := f.assignment[p]
		if err := transport.SendSlice(ctx, f.comm, p, transport.TagTreelets, f.leaves[r.Start:r.End+1]); err != nil {
			return false, fmt.Errorf("sending treelet to %d: %w", p, err)
		}
	}
	for i := range f.treelets {
		f.treelets[i] = nil
	}
	for _, p := range f.peers {
		keys, err := transport.RecvSlice[sfc.Key](ctx, f.comm, p, transport.TagTreelets)
		if err != nil {
			return false, fmt.Errorf("receiving treelet from %d: %w", p, err)
		}
		f.treelets[p] = keys
	}

	merged := mergeKeys(f.leaves, f.treelets)
	if slices.Equal(merged, f.leaves) {
		return false, nil
	}
	f.setLeaves(merged)
	return true, nil
}

// indexTreelets maps each peer treelet cell onto a node of the local tree.
// A cell missing locally maps to its deepest local ancestor.
func (f *FocusedOctree) indexTreelets() {
	for p := range f.treeletIdx {
		f.treeletIdx[p] = nil
	}
	for _, p := range f.peers {
		t := f.treelets[p]
		idx := make([]int, max(0, len(t)-1))
		for i := range idx {
			n := f.tree.LocateNode(t[i], t[i+1])
			if n == f.tree.NumNodes {
				n = f.tree.ContainingNode(t[i], t[i+1])
			}
			idx[i] = n
		}
		f.treeletIdx[p] = idx
	}
}

func (f *FocusedOctree) updateGeoCenters() {
	f.geo = traversal.NewGeometry(f.b, f.tree, f.box)
}

// focusLeaves returns the leaf keys of this rank's range including its end.
func (f *FocusedOctree) focusLeaves() []sfc.Key {
	own := f.assignment[f.rank]
	return f.leaves[own.Start : own.End+1]
}

func (f *FocusedOctree) requireTopology(op string) error {
	if f.assignment == nil {
		return fmt.Errorf("%s before UpdateTree: %w", op, ErrInvalidState)
	}
	return nil
}

// TreeLeaves returns the current leaf array.
func (f *FocusedOctree) TreeLeaves() []sfc.Key { return f.leaves }

// Octree returns the linked tree of the current leaves.
func (f *FocusedOctree) Octree() *octree.Octree { return f.tree }

// Assignment returns the leaf ranges of this rank and its peers.
func (f *FocusedOctree) Assignment() []TreeIndexPair { return f.assignment }

// Peers returns the peer ranks of the last UpdateTree.
func (f *FocusedOctree) Peers() []int { return f.peers }

// LeafCounts returns the particle count per leaf.
func (f *FocusedOctree) LeafCounts() []uint32 { return f.leafCounts }

// Counts returns the particle count per node.
func (f *FocusedOctree) Counts() []uint32 { return f.counts }

// Macs returns the MAC flag per node, or nil until evaluated on the
// current tree.
func (f *FocusedOctree) Macs() []uint8 { return f.macs }

// ExpansionCenters returns the expansion center per node, or nil before
// UpdateCenters.
func (f *FocusedOctree) ExpansionCenters() []octree.SourceCenter { return f.centers }

// GlobalExpansionCenters returns the expansion centers of the global tree
// nodes computed by the last UpdateCenters.
func (f *FocusedOctree) GlobalExpansionCenters() []octree.SourceCenter { return f.globalCenters }

// GeoCenters returns the geometric center per node.
func (f *FocusedOctree) GeoCenters() []sfc.Vec3 { return f.geo.Centers }

// GeoSizes returns the geometric half-size per node.
func (f *FocusedOctree) GeoSizes() []sfc.Vec3 { return f.geo.Sizes }

// Flags returns the halo flag per node, or nil before DiscoverHalos.
func (f *FocusedOctree) Flags() []uint8 { return f.flags }

// Status returns the rebalance status.
func (f *FocusedOctree) Status() Status { return f.status }

// Depth returns the deepest level of the tree.
func (f *FocusedOctree) Depth() int { return f.tree.Depth() }

// Box returns the box of the last UpdateTree.
func (f *FocusedOctree) Box() sfc.Box { return f.box }

// FocusRange returns the SFC range owned by this rank as of the last
// UpdateTree.
func (f *FocusedOctree) FocusRange() (sfc.Key, sfc.Key) { return f.prevFocusStart, f.prevFocusEnd }

// Rank returns the rank this tree belongs to.
func (f *FocusedOctree) Rank() int { return f.rank }
