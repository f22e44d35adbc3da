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
	"math"
	"slices"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
)

// UpdateCounts computes the particle count of every node.
//
// Description:
//
//	Owned leaves are counted exactly from the local particle keys. Leaves
//	of peer ranges receive the exact counts of their owners, and all other
//	leaves are estimated from the global tree.
//
// Inputs:
//
//	ctx - Context for the peer exchange.
//	keys - Sorted SFC keys of the local particles, all inside this rank's
//	       assigned range.
//	globalLeaves, globalCounts - The global tree and its leaf counts.
//
// Outputs:
//
//	error - ErrUnsortedKeys, ErrKeysOutsideAssignment, ErrInvalidState
//	        before the first UpdateTree, or a transport failure.
func (f *FocusedOctree) UpdateCounts(ctx context.Context, keys []sfc.Key,
	globalLeaves []sfc.Key, globalCounts []uint32) (err error) {

	ctx, _, done := startOp(ctx, "UpdateCounts", f.rank)
	defer func() { done(err) }()

	if err := f.requireTopology("UpdateCounts"); err != nil {
		return err
	}
	if !slices.IsSorted(keys) {
		return ErrUnsortedKeys
	}
	if start, end := f.globalAsg.Range(f.rank); len(keys) > 0 && (keys[0] < start || keys[len(keys)-1] >= end) {
		return fmt.Errorf("keys [%d, %d] outside [%d, %d): %w",
			keys[0], keys[len(keys)-1], start, end, ErrKeysOutsideAssignment)
	}

	o := f.tree
	leafCounts := make([]uint32, o.NumLeafNodes)
	own := f.assignment[f.rank]
	octree.ComputeNodeCounts(f.b, f.leaves[own.Start:own.End+1], leafCounts[own.Start:own.End], keys, math.MaxUint32)
	octree.RangeCount(f.b, globalLeaves, globalCounts, f.leaves,
		invertRanges(f.assignment, f.peers, f.rank, o.NumLeafNodes), leafCounts)

	counts := make([]uint32, o.NumNodes)
	backend.Scatter(f.b, o.LeafToInternal, leafCounts, counts)
	octree.UpsweepCounts(f.b, o, counts)

	if err := peerExchange(ctx, f, transport.TagPeerCounts, counts); err != nil {
		return err
	}
	octree.UpsweepCounts(f.b, o, counts)
	backend.Gather(f.b, o.LeafToInternal, counts, leafCounts)

	f.counts = counts
	f.leafCounts = leafCounts
	f.numLocalParticles = len(keys)
	f.status.markCounts()
	return nil
}
