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

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/transport"
)

// UpdateCenters computes the mass-weighted expansion center of every node.
//
// Description:
//
//	Owned leaves take the center of mass of their particles. Peer leaves
//	are received from their owners and all remaining leaves are taken
//	from the global tree, after which the internal nodes are combined.
//	Leaves without mass sit at their geometric center.
//
// Inputs:
//
//	ctx - Context for the exchanges.
//	x, y, z, m - Local particles, sorted by key and laid out as given by
//	             the counts of the owned leaves.
//	g - The global tree.
//
// Outputs:
//
//	error - ErrInvalidState without current counts, ErrLayoutMismatch if
//	        the arrays do not match the owned counts, or a transport
//	        failure.
func (f *FocusedOctree) UpdateCenters(ctx context.Context, x, y, z, m []float64, g *globaltree.GlobalTree) (err error) {
	ctx, _, done := startOp(ctx, "UpdateCenters", f.rank)
	defer func() { done(err) }()

	if err := f.requireTopology("UpdateCenters"); err != nil {
		return err
	}
	if !f.status.hasCounts() {
		return fmt.Errorf("centers without counts: %w", ErrInvalidState)
	}
	layout, err := f.ownLayout(len(x), len(y), len(z), len(m))
	if err != nil {
		return err
	}

	o := f.tree
	own := f.assignment[f.rank]
	centers := make([]octree.SourceCenter, o.NumNodes)
	f.b.For(o.NumLeafNodes, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			node := o.LeafToInternal[i]
			geo := f.geo.Centers[node]
			if i >= own.Start && i < own.End {
				j := i - own.Start
				centers[node] = octree.MassCenter(x, y, z, m, layout[j], layout[j+1], geo)
			} else {
				centers[node] = octree.SourceCenter{Pos: geo}
			}
		}
	})
	octree.Upsweep(f.b, o.LevelRange, o.ChildOffsets, centers, octree.CombineCenters)

	global, err := globalExchange(ctx, f, g, centers, octree.CombineCenters, transport.TagGlobalCenters)
	if err != nil {
		return err
	}
	if err := peerExchange(ctx, f, transport.TagPeerCenters, centers); err != nil {
		return err
	}
	octree.Upsweep(f.b, o.LevelRange, o.ChildOffsets, centers, octree.CombineCenters)

	f.centers = centers
	f.globalCenters = global
	return nil
}

// ownLayout returns the particle offsets of the owned leaves and checks
// that every particle array holds exactly the owned count.
func (f *FocusedOctree) ownLayout(lengths ...int) ([]uint32, error) {
	own := f.assignment[f.rank]
	layout := make([]uint32, own.Count()+1)
	total := backend.ExclusiveScan(f.b, f.leafCounts[own.Start:own.End], layout, 0)
	for _, n := range lengths {
		if n != int(total) {
			return nil, fmt.Errorf("%d particles for %d owned: %w", n, total, ErrLayoutMismatch)
		}
	}
	return layout, nil
}
