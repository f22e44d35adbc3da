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
	"fmt"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/traversal"
)

// DiscoverHalos flags every node outside the owned range whose box overlaps
// the search box of an owned leaf.
//
// Description:
//
//	The search box of an owned leaf encloses its particles, each padded by
//	2*searchExtFact*h. Flags are set on leaves and internal nodes alike.
//
// Inputs:
//
//	x, y, z, h - Local particles, laid out by the owned leaf counts.
//	searchExtFact - Scale of the interaction radius.
//	accumulate - OR into the flags of the last call instead of clearing.
//
// Outputs:
//
//	error - ErrFlagsNotAllocated when accumulating into flags of another
//	        tree, ErrLayoutMismatch or ErrInvalidState.
func (f *FocusedOctree) DiscoverHalos(x, y, z, h []float64, searchExtFact float64, accumulate bool) error {
	if err := f.requireTopology("DiscoverHalos"); err != nil {
		return err
	}
	if !f.status.hasCounts() {
		return fmt.Errorf("halo discovery without counts: %w", ErrInvalidState)
	}
	o := f.tree
	if accumulate {
		if len(f.flags) != o.NumNodes {
			return fmt.Errorf("%d halo flags for %d nodes: %w", len(f.flags), o.NumNodes, ErrFlagsNotAllocated)
		}
	} else {
		f.flags = make([]uint8, o.NumNodes)
	}
	layout, err := f.ownLayout(len(x), len(y), len(z), len(h))
	if err != nil {
		return err
	}

	own := f.assignment[f.rank]
	centers := make([]sfc.Vec3, o.NumLeafNodes)
	sizes := make([]sfc.Vec3, o.NumLeafNodes)
	backend.Gather(f.b, o.LeafToInternal, f.geo.Centers, centers)
	backend.BoundingBoxes(f.b, x, y, z, h, layout, own.Start, own.End, 2*searchExtFact, centers, sizes)

	traversal.FindHalos(f.b, o, f.geo, f.leaves, centers, sizes, f.box, own.Start, own.End, f.flags)
	haloNodes.Observe(float64(backend.Count(f.b, f.flags, 1)))
	return nil
}

// ComputeLayout returns the particle offsets of every leaf when the owned
// leaves and all halo leaves are stored contiguously. Other leaves take no
// space.
func (f *FocusedOctree) ComputeLayout() ([]uint32, error) {
	if err := f.requireTopology("ComputeLayout"); err != nil {
		return nil, err
	}
	o := f.tree
	if len(f.flags) != o.NumNodes {
		return nil, fmt.Errorf("layout before halo discovery: %w", ErrFlagsNotAllocated)
	}
	own := f.assignment[f.rank]
	sizes := make([]uint32, o.NumLeafNodes)
	f.b.For(o.NumLeafNodes, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if (i >= own.Start && i < own.End) || f.flags[o.LeafToInternal[i]] != 0 {
				sizes[i] = f.leafCounts[i]
			}
		}
	})
	layout := make([]uint32, o.NumLeafNodes+1)
	backend.ExclusiveScan(f.b, sizes, layout, 0)
	if err := f.checkLayout(layout); err != nil {
		return nil, err
	}
	return layout, nil
}

// checkLayout verifies that the owned leaves of layout hold exactly the
// local particles.
func (f *FocusedOctree) checkLayout(layout []uint32) error {
	own := f.assignment[f.rank]
	if n := int(layout[own.End] - layout[own.Start]); n != f.numLocalParticles {
		return fmt.Errorf("layout places %d owned particles, have %d: %w", n, f.numLocalParticles, ErrLayoutMismatch)
	}
	return nil
}
