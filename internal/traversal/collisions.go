// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

import (
	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// Geometry holds the center and half-size of every node of a tree.
type Geometry struct {
	Centers []sfc.Vec3
	Sizes   []sfc.Vec3
}

// NewGeometry computes the node geometry of o inside box.
func NewGeometry(b backend.Backend, o *octree.Octree, box sfc.Box) Geometry {
	g := Geometry{
		Centers: make([]sfc.Vec3, o.NumNodes),
		Sizes:   make([]sfc.Vec3, o.NumNodes),
	}
	octree.GeoCenters(b, o.Prefixes, box, g.Centers, g.Sizes)
	return g
}

// FindCollisions flags every node of o that overlaps the target box and is
// not contained in the key range [exclStart, exclEnd). Flags are only ever
// set, never cleared.
func FindCollisions(o *octree.Octree, g Geometry, targetCenter, targetSize sfc.Vec3,
	box sfc.Box, exclStart, exclEnd sfc.Key, flags []uint8) {

	overlaps := func(i int) bool {
		start, end := o.NodeRange(i)
		if sfc.ContainedIn(start, end, exclStart, exclEnd) {
			return false
		}
		if !sfc.Overlap(g.Centers[i], g.Sizes[i], targetCenter, targetSize, box) {
			return false
		}
		flags[i] = 1
		return true
	}
	SingleTraversal(o.ChildOffsets, overlaps, func(int) {})
}

// FindHalos marks the halo nodes of the leaves [firstLeaf, lastLeaf).
//
// Description:
//
//	Each owned leaf has a search box (typically its particle bounding box
//	grown by the interaction radius). A search box whose integer grid box
//	lies wholly inside the owned key range cannot reach foreign nodes and
//	is skipped. Every other search box is collided against the tree with
//	the owned range excluded.
//
// Inputs:
//
//	b - Backend parallelizing over owned leaves.
//	o - Linked tree.
//	g - Node geometry of o.
//	leaves - Leaf array of o.
//	searchCenters, searchSizes - Search box per leaf, indexed like leaves.
//	box - Global box.
//	firstLeaf, lastLeaf - Owned leaf range.
//	flags - Per-node halo flags, only set.
func FindHalos(b backend.Backend, o *octree.Octree, g Geometry, leaves []sfc.Key,
	searchCenters, searchSizes []sfc.Vec3, box sfc.Box, firstLeaf, lastLeaf int, flags []uint8) {

	if lastLeaf <= firstLeaf {
		return
	}
	lowKey, highKey := leaves[firstLeaf], leaves[lastLeaf]

	forTargets(b, lastLeaf-firstLeaf, flags, func(j int, local []uint8) bool {
		leaf := firstLeaf + j
		c, s := searchCenters[leaf], searchSizes[leaf]
		if sfc.SearchIBox(c, s, box).ContainedInRange(lowKey, highKey) {
			return false
		}
		FindCollisions(o, g, c, s, box, lowKey, highKey, local)
		return true
	})
}
