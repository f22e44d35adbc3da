// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package octree builds fully linked octrees from cornerstone leaf arrays.
//
// # Description
//
// A cornerstone leaf array is a sorted list of SFC keys [0, ..., MaxKey]
// in which every interval is an octree node. The linked octree derived from
// it contains every leaf and every internal node, sorted level-major by
// placeholder-bit prefix: the root is at index 0, followed by all nodes of
// level 1 in key order, then level 2, and so on. Each internal node has
// exactly eight children stored contiguously, referenced by ChildOffsets.
//
// Because the node order is a pure function of the leaf array, per-node
// property arrays computed by either backend index the same cells.
//
// # Thread Safety
//
// An Octree is immutable after Build and safe for concurrent reads.
package octree

import (
	"slices"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// Octree is the fully linked octree of a leaf array.
type Octree struct {
	// Prefixes holds the placeholder-bit prefix of every node, level-major.
	Prefixes []sfc.Key

	// ChildOffsets holds the index of the first child of each node, or 0
	// for leaves.
	ChildOffsets []int

	// Parents holds the parent of each group of eight siblings:
	// Parents[(i-1)/8] is the parent of node i > 0.
	Parents []int

	// LevelRange holds, for each level l, the first node index of that
	// level. Nodes of level l are [LevelRange[l], LevelRange[l+1]).
	LevelRange []int

	// LeafToInternal maps a leaf index to its node index.
	LeafToInternal []int

	// InternalToLeaf maps a node index to its leaf index, or -1 for
	// internal nodes.
	InternalToLeaf []int

	NumLeafNodes     int
	NumInternalNodes int
	NumNodes         int
}

// Build returns the linked octree of a valid leaf array.
//
// Description:
//
//	An internal node (k, a) exists iff the leaf starting at key k lies
//	deeper than level a. Every leaf therefore emits the internal nodes of
//	all levels between the shallowest level its start key is aligned to
//	and its own level. Prefixes of leaves and internal nodes are then
//	sorted, which yields the level-major order.
//
// Inputs:
//
//	b - Backend executing the data-parallel passes.
//	leaves - Cornerstone leaf array. Must satisfy ValidateLeaves.
//
// Outputs:
//
//	*Octree - The linked tree. Identical for every backend.
func Build(b backend.Backend, leaves []sfc.Key) *Octree {
	numLeaves := NumLeaves(leaves)

	perLeaf := make([]int, numLeaves)
	b.For(numLeaves, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			perLeaf[i] = max(0, LeafLevel(leaves, i)-sfc.AlignedLevel(leaves[i]))
		}
	})
	offsets := make([]int, numLeaves+1)
	numInternal := backend.ExclusiveScan(b, perLeaf, offsets, 0)

	numNodes := numInternal + numLeaves
	prefixes := make([]sfc.Key, numNodes)
	b.For(numLeaves, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			key := leaves[i]
			level := LeafLevel(leaves, i)
			out := offsets[i]
			for a := sfc.AlignedLevel(key); a < level; a++ {
				prefixes[out] = sfc.MakePrefix(key, a)
				out++
			}
			prefixes[numInternal+i] = sfc.MakePrefix(key, level)
		}
	})
	backend.Sort(b, prefixes)

	o := &Octree{
		Prefixes:         prefixes,
		NumLeafNodes:     numLeaves,
		NumInternalNodes: numInternal,
		NumNodes:         numNodes,
	}
	o.LevelRange = levelRanges(prefixes)
	o.link(b, leaves)
	return o
}

// levelRanges computes the first node index of every level plus one
// trailing end marker.
func levelRanges(prefixes []sfc.Key) []int {
	lr := make([]int, sfc.MaxTreeLevel+2)
	for l := 0; l <= sfc.MaxTreeLevel; l++ {
		lr[l], _ = slices.BinarySearch(prefixes, sfc.MakePrefix(0, l))
	}
	lr[sfc.MaxTreeLevel+1] = len(prefixes)
	return lr
}

// link fills child offsets, parents and the leaf/internal index maps.
func (o *Octree) link(b backend.Backend, leaves []sfc.Key) {
	o.ChildOffsets = make([]int, o.NumNodes)
	o.Parents = make([]int, max(0, (o.NumNodes-1)/8))
	o.InternalToLeaf = make([]int, o.NumNodes)
	o.LeafToInternal = make([]int, o.NumLeafNodes)

	b.For(o.NumNodes, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			prefix := o.Prefixes[i]
			level := sfc.PrefixLevel(prefix)
			o.ChildOffsets[i] = 0
			if level < sfc.MaxTreeLevel {
				start := sfc.DecodePlaceholderBit(prefix)
				child := backend.LocateNode(start, start+sfc.NodeRange(level+1), o.Prefixes, o.LevelRange)
				if child < o.NumNodes {
					o.ChildOffsets[i] = child
					o.Parents[(child-1)/8] = i
				}
			}
		}
	})

	backend.Fill(b, o.InternalToLeaf, -1)
	backend.LocateNodes(b, leaves, o.Prefixes, o.LevelRange, o.LeafToInternal)
	b.For(o.NumLeafNodes, func(lo, hi int) {
		for leaf := lo; leaf < hi; leaf++ {
			o.InternalToLeaf[o.LeafToInternal[leaf]] = leaf
		}
	})
}

// IsLeaf reports whether node i has no children.
func (o *Octree) IsLeaf(i int) bool { return o.ChildOffsets[i] == 0 }

// Parent returns the parent of node i, or -1 for the root.
func (o *Octree) Parent(i int) int {
	if i == 0 {
		return -1
	}
	return o.Parents[(i-1)/8]
}

// NodeRange returns the key range [start, end) of node i.
func (o *Octree) NodeRange(i int) (sfc.Key, sfc.Key) {
	return sfc.DecodeRange(o.Prefixes[i])
}

// LocateNode returns the node index of [start, end), or NumNodes.
func (o *Octree) LocateNode(start, end sfc.Key) int {
	return backend.LocateNode(start, end, o.Prefixes, o.LevelRange)
}

// ContainingNode returns the deepest node of o that contains [start, end).
// The root always qualifies.
func (o *Octree) ContainingNode(start, end sfc.Key) int {
	if end <= start {
		return 0
	}
	// nodes deeper than the shared octal digits cannot hold both ends
	level := sfc.CommonPrefix(start, end-1) / 3
	for ; level > 0; level-- {
		r := sfc.NodeRange(level)
		nodeStart := start - start%r
		if idx := o.LocateNode(nodeStart, nodeStart+r); idx < o.NumNodes {
			return idx
		}
	}
	return 0
}

// Depth returns the deepest level that holds a node.
func (o *Octree) Depth() int {
	depth := 0
	for l := 0; l <= sfc.MaxTreeLevel; l++ {
		if o.LevelRange[l+1] > o.LevelRange[l] {
			depth = l
		}
	}
	return depth
}

// LeafKeys reconstructs the leaf array of o.
func (o *Octree) LeafKeys() []sfc.Key {
	out := make([]sfc.Key, o.NumLeafNodes+1)
	for leaf, node := range o.LeafToInternal {
		out[leaf] = sfc.DecodePlaceholderBit(o.Prefixes[node])
	}
	out[o.NumLeafNodes] = sfc.MaxKey
	return out
}
