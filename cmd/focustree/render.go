// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"

	"github.com/xlab/treeprint"

	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/snapshot"
)

// renderSnapshot draws the octree of a snapshot. Nodes are named by their
// octal path from the root. Nodes inside the rank's own range are marked
// with *. Subtrees below maxDepth are collapsed into one line; maxDepth <= 0
// draws everything.
func renderSnapshot(s *snapshot.Snapshot, maxDepth int) treeprint.Tree {
	total := sumCounts(s.Counts)
	tree := treeprint.NewWithRoot(fmt.Sprintf("rank %d: %d leaves, depth %d, %d particles, peers %v",
		s.Rank, s.NumLeaves(), s.Depth, total, s.Peers))
	if s.NumLeaves() == 0 {
		return tree
	}
	if s.NumLeaves() == 1 {
		tree.AddNode(nodeLabel(s, "root", 0, sfc.MaxKey, 0, 1))
		return tree
	}
	addChildren(tree, s, "", 0, 0, maxDepth)
	return tree
}

// addChildren adds the eight children of the node at start and level.
func addChildren(parent treeprint.Tree, s *snapshot.Snapshot, path string, start sfc.Key, level, maxDepth int) {
	childRange := sfc.NodeRange(level + 1)
	for o := 0; o < 8; o++ {
		cs := start + sfc.Key(o)*childRange
		ce := cs + childRange
		lo := octree.FindNodeAbove(s.Leaves, cs)
		hi := octree.FindNodeAbove(s.Leaves, ce)
		childPath := path + strconv.Itoa(o)
		label := nodeLabel(s, childPath, cs, ce, lo, hi)

		if hi-lo == 1 {
			parent.AddNode(label)
			continue
		}
		if maxDepth > 0 && level+1 >= maxDepth {
			parent.AddNode(fmt.Sprintf("%s, %d leaves ...", label, hi-lo))
			continue
		}
		addChildren(parent.AddBranch(label), s, childPath, cs, level+1, maxDepth)
	}
}

func nodeLabel(s *snapshot.Snapshot, path string, start, end sfc.Key, lo, hi int) string {
	label := fmt.Sprintf("%s: %d", path, sumCounts(s.Counts[lo:hi]))
	if start >= s.FocusStart && end <= s.FocusEnd {
		label += " *"
	}
	return label
}

func sumCounts(counts []uint32) uint64 {
	var n uint64
	for _, c := range counts {
		n += uint64(c)
	}
	return n
}
