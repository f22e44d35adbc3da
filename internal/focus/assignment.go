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
	"slices"

	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// TreeIndexPair is a half-open range [Start, End) of local leaf indices.
type TreeIndexPair struct {
	Start, End int
}

// Count returns the number of leaves in the range.
func (p TreeIndexPair) Count() int { return p.End - p.Start }

// translateAssignment maps the key ranges of rank and its peers onto the
// local leaf array. All other ranks get {0, 0}.
func translateAssignment(a globaltree.Assignment, leaves []sfc.Key, peers []int, rank int) []TreeIndexPair {
	out := make([]TreeIndexPair, a.NumRanks())
	for _, r := range append([]int{rank}, peers...) {
		start, end := a.Range(r)
		out[r] = TreeIndexPair{
			Start: octree.FindNodeAbove(leaves, start),
			End:   octree.FindNodeAbove(leaves, end),
		}
	}
	return out
}

// invertRanges returns the leaf indices in [0, numLeaves) covered by none
// of the ranges of rank and its peers.
func invertRanges(asg []TreeIndexPair, peers []int, rank, numLeaves int) []int {
	covered := make([]bool, numLeaves)
	for _, r := range append([]int{rank}, peers...) {
		for i := asg[r].Start; i < asg[r].End; i++ {
			covered[i] = true
		}
	}
	var idx []int
	for i, c := range covered {
		if !c {
			idx = append(idx, i)
		}
	}
	return idx
}

// mergeKeys returns the sorted union of a leaf array and treelet keys.
func mergeKeys(leaves []sfc.Key, treelets [][]sfc.Key) []sfc.Key {
	n := len(leaves)
	for _, t := range treelets {
		n += len(t)
	}
	out := make([]sfc.Key, 0, n)
	out = append(out, leaves...)
	for _, t := range treelets {
		out = append(out, t...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
