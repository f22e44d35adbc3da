// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package octree

import (
	"math"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// CombineFunc computes the value of an internal node from its eight
// children. It must not depend on the order of children.
type CombineFunc[T any] func(children []T) T

// Upsweep propagates values from the leaves to the root.
//
// Description:
//
//	Levels are processed from the deepest to the root. Within a level all
//	internal nodes are independent, so each level is one data-parallel pass.
//	A node is only visited after all of its children have been finalized.
//	Leaf values are left untouched.
//
// Inputs:
//
//	b - Backend executing each level pass.
//	levelRange - First node index per level (see Octree.LevelRange).
//	childOffsets - First child index per node, 0 for leaves.
//	values - Per-node values, updated in place.
//	combine - Rule combining eight children into their parent.
func Upsweep[T any](b backend.Backend, levelRange, childOffsets []int, values []T, combine CombineFunc[T]) {
	for level := sfc.MaxTreeLevel - 1; level >= 0; level-- {
		first, last := levelRange[level], levelRange[level+1]
		b.For(last-first, func(lo, hi int) {
			for i := first + lo; i < first+hi; i++ {
				if c := childOffsets[i]; c != 0 {
					values[i] = combine(values[c : c+8])
				}
			}
		})
	}
}

// SumCounts is the saturating count combination.
func SumCounts(children []uint32) uint32 {
	var sum uint64
	for _, c := range children {
		sum += uint64(c)
	}
	return uint32(min(sum, math.MaxUint32))
}

// UpsweepCounts runs Upsweep with SumCounts over o.
func UpsweepCounts(b backend.Backend, o *Octree, counts []uint32) {
	Upsweep(b, o.LevelRange, o.ChildOffsets, counts, SumCounts)
}
