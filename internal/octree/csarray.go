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
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// ErrInvalidLeaves is returned when a leaf array violates the cornerstone
// invariants.
var ErrInvalidLeaves = errors.New("invalid cornerstone leaf array")

// RootLeaves returns the leaf array of a tree consisting of the root only.
func RootLeaves() []sfc.Key {
	return []sfc.Key{0, sfc.MaxKey}
}

// NumLeaves returns the number of leaf cells described by a leaf array.
func NumLeaves(leaves []sfc.Key) int {
	return len(leaves) - 1
}

// ValidateLeaves checks that leaves start at 0, end at MaxKey, are strictly
// increasing and that every interval is a single octree node.
func ValidateLeaves(leaves []sfc.Key) error {
	if len(leaves) < 2 {
		return fmt.Errorf("%w: %d keys", ErrInvalidLeaves, len(leaves))
	}
	if leaves[0] != 0 || leaves[len(leaves)-1] != sfc.MaxKey {
		return fmt.Errorf("%w: bounds [%d, %d]", ErrInvalidLeaves, leaves[0], leaves[len(leaves)-1])
	}
	for i := 0; i+1 < len(leaves); i++ {
		if !sfc.IsNodeRange(leaves[i], leaves[i+1]) {
			return fmt.Errorf("%w: [%d, %d) at %d is not a node", ErrInvalidLeaves, leaves[i], leaves[i+1], i)
		}
	}
	return nil
}

// UniformLeaves returns the leaf array of a complete tree at the given level.
func UniformLeaves(level int) []sfc.Key {
	n := 1 << (3 * level)
	leaves := make([]sfc.Key, n+1)
	for i := 0; i <= n; i++ {
		leaves[i] = sfc.Key(i) * sfc.NodeRange(level)
	}
	return leaves
}

// FindNodeAbove returns the first index i with leaves[i] >= key.
func FindNodeAbove(leaves []sfc.Key, key sfc.Key) int {
	idx, _ := slices.BinarySearch(leaves, key)
	return idx
}

// FindNodeBelow returns the last index i with leaves[i] <= key, or -1.
func FindNodeBelow(leaves []sfc.Key, key sfc.Key) int {
	idx, found := slices.BinarySearch(leaves, key)
	if found {
		return idx
	}
	return idx - 1
}

// LeafLevel returns the level of leaf i.
func LeafLevel(leaves []sfc.Key, i int) int {
	return sfc.TreeLevel(leaves[i+1] - leaves[i])
}

// ComputeNodeCounts sets counts[i] to the number of sorted particle keys in
// [leaves[i], leaves[i+1]), saturated at maxCount.
func ComputeNodeCounts(b backend.Backend, leaves []sfc.Key, counts []uint32, keys []sfc.Key, maxCount uint32) {
	b.For(NumLeaves(leaves), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			first := FindNodeAbove(keys, leaves[i])
			last := FindNodeAbove(keys, leaves[i+1])
			counts[i] = uint32(min(uint64(last-first), uint64(maxCount)))
		}
	})
}

// RangeCount estimates the counts of the local leaves listed in idx from a
// coarser global tree: leaf i receives the sum of all global leaf counts
// overlapping [leaves[i], leaves[i+1]), saturated at MaxUint32.
func RangeCount(b backend.Backend, globalLeaves []sfc.Key, globalCounts []uint32,
	leaves []sfc.Key, idx []int, counts []uint32) {

	b.For(len(idx), func(lo, hi int) {
		for j := lo; j < hi; j++ {
			i := idx[j]
			gFirst := FindNodeBelow(globalLeaves, leaves[i])
			gLast := FindNodeAbove(globalLeaves, leaves[i+1])
			var sum uint64
			for _, c := range globalCounts[max(gFirst, 0):gLast] {
				sum += uint64(c)
			}
			counts[i] = uint32(min(sum, math.MaxUint32))
		}
	})
}
