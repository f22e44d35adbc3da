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
	"slices"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// Rebalance ops per leaf: 0 removes the leaf (absorbed by a merge), 1 keeps
// it, 8 splits it into its children. Leaves replaced through enforced keys
// carry the length of their replacement instead.
const (
	opRemove = 0
	opKeep   = 1
	opSplit  = 8
)

// Criteria selects which leaves are split or merged during a rebalance.
type Criteria struct {
	// BucketSize is the maximum particle count of a leaf.
	BucketSize uint32

	// FocusStart and FocusEnd bound the focus key range. Leaves inside it
	// are refined by count alone.
	FocusStart, FocusEnd sfc.Key

	// Macs holds per-node MAC flags of Tree. Outside the focus a leaf is
	// only split if its flag is set, and a sibling group may merge if the
	// flag of its parent is clear. Nil treats the whole key space as focus.
	Macs []uint8

	// Tree is the linked tree the Macs are indexed by.
	Tree *Octree
}

// GlobalCriteria returns criteria that refine the whole key space by count.
func GlobalCriteria(bucketSize uint32) Criteria {
	return Criteria{BucketSize: bucketSize, FocusStart: 0, FocusEnd: sfc.MaxKey}
}

// siblingAndLevel returns the position of leaf i within its group of eight
// siblings and the leaf's level. The position is -1 when the eight siblings
// are not all leaves of the array.
func siblingAndLevel(leaves []sfc.Key, i int) (int, int) {
	level := LeafLevel(leaves, i)
	if level == 0 {
		return -1, 0
	}
	sib := sfc.OctalDigit(leaves[i], level)
	first := i - sib
	if first < 0 || first+8 >= len(leaves) {
		return -1, level
	}
	parentStart := leaves[i] - sfc.Key(sib)*sfc.NodeRange(level)
	if leaves[first] != parentStart || leaves[first+8] != parentStart+sfc.NodeRange(level-1) {
		return -1, level
	}
	return sib, level
}

// RebalanceDecision computes one op per leaf.
//
// Description:
//
//	A complete sibling group merges into its parent when the sum of its
//	counts fits the bucket, or when it lies wholly outside the focus and
//	the parent passes the MAC. The first sibling then keeps op 1 and
//	stands for the parent, the other seven get op 0. A leaf that is not
//	merging splits when it is above the bucket, not at the maximum level,
//	and either inside the focus or rejected by the MAC.
//
// Outputs:
//
//	bool - True if every op is 1.
func RebalanceDecision(b backend.Backend, leaves []sfc.Key, counts []uint32, c Criteria, ops []int) bool {
	numLeaves := NumLeaves(leaves)
	b.For(numLeaves, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ops[i] = c.leafOp(leaves, counts, i)
		}
	})
	return backend.Count(b, ops, opKeep) == numLeaves
}

func (c Criteria) leafOp(leaves []sfc.Key, counts []uint32, i int) int {
	sib, level := siblingAndLevel(leaves, i)
	if sib >= 0 && c.groupMerges(leaves, counts, i-sib) {
		if sib == 0 {
			return opKeep
		}
		return opRemove
	}

	if level < sfc.MaxTreeLevel && counts[i] > c.BucketSize && c.refines(leaves, i) {
		return opSplit
	}
	return opKeep
}

func (c Criteria) groupMerges(leaves []sfc.Key, counts []uint32, first int) bool {
	var sum uint64
	for _, n := range counts[first : first+8] {
		sum += uint64(n)
	}
	if sum <= uint64(c.BucketSize) {
		return true
	}
	if c.Macs == nil {
		return false
	}
	start, end := leaves[first], leaves[first+8]
	outside := end <= c.FocusStart || start >= c.FocusEnd
	if !outside {
		return false
	}
	parent := c.Tree.Parent(c.Tree.LeafToInternal[first])
	return parent >= 0 && c.Macs[parent] == 0
}

func (c Criteria) refines(leaves []sfc.Key, i int) bool {
	if c.Macs == nil {
		return true
	}
	if leaves[i] >= c.FocusStart && leaves[i+1] <= c.FocusEnd {
		return true
	}
	return c.Macs[c.Tree.LeafToInternal[i]] != 0
}

// cancelMerge restores the sibling group of leaf i if it is merging.
func cancelMerge(leaves []sfc.Key, ops []int, i int) {
	sib, _ := siblingAndLevel(leaves, i)
	if sib < 0 {
		return
	}
	first := i - sib
	if ops[first+1] != opRemove {
		return
	}
	for j := first + 1; j < first+8; j++ {
		ops[j] = opKeep
	}
}

// EnforceKeys makes every key in keys a boundary of the rebalanced array.
//
// Description:
//
//	A key on an existing leaf boundary only needs the merge of its group
//	cancelled. A key strictly inside a leaf replaces that leaf by the
//	minimal node cover of its split points, which include the children
//	boundaries if the leaf was about to split. Keys 0 and MaxKey are
//	always boundaries and are ignored.
//
// Outputs:
//
//	map[int][]sfc.Key - Replacement leaf starts per affected leaf. The op
//	                    of each affected leaf is set to the replacement
//	                    length.
func EnforceKeys(leaves []sfc.Key, ops []int, keys []sfc.Key) map[int][]sfc.Key {
	splitPoints := make(map[int][]sfc.Key)
	for _, k := range keys {
		if k == 0 || k >= sfc.MaxKey {
			continue
		}
		idx := FindNodeBelow(leaves, k)
		if leaves[idx] == k {
			if ops[idx] == opRemove {
				cancelMerge(leaves, ops, idx)
			}
			continue
		}
		cancelMerge(leaves, ops, idx)
		splitPoints[idx] = append(splitPoints[idx], k)
	}

	overrides := make(map[int][]sfc.Key, len(splitPoints))
	for idx, points := range splitPoints {
		start, end := leaves[idx], leaves[idx+1]
		points = append(points, start)
		if ops[idx] == opSplit {
			r := sfc.NodeRange(LeafLevel(leaves, idx) + 1)
			for j := sfc.Key(1); j < 8; j++ {
				points = append(points, start+j*r)
			}
		}
		slices.Sort(points)
		points = slices.Compact(points)
		points = append(points, end)

		var replacement []sfc.Key
		for j := 0; j+1 < len(points); j++ {
			replacement = append(replacement, sfc.SpanRange(points[j], points[j+1])...)
		}
		overrides[idx] = replacement
		ops[idx] = len(replacement)
	}
	return overrides
}

// RebalanceTree emits the new leaf array from ops and overrides.
func RebalanceTree(b backend.Backend, leaves []sfc.Key, ops []int, overrides map[int][]sfc.Key) []sfc.Key {
	numLeaves := NumLeaves(leaves)
	offsets := make([]int, numLeaves+1)
	total := backend.ExclusiveScan(b, ops, offsets, 0)

	out := make([]sfc.Key, total+1)
	b.For(numLeaves, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if ov, ok := overrides[i]; ok {
				copy(out[offsets[i]:], ov)
				continue
			}
			switch ops[i] {
			case opKeep:
				out[offsets[i]] = leaves[i]
			case opSplit:
				r := sfc.NodeRange(LeafLevel(leaves, i) + 1)
				for j := 0; j < 8; j++ {
					out[offsets[i]+j] = leaves[i] + sfc.Key(j)*r
				}
			}
		}
	})
	out[total] = sfc.MaxKey
	return out
}

// Rebalance performs one rebalance step of leaves.
//
// Inputs:
//
//	b - Backend.
//	leaves - Current leaf array.
//	counts - Particle count per leaf.
//	c - Split and merge criteria.
//	enforced - Keys that must be leaf boundaries of the result.
//
// Outputs:
//
//	[]sfc.Key - The new leaf array.
//	bool - True if the new array equals the old one.
func Rebalance(b backend.Backend, leaves []sfc.Key, counts []uint32, c Criteria, enforced []sfc.Key) ([]sfc.Key, bool) {
	ops := make([]int, NumLeaves(leaves))
	RebalanceDecision(b, leaves, counts, c, ops)
	overrides := EnforceKeys(leaves, ops, enforced)
	next := RebalanceTree(b, leaves, ops, overrides)
	return next, slices.Equal(next, leaves)
}

// ComputeLeaves builds the leaf array of sorted keys from scratch, so that
// every leaf holds at most bucketSize keys or sits at the maximum level.
func ComputeLeaves(b backend.Backend, keys []sfc.Key, bucketSize uint32) ([]sfc.Key, []uint32) {
	leaves := RootLeaves()
	counts := make([]uint32, 1)
	c := GlobalCriteria(bucketSize)
	for {
		ComputeNodeCounts(b, leaves, counts, keys, ^uint32(0))
		next, converged := Rebalance(b, leaves, counts, c, nil)
		if converged {
			return leaves, counts
		}
		leaves = next
		counts = make([]uint32, NumLeaves(leaves))
	}
}
