// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package globaltree

import (
	"sort"

	"github.com/AleutianAI/focustree/internal/sfc"
)

// Assignment splits the global leaves into one contiguous range per rank.
type Assignment struct {
	// Keys holds the first key of each rank's range plus MaxKey.
	Keys []sfc.Key

	// TreeOffsets holds the first global leaf index of each rank.
	TreeOffsets []int

	// NumNodesPerRank holds the number of global leaves of each rank.
	NumNodesPerRank []int
}

// NumRanks returns the number of ranks of a.
func (a Assignment) NumRanks() int { return len(a.TreeOffsets) }

// Range returns the key range [start, end) of rank r.
func (a Assignment) Range(r int) (sfc.Key, sfc.Key) { return a.Keys[r], a.Keys[r+1] }

// Owner returns the rank whose range contains key.
func (a Assignment) Owner(key sfc.Key) int {
	r := sort.Search(len(a.Keys), func(i int) bool { return a.Keys[i] > key }) - 1
	return min(max(r, 0), a.NumRanks()-1)
}

// GlobalLeaves returns the global leaf keys of rank r including its end.
func (a Assignment) GlobalLeaves(leaves []sfc.Key, r int) []sfc.Key {
	return leaves[a.TreeOffsets[r] : a.TreeOffsets[r]+a.NumNodesPerRank[r]+1]
}

// MakeAssignment distributes the global leaves over numRanks ranks so that
// each receives about the same number of particles. Range boundaries are
// leaf boundaries. Ranks may receive empty ranges when there are more ranks
// than leaves.
func MakeAssignment(leaves []sfc.Key, counts []uint32, numRanks int) Assignment {
	numLeaves := len(leaves) - 1
	prefix := make([]uint64, numLeaves+1)
	for i, c := range counts {
		prefix[i+1] = prefix[i] + uint64(c)
	}
	total := prefix[numLeaves]

	a := Assignment{
		Keys:            make([]sfc.Key, numRanks+1),
		TreeOffsets:     make([]int, numRanks+1),
		NumNodesPerRank: make([]int, numRanks),
	}
	for r := 1; r < numRanks; r++ {
		target := total * uint64(r) / uint64(numRanks)
		// first leaf whose preceding particle count reaches the target
		idx := sort.Search(numLeaves+1, func(i int) bool { return prefix[i] >= target })
		a.TreeOffsets[r] = max(idx, a.TreeOffsets[r-1])
	}
	a.TreeOffsets[numRanks] = numLeaves
	for r := 0; r < numRanks; r++ {
		a.Keys[r] = leaves[a.TreeOffsets[r]]
		a.NumNodesPerRank[r] = a.TreeOffsets[r+1] - a.TreeOffsets[r]
	}
	a.Keys[numRanks] = sfc.MaxKey
	a.TreeOffsets = a.TreeOffsets[:numRanks]
	return a
}
