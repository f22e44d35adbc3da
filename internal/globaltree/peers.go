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
	"sync"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/traversal"
)

// MinMacFails is the symmetric minimum-distance MAC between two boxes: it
// fails when their distance is below invTheta times the larger edge.
func MinMacFails(c1, s1, c2, s2 sfc.Vec3, invTheta float64, box sfc.Box) bool {
	dist2 := sfc.MinDistance(c1, s1, c2, s2, box).Norm2()
	l := 2 * max(s1.MaxComponent(), s2.MaxComponent())
	return dist2 < invTheta*invTheta*l*l
}

// FindPeers returns the ranks, in ascending order, that own a global leaf
// failing the minimum-distance MAC with a leaf of rank.
//
// Description:
//
//	Each leaf of the rank's range is a target. The global tree is
//	descended from the root into every node that lies outside the rank's
//	range and fails the MAC with the target; the owners of the leaves
//	reached are peers. Because the MAC is symmetric, rank q is a peer of
//	p exactly when p is a peer of q.
//
// Inputs:
//
//	b - Backend parallelizing over target leaves.
//	rank - The rank whose peers are wanted.
//	a - Assignment of the global leaves.
//	g - Global tree.
//	box - Global box.
//	invTheta - Inverse opening angle.
//
// Outputs:
//
//	[]int - Peer ranks, never including rank.
func FindPeers(b backend.Backend, rank int, a Assignment, g *GlobalTree, box sfc.Box, invTheta float64) []int {
	o := g.Tree
	geo := traversal.NewGeometry(b, o, box)
	myStart, myEnd := a.Range(rank)
	first := a.TreeOffsets[rank]
	last := first + a.NumNodesPerRank[rank]

	isPeer := make([]bool, a.NumRanks())
	var mu sync.Mutex
	b.For(last-first, func(lo, hi int) {
		local := make([]bool, a.NumRanks())
		for i := first + lo; i < first+hi; i++ {
			target := o.LeafToInternal[i]
			tc, ts := geo.Centers[target], geo.Sizes[target]
			descend := func(n int) bool {
				start, end := o.NodeRange(n)
				if sfc.ContainedIn(start, end, myStart, myEnd) {
					return false
				}
				return MinMacFails(geo.Centers[n], geo.Sizes[n], tc, ts, invTheta, box)
			}
			traversal.SingleTraversal(o.ChildOffsets, descend, func(n int) {
				start, _ := o.NodeRange(n)
				local[a.Owner(start)] = true
			})
		}
		mu.Lock()
		defer mu.Unlock()
		for r, p := range local {
			isPeer[r] = isPeer[r] || p
		}
	})

	var peers []int
	for r, p := range isPeer {
		if p && r != rank {
			peers = append(peers, r)
		}
	}
	return peers
}
