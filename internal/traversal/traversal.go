// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traversal walks linked octrees top-down.
//
// # Description
//
// All queries in this package share one depth-first walk: a criterion is
// evaluated on a node, and only nodes for which it holds are descended
// into. On top of that walk the package finds box collisions, halo leaves
// and the nodes that fail the multipole acceptance criterion (MAC) for a
// set of target boxes.
//
// # Thread Safety
//
// Queries only read the tree. Functions writing flag arrays from several
// goroutines merge per-chunk buffers under a mutex.
package traversal

import (
	"sync"

	"github.com/AleutianAI/focustree/internal/backend"
)

// SingleTraversal walks the tree given by childOffsets from the root.
//
// Description:
//
//	descend is evaluated on the root and then on the children of every
//	node it returned true for. endpoint is called on every leaf for which
//	descend returned true.
//
// Inputs:
//
//	childOffsets - First child index per node, 0 for leaves.
//	descend - Criterion deciding whether a node is opened.
//	endpoint - Called on accepted leaves.
func SingleTraversal(childOffsets []int, descend func(node int) bool, endpoint func(node int)) {
	if !descend(0) {
		return
	}
	if childOffsets[0] == 0 {
		endpoint(0)
		return
	}

	stack := make([]int, 0, 64)
	stack = append(stack, childOffsets[0])
	for len(stack) > 0 {
		block := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i := block; i < block+8; i++ {
			if !descend(i) {
				continue
			}
			if c := childOffsets[i]; c != 0 {
				stack = append(stack, c)
			} else {
				endpoint(i)
			}
		}
	}
}

// forTargets runs visit over [0, n) with one private flag buffer per chunk
// and merges the buffers into flags by maximum. For 0/1 flags that is an OR.
func forTargets(b backend.Backend, n int, flags []uint8, visit func(i int, local []uint8) bool) {
	var mu sync.Mutex
	b.For(n, func(lo, hi int) {
		local := make([]uint8, len(flags))
		touched := false
		for i := lo; i < hi; i++ {
			if visit(i, local) {
				touched = true
			}
		}
		if !touched {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for j, f := range local {
			flags[j] = max(flags[j], f)
		}
	})
}
