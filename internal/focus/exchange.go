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
	"context"
	"fmt"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/transport"
)

// peerExchange sends every peer the values of the cells of its treelet of
// this rank's range, and stores the values received from each peer in the
// leaves of the peer's range.
//
// Both sides agree on the cell order because the treelet a peer sent in the
// last UpdateTree is exactly its leaf array over this rank's range.
func peerExchange[T any](ctx context.Context, f *FocusedOctree, tag transport.Tag, values []T) error {
	for _, p := range f.peers {
		idx := f.treeletIdx[p]
		buf := make([]T, len(idx))
		backend.Gather(f.b, idx, values, buf)
		if err := transport.SendSlice(ctx, f.comm, p, tag, buf); err != nil {
			return fmt.Errorf("%s send to %d: %w", tag, p, err)
		}
	}
	for _, p := range f.peers {
		recv, err := transport.RecvSlice[T](ctx, f.comm, p, tag)
		if err != nil {
			return fmt.Errorf("%s recv from %d: %w", tag, p, err)
		}
		r := f.assignment[p]
		if len(recv) != r.Count() {
			return fmt.Errorf("%s from %d: got %d values for %d leaves: %w",
				tag, p, len(recv), r.Count(), ErrLayoutMismatch)
		}
		backend.Scatter(f.b, f.tree.LeafToInternal[r.Start:r.End], recv, values)
	}
	return nil
}

// globalExchange fills the values of the leaves owned by neither this rank
// nor its peers from the global tree, and returns the per-node values of
// the global tree.
//
// Description:
//
//	Every rank contributes the values of the global leaves in its range,
//	read off its focused tree. The gathered leaf values are combined up
//	the global tree, and each uncovered local leaf takes the value of its
//	global node, or of the deepest global node containing it.
func globalExchange[T any](ctx context.Context, f *FocusedOctree, g *globaltree.GlobalTree,
	values []T, combine octree.CombineFunc[T], tag transport.Tag) ([]T, error) {

	own := f.globalAsg.GlobalLeaves(g.Leaves, f.rank)
	local := make([]T, len(own)-1)
	for i := range local {
		n := f.tree.LocateNode(own[i], own[i+1])
		if n == f.tree.NumNodes {
			n = f.tree.ContainingNode(own[i], own[i+1])
		}
		local[i] = values[n]
	}

	gathered, _, err := transport.AllGatherV(ctx, f.comm, tag, local)
	if err != nil {
		return nil, fmt.Errorf("%s gather: %w", tag, err)
	}
	gt := g.Tree
	if len(gathered) != gt.NumLeafNodes {
		return nil, fmt.Errorf("%s: gathered %d leaf values, global tree has %d: %w",
			tag, len(gathered), gt.NumLeafNodes, ErrLayoutMismatch)
	}

	global := make([]T, gt.NumNodes)
	backend.Scatter(f.b, gt.LeafToInternal, gathered, global)
	octree.Upsweep(f.b, gt.LevelRange, gt.ChildOffsets, global, combine)

	uncovered := invertRanges(f.assignment, f.peers, f.rank, f.tree.NumLeafNodes)
	f.b.For(len(uncovered), func(lo, hi int) {
		for _, i := range uncovered[lo:hi] {
			start, end := f.leaves[i], f.leaves[i+1]
			n := gt.LocateNode(start, end)
			if n == gt.NumNodes {
				n = gt.ContainingNode(start, end)
			}
			values[f.tree.LeafToInternal[i]] = global[n]
		}
	})
	return global, nil
}
