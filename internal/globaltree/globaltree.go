// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package globaltree maintains the coarse octree replicated on every rank.
//
// # Description
//
// The global tree is built from the particle keys of all ranks by
// iterative rebalancing with all-reduced leaf counts, so every rank holds
// the same leaves and counts. It is split into one contiguous SFC range per
// rank (the assignment) and used to find the peers of each rank: the ranks
// whose domains are too close to be represented by multipole expansions.
//
// # Thread Safety
//
// A GlobalTree is immutable after Build.
package globaltree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
)

var tracer = otel.Tracer("focustree.globaltree")

// DefaultMaxRounds bounds the rebalance iterations of Build.
const DefaultMaxRounds = 64

// ErrNotConverged is returned when the global tree does not converge.
var ErrNotConverged = errors.New("global tree did not converge")

// GlobalTree is the replicated global octree.
type GlobalTree struct {
	Leaves []sfc.Key
	Counts []uint32
	Tree   *octree.Octree
}

// BuildOptions configures Build.
type BuildOptions struct {
	BucketSize uint32
	MaxRounds  int
	Backend    backend.Backend
	Logger     *slog.Logger
}

// Build constructs the global tree from the sorted local keys of every rank.
//
// Description:
//
//	Starting from the root, each round counts the local keys per leaf,
//	sums the counts over all ranks and rebalances. All ranks see identical
//	counts and therefore take identical decisions. The loop ends when a
//	rebalance leaves the tree unchanged.
//
// Inputs:
//
//	ctx - Context for the collective calls.
//	comm - Transport of this rank.
//	keys - Sorted particle keys of this rank.
//	opts - Bucket size, round limit, backend and logger.
//
// Outputs:
//
//	*GlobalTree - Converged leaves, global counts and linked tree.
//	error - Transport failure or ErrNotConverged.
//
// Thread Safety:
//
//	Collective: every rank must call Build with the same options.
func Build(ctx context.Context, comm transport.Transport, keys []sfc.Key, opts BuildOptions) (*GlobalTree, error) {
	ctx, span := tracer.Start(ctx, "globaltree.Build", trace.WithAttributes(
		attribute.Int("rank", comm.Rank()),
		attribute.Int("local_keys", len(keys)),
		attribute.Int("bucket_size", int(opts.BucketSize)),
	))
	defer span.End()

	b := opts.Backend
	if b == nil {
		b = backend.Serial{}
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	leaves := octree.RootLeaves()
	criteria := octree.GlobalCriteria(opts.BucketSize)
	for round := 0; round < maxRounds; round++ {
		local := make([]uint32, octree.NumLeaves(leaves))
		octree.ComputeNodeCounts(b, leaves, local, keys, ^uint32(0))
		counts, err := transport.AllReduceSumSlice(ctx, comm, local)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "count reduction failed")
			return nil, fmt.Errorf("global tree round %d: %w", round, err)
		}

		next, converged := octree.Rebalance(b, leaves, counts, criteria, nil)
		if converged {
			logger.Debug("global tree converged",
				slog.Int("rounds", round+1),
				slog.Int("leaves", octree.NumLeaves(leaves)))
			span.SetAttributes(attribute.Int("rounds", round+1), attribute.Int("leaves", octree.NumLeaves(leaves)))
			return &GlobalTree{Leaves: leaves, Counts: counts, Tree: octree.Build(b, leaves)}, nil
		}
		leaves = next
	}

	err := fmt.Errorf("%w after %d rounds", ErrNotConverged, maxRounds)
	span.RecordError(err)
	span.SetStatus(codes.Error, "not converged")
	return nil, err
}

// NodeCounts returns the global counts of every node of g.Tree.
func (g *GlobalTree) NodeCounts(b backend.Backend) []uint32 {
	counts := make([]uint32, g.Tree.NumNodes)
	backend.Scatter(b, g.Tree.LeafToInternal, g.Counts, counts)
	octree.UpsweepCounts(b, g.Tree, counts)
	return counts
}
