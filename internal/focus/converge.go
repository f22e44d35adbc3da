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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/sfc"
	"github.com/AleutianAI/focustree/internal/transport"
)

// Converge repeats UpdateTree, UpdateCounts and UpdateMinMac until the
// trees of all ranks are unchanged in the same round.
//
// Description:
//
//	Every rank must call Converge with the same assignment and global
//	tree. Each round ends with a collective sum of the per-rank converged
//	flags, so all ranks leave the loop together.
//
// Inputs:
//
//	ctx - Context for all exchanges.
//	box - Global box.
//	keys - Sorted keys of the local particles.
//	peers - Peer ranks.
//	asg - Global assignment.
//	globalLeaves, globalCounts - The global tree.
//	invThetaEff - Opening parameter of the minimum-distance MAC.
//
// Outputs:
//
//	error - ErrNotConverged after MaxRounds rounds, or the first error of
//	        a round.
func (f *FocusedOctree) Converge(ctx context.Context, box sfc.Box, keys []sfc.Key, peers []int,
	asg globaltree.Assignment, globalLeaves []sfc.Key, globalCounts []uint32, invThetaEff float64) (err error) {

	ctx, span, done := startOp(ctx, "Converge", f.rank)
	defer func() { done(err) }()

	for round := 1; round <= f.maxRounds; round++ {
		converged, err := f.UpdateTree(ctx, peers, asg, globalLeaves, box)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if err := f.UpdateCounts(ctx, keys, globalLeaves, globalCounts); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if err := f.UpdateMinMac(asg, invThetaEff, false); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}

		var flag uint32
		if converged {
			flag = 1
		}
		sum, err := transport.AllReduceSum(ctx, f.comm, flag)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if int(sum) == f.numRanks {
			convergeRounds.Observe(float64(round))
			span.SetAttributes(attribute.Int("rounds", round))
			f.logger.Info("focused tree converged",
				slog.Int("rounds", round),
				slog.Int("leaves", len(f.leaves)-1),
				slog.Int("depth", f.Depth()))
			return nil
		}
	}
	return fmt.Errorf("after %d rounds: %w", f.maxRounds, ErrNotConverged)
}
