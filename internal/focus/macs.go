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
	"fmt"

	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/traversal"
)

// resetMacs clears the MAC flags, or checks that they can be accumulated
// into.
func (f *FocusedOctree) resetMacs(accumulate bool) error {
	if accumulate {
		if len(f.macs) != f.tree.NumNodes {
			return fmt.Errorf("%d MAC flags for %d nodes: %w", len(f.macs), f.tree.NumNodes, ErrFlagsNotAllocated)
		}
		return nil
	}
	f.macs = make([]uint8, f.tree.NumNodes)
	return nil
}

// markFocusMacs flags all nodes failing the MAC for a leaf of the focus.
func (f *FocusedOctree) markFocusMacs(asg globaltree.Assignment, centers []octree.SourceCenter, r2 []float64) {
	start, end := asg.Range(f.rank)
	first := octree.FindNodeAbove(f.leaves, start)
	last := octree.FindNodeAbove(f.leaves, end)
	traversal.MarkMacs(f.b, f.tree, centers, r2, f.box, f.leaves[first:last+1], f.macs)
	f.status.markMacs()
}

// UpdateMinMac evaluates the minimum-distance MAC with geometric centers.
// With accumulate set, flags are OR-ed into the current ones.
func (f *FocusedOctree) UpdateMinMac(asg globaltree.Assignment, invThetaEff float64, accumulate bool) error {
	if err := f.requireTopology("UpdateMinMac"); err != nil {
		return err
	}
	if err := f.resetMacs(accumulate); err != nil {
		return err
	}
	centers := traversal.GeometricCenters(f.b, f.tree.Prefixes, f.box)
	r2 := make([]float64, f.tree.NumNodes)
	traversal.SetMacRadius(f.b, f.tree.Prefixes, centers, invThetaEff, f.box, r2)
	f.markFocusMacs(asg, centers, r2)
	return nil
}

// SetMacRadius computes the acceptance radius of every node from the
// expansion centers of the last UpdateCenters.
func (f *FocusedOctree) SetMacRadius(invTheta float64) error {
	if len(f.centers) != f.tree.NumNodes {
		return fmt.Errorf("MAC radius without expansion centers: %w", ErrInvalidState)
	}
	r2 := make([]float64, f.tree.NumNodes)
	traversal.SetMacRadius(f.b, f.tree.Prefixes, f.centers, invTheta, f.box, r2)
	f.macRadii = r2
	return nil
}

// UpdateMacs evaluates the vector MAC with the expansion centers of the
// last UpdateCenters. With accumulate set, flags are OR-ed into the
// current ones.
func (f *FocusedOctree) UpdateMacs(asg globaltree.Assignment, invTheta float64, accumulate bool) error {
	if err := f.requireTopology("UpdateMacs"); err != nil {
		return err
	}
	if err := f.SetMacRadius(invTheta); err != nil {
		return err
	}
	if err := f.resetMacs(accumulate); err != nil {
		return err
	}
	f.markFocusMacs(asg, f.centers, f.macRadii)
	return nil
}

// MacRadii returns the squared acceptance radius per node, or nil before
// SetMacRadius.
func (f *FocusedOctree) MacRadii() []float64 { return f.macRadii }
