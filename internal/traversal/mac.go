// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

import (
	"math"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// MacRadius2 returns the squared acceptance radius of a node: the node edge
// length scaled by invTheta plus the offset of its expansion center from
// the geometric center. A node with a non-finite center always fails.
func MacRadius2(prefix sfc.Key, center sfc.Vec3, invTheta float64, box sfc.Box) float64 {
	for _, c := range center {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return math.Inf(1)
		}
	}
	geoCenter, geoSize := sfc.NodeGeometry(prefix, box)
	s := math.Sqrt(center.Sub(geoCenter).Norm2())
	l := 2 * geoSize.MaxComponent()
	r := l*invTheta + s
	return r * r
}

// SetMacRadius computes MacRadius2 for every node.
func SetMacRadius(b backend.Backend, prefixes []sfc.Key, centers []octree.SourceCenter,
	invTheta float64, box sfc.Box, r2 []float64) {

	b.For(len(prefixes), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			r2[i] = MacRadius2(prefixes[i], centers[i].Pos, invTheta, box)
		}
	})
}

// MacFails reports whether a source at center with squared radius r2 is too
// close to the target box to be accepted.
func MacFails(center sfc.Vec3, r2 float64, targetCenter, targetSize sfc.Vec3, box sfc.Box) bool {
	d := box.ApplyPBC(targetCenter.Sub(center))
	var dist2 float64
	for i := 0; i < 3; i++ {
		gap := math.Max(0, math.Abs(d[i])-targetSize[i])
		dist2 += gap * gap
	}
	return dist2 < r2
}

// MarkMacPerBox flags every node visited from the root that fails the MAC
// against one target box. Nodes inside [focusStart, focusEnd) are neither
// evaluated nor descended into.
func MarkMacPerBox(o *octree.Octree, centers []octree.SourceCenter, r2 []float64,
	targetCenter, targetSize sfc.Vec3, box sfc.Box, focusStart, focusEnd sfc.Key, macs []uint8) {

	markMacPerBox(o, centers, r2, targetCenter, targetSize, box, focusStart, focusEnd, 1, macs)
}

// markMacPerBox raises macs[i] to mark for every failing node i.
func markMacPerBox(o *octree.Octree, centers []octree.SourceCenter, r2 []float64,
	targetCenter, targetSize sfc.Vec3, box sfc.Box, focusStart, focusEnd sfc.Key, mark uint8, macs []uint8) {

	checkAndMark := func(i int) bool {
		start, end := o.NodeRange(i)
		if sfc.ContainedIn(start, end, focusStart, focusEnd) {
			return false
		}
		fails := MacFails(centers[i].Pos, r2[i], targetCenter, targetSize, box)
		if fails {
			macs[i] = max(macs[i], mark)
		}
		return fails
	}
	SingleTraversal(o.ChildOffsets, checkAndMark, func(int) {})
}

// MarkMacs flags the nodes of o that fail the MAC for at least one of the
// target leaves [targets[i], targets[i+1]).
//
// Description:
//
//	The focus is [targets[0], targets[len-1]). A target whose grid box,
//	grown by one cell in every direction, stays inside the focus has only
//	focus nodes as neighbours and is skipped. Flags are only set; callers
//	clear them when a fresh evaluation is needed.
//
// Inputs:
//
//	b - Backend parallelizing over targets.
//	o - Linked tree.
//	centers - Expansion center per node.
//	r2 - Squared acceptance radius per node.
//	box - Global box.
//	targets - Consecutive leaf keys of the target range.
//	macs - Per-node MAC flags.
func MarkMacs(b backend.Backend, o *octree.Octree, centers []octree.SourceCenter, r2 []float64,
	box sfc.Box, targets []sfc.Key, macs []uint8) {

	markTargets(b, o, centers, r2, box, targets, false, macs)
}

// MarkMacLevels is MarkMacs recording, per node, the deepest level of the
// target leaves it fails against instead of a 0/1 flag. A node failing only
// against level-0 targets keeps 0.
func MarkMacLevels(b backend.Backend, o *octree.Octree, centers []octree.SourceCenter, r2 []float64,
	box sfc.Box, targets []sfc.Key, levels []uint8) {

	markTargets(b, o, centers, r2, box, targets, true, levels)
}

func markTargets(b backend.Backend, o *octree.Octree, centers []octree.SourceCenter, r2 []float64,
	box sfc.Box, targets []sfc.Key, byLevel bool, macs []uint8) {

	if len(targets) < 2 {
		return
	}
	focusStart, focusEnd := targets[0], targets[len(targets)-1]

	forTargets(b, len(targets)-1, macs, func(i int, local []uint8) bool {
		level := sfc.TreeLevel(targets[i+1] - targets[i])
		prefix := sfc.MakePrefix(targets[i], level)
		ib := sfc.NodeIBox(prefix)
		for d := 0; d < 3; d++ {
			ib.Min[d]--
			ib.Max[d]++
		}
		if ib.ContainedInRange(focusStart, focusEnd) {
			return false
		}
		mark := uint8(1)
		if byLevel {
			mark = uint8(level)
		}
		tc, ts := sfc.NodeGeometry(prefix, box)
		markMacPerBox(o, centers, r2, tc, ts, box, focusStart, focusEnd, mark, local)
		return true
	})
}

// GeometricCenters returns massless source centers at the geometric center
// of every node, as used for the minimum-distance MAC.
func GeometricCenters(b backend.Backend, prefixes []sfc.Key, box sfc.Box) []octree.SourceCenter {
	centers := make([]octree.SourceCenter, len(prefixes))
	b.For(len(prefixes), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			c, _ := sfc.NodeGeometry(prefixes[i], box)
			centers[i] = octree.SourceCenter{Pos: c}
		}
	})
	return centers
}
