// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"math"
	"slices"

	"github.com/AleutianAI/focustree/internal/sfc"
)

// LocateNode returns the index of the node covering exactly [start, end) in
// a level-major sorted prefix array, or len(prefixes) if there is none.
func LocateNode(start, end sfc.Key, prefixes []sfc.Key, levelRange []int) int {
	if !sfc.IsNodeRange(start, end) {
		return len(prefixes)
	}
	level := sfc.TreeLevel(end - start)
	if level+1 >= len(levelRange) {
		return len(prefixes)
	}
	lo, hi := levelRange[level], levelRange[level+1]
	want := sfc.MakePrefix(start, level)
	if idx, ok := slices.BinarySearch(prefixes[lo:hi], want); ok {
		return lo + idx
	}
	return len(prefixes)
}

// LocateNodes runs LocateNode for every consecutive key pair of bounds:
// out[i] = LocateNode(bounds[i], bounds[i+1]).
func LocateNodes(b Backend, bounds []sfc.Key, prefixes []sfc.Key, levelRange []int, out []int) {
	b.For(len(bounds)-1, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = LocateNode(bounds[i], bounds[i+1], prefixes, levelRange)
		}
	})
}

// BoundingBoxes computes, for every leaf in [first, last), the center and
// half-size of the box enclosing its particles, each padded by hFactor*h.
//
// layout holds particle offsets relative to first: the particles of leaf i
// are [layout[i-first], layout[i-first+1]). Empty leaves keep the center
// already stored in centers and get a zero size.
func BoundingBoxes(b Backend, x, y, z, h []float64, layout []uint32, first, last int,
	hFactor float64, centers, sizes []sfc.Vec3) {

	b.For(last-first, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			leaf := first + i
			pStart, pEnd := layout[i], layout[i+1]
			if pStart == pEnd {
				sizes[leaf] = sfc.Vec3{}
				continue
			}
			bmin := sfc.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
			bmax := sfc.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
			for p := pStart; p < pEnd; p++ {
				r := hFactor * h[p]
				pos := sfc.Vec3{x[p], y[p], z[p]}
				for d := 0; d < 3; d++ {
					bmin[d] = math.Min(bmin[d], pos[d]-r)
					bmax[d] = math.Max(bmax[d], pos[d]+r)
				}
			}
			centers[leaf] = bmax.Add(bmin).Scale(0.5)
			sizes[leaf] = bmax.Sub(bmin).Scale(0.5)
		}
	})
}
