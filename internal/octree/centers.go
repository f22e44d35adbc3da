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
	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// SourceCenter is the expansion center of a cell: a position and the total
// mass it represents. Fixed-size so that it can travel over a transport.
type SourceCenter struct {
	Pos  sfc.Vec3
	Mass float64
}

// GeoCenters computes the geometric center and half-size of every node.
func GeoCenters(b backend.Backend, prefixes []sfc.Key, box sfc.Box, centers, sizes []sfc.Vec3) {
	b.For(len(prefixes), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			centers[i], sizes[i] = sfc.NodeGeometry(prefixes[i], box)
		}
	})
}

// MassCenter returns the center of mass of particles [first, last). With
// zero total mass the fallback position is returned.
func MassCenter(x, y, z, m []float64, first, last uint32, fallback sfc.Vec3) SourceCenter {
	var c SourceCenter
	for i := first; i < last; i++ {
		c.Pos[0] += x[i] * m[i]
		c.Pos[1] += y[i] * m[i]
		c.Pos[2] += z[i] * m[i]
		c.Mass += m[i]
	}
	if c.Mass == 0 {
		return SourceCenter{Pos: fallback}
	}
	c.Pos = c.Pos.Scale(1 / c.Mass)
	return c
}

// CombineCenters is the mass-weighted combination of child centers. A
// parent of massless children takes the unweighted mean of their positions,
// which for geometric fallbacks is the parent's own geometric center.
func CombineCenters(children []SourceCenter) SourceCenter {
	var c SourceCenter
	for _, ch := range children {
		c.Pos = c.Pos.Add(ch.Pos.Scale(ch.Mass))
		c.Mass += ch.Mass
	}
	if c.Mass == 0 {
		var mean sfc.Vec3
		for _, ch := range children {
			mean = mean.Add(ch.Pos)
		}
		return SourceCenter{Pos: mean.Scale(1 / float64(len(children)))}
	}
	c.Pos = c.Pos.Scale(1 / c.Mass)
	return c
}
