// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sfc

import (
	"fmt"
	"math"
)

// Vec3 is a point or extent in box coordinates.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v * f.
func (v Vec3) Scale(f float64) Vec3 { return Vec3{v[0] * f, v[1] * f, v[2] * f} }

// Norm2 returns the squared euclidean length of v.
func (v Vec3) Norm2() float64 { return v[0]*v[0] + v[1]*v[1] + v[2]*v[2] }

// MaxComponent returns the largest of the three components.
func (v Vec3) MaxComponent() float64 { return math.Max(v[0], math.Max(v[1], v[2])) }

// BoundaryType selects how a box dimension treats its faces.
type BoundaryType uint8

const (
	// Open boundaries do not wrap.
	Open BoundaryType = iota

	// Periodic boundaries wrap coordinates around the box length.
	Periodic
)

// String returns "open" or "periodic".
func (b BoundaryType) String() string {
	switch b {
	case Open:
		return "open"
	case Periodic:
		return "periodic"
	default:
		return fmt.Sprintf("BoundaryType(%d)", uint8(b))
	}
}

// ParseBoundaryType parses the String form of a BoundaryType.
func ParseBoundaryType(s string) (BoundaryType, error) {
	switch s {
	case "open", "":
		return Open, nil
	case "periodic":
		return Periodic, nil
	default:
		return Open, fmt.Errorf("unknown boundary type %q", s)
	}
}

// Box is the global coordinate bounding box.
type Box struct {
	Min      Vec3
	Max      Vec3
	Boundary [3]BoundaryType
}

// NewBox returns a cubic box [lo, hi)^3 with the same boundary on every axis.
func NewBox(lo, hi float64, b BoundaryType) Box {
	return NewBoxXYZ(lo, hi, lo, hi, lo, hi, b)
}

// NewBoxXYZ returns a box with per-axis limits.
func NewBoxXYZ(xmin, xmax, ymin, ymax, zmin, zmax float64, b BoundaryType) Box {
	return Box{
		Min:      Vec3{xmin, ymin, zmin},
		Max:      Vec3{xmax, ymax, zmax},
		Boundary: [3]BoundaryType{b, b, b},
	}
}

// Length returns the extent of dimension d.
func (b Box) Length(d int) float64 { return b.Max[d] - b.Min[d] }

// InvLength returns 1 / Length(d).
func (b Box) InvLength(d int) float64 { return 1 / b.Length(d) }

// Lengths returns the extent of all three dimensions.
func (b Box) Lengths() Vec3 { return Vec3{b.Length(0), b.Length(1), b.Length(2)} }

// ApplyPBC maps a displacement onto its minimum image along periodic axes.
func (b Box) ApplyPBC(d Vec3) Vec3 {
	for i := 0; i < 3; i++ {
		if b.Boundary[i] == Periodic {
			l := b.Length(i)
			d[i] -= l * math.RoundToEven(d[i]/l)
		}
	}
	return d
}

// NodeGeometry returns the center and half-size of the node with the given
// prefix in box coordinates.
func NodeGeometry(prefix Key, box Box) (Vec3, Vec3) {
	ib := NodeIBox(prefix)
	var center, size Vec3
	for d := 0; d < 3; d++ {
		unit := box.Length(d) / MaxCoord
		lo := float64(ib.Min[d])
		hi := float64(ib.Max[d])
		center[d] = box.Min[d] + 0.5*(lo+hi)*unit
		size[d] = 0.5 * (hi - lo) * unit
	}
	return center, size
}

// Overlap reports whether two boxes given as center and half-size touch or
// intersect, taking periodic images into account.
func Overlap(c1, s1, c2, s2 Vec3, box Box) bool {
	d := box.ApplyPBC(c1.Sub(c2))
	for i := 0; i < 3; i++ {
		if math.Abs(d[i]) > s1[i]+s2[i] {
			return false
		}
	}
	return true
}

// MinDistance returns the per-axis gap between two center/half-size boxes.
// All components are zero when the boxes overlap.
func MinDistance(c1, s1, c2, s2 Vec3, box Box) Vec3 {
	d := box.ApplyPBC(c1.Sub(c2))
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = math.Max(0, math.Abs(d[i])-s1[i]-s2[i])
	}
	return out
}

// IBox is a half-open box on the integer SFC grid. Bounds may lie outside
// [0, MaxCoord] for search boxes that cross a periodic face.
type IBox struct {
	Min [3]int64
	Max [3]int64
}

// SearchIBox converts a center/half-size box into the smallest enclosing
// integer box. Open axes are clamped to the grid.
func SearchIBox(center, size Vec3, box Box) IBox {
	var ib IBox
	for d := 0; d < 3; d++ {
		scale := box.InvLength(d) * MaxCoord
		lo := int64(math.Floor((center[d] - size[d] - box.Min[d]) * scale))
		hi := int64(math.Ceil((center[d] + size[d] - box.Min[d]) * scale))
		if box.Boundary[d] == Open {
			lo = min(max(lo, 0), MaxCoord)
			hi = min(max(hi, 0), MaxCoord)
		}
		ib.Min[d], ib.Max[d] = lo, hi
	}
	return ib
}

// ContainedInRange reports whether every grid cell of ib has a key inside
// [start, end). Boxes that wrap around a periodic face are never contained.
func (ib IBox) ContainedInRange(start, end Key) bool {
	for d := 0; d < 3; d++ {
		if ib.Min[d] < 0 || ib.Max[d] > MaxCoord {
			return false
		}
		if ib.Max[d] <= ib.Min[d] {
			return true
		}
	}
	low := IMorton(uint32(ib.Min[0]), uint32(ib.Min[1]), uint32(ib.Min[2]))
	high := IMorton(uint32(ib.Max[0]-1), uint32(ib.Max[1]-1), uint32(ib.Max[2]-1))
	return start <= low && high < end
}
