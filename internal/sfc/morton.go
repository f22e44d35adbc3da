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

import "math"

// MaxCoord is the number of integer grid points per dimension.
const MaxCoord = 1 << MaxTreeLevel

// spreadBits inserts two zero bits between each of the low 21 bits of v.
func spreadBits(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// compactBits is the inverse of spreadBits.
func compactBits(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ (v >> 2)) & 0x10c30c30c30c30c3
	v = (v ^ (v >> 4)) & 0x100f00f00f00f00f
	v = (v ^ (v >> 8)) & 0x1f0000ff0000ff
	v = (v ^ (v >> 16)) & 0x1f00000000ffff
	v = (v ^ (v >> 32)) & 0x1fffff
	return v
}

// IMorton returns the key of integer grid point (ix, iy, iz).
//
// The octal digit at every level is x<<2 | y<<1 | z.
func IMorton(ix, iy, iz uint32) Key {
	return Key(spreadBits(uint64(ix))<<2 | spreadBits(uint64(iy))<<1 | spreadBits(uint64(iz)))
}

// DecodeMorton returns the integer grid point of a key.
func DecodeMorton(key Key) (uint32, uint32, uint32) {
	k := uint64(key)
	return uint32(compactBits(k >> 2)), uint32(compactBits(k >> 1)), uint32(compactBits(k))
}

// toGrid maps a normalized coordinate in [0, 1] onto [0, MaxCoord).
func toGrid(u float64) uint32 {
	v := math.Floor(u * MaxCoord)
	if v < 0 {
		return 0
	}
	if v > MaxCoord-1 {
		return MaxCoord - 1
	}
	return uint32(v)
}

// Encode returns the key of the point (x, y, z) inside box.
//
// Coordinates outside the box are clamped to its faces.
func Encode(x, y, z float64, box Box) Key {
	return IMorton(
		toGrid((x-box.Min[0])*box.InvLength(0)),
		toGrid((y-box.Min[1])*box.InvLength(1)),
		toGrid((z-box.Min[2])*box.InvLength(2)),
	)
}

// NodeIBox returns the integer box of the node with the given prefix.
func NodeIBox(prefix Key) IBox {
	start := DecodePlaceholderBit(prefix)
	side := int64(1) << (MaxTreeLevel - PrefixLevel(prefix))
	ix, iy, iz := DecodeMorton(start)
	return IBox{
		Min: [3]int64{int64(ix), int64(iy), int64(iz)},
		Max: [3]int64{int64(ix) + side, int64(iy) + side, int64(iz) + side},
	}
}
