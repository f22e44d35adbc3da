// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sfc implements the space-filling-curve key space the octree lives in.
//
// A Key is a 63-bit Morton code: 21 bits per dimension, interleaved so that
// each tree level consumes one octal digit. Keys sort spatially and octree
// nodes are contiguous key ranges [start, start+NodeRange(level)).
//
// Nodes are also addressed by placeholder-bit prefixes: the start key shifted
// down to its significant digits with a single marker bit prepended. Prefixes
// encode start and level in one integer and sort level-major, which is what
// the linked octree relies on for its node ordering.
package sfc

import (
	"math/bits"
)

// Key is a 3-D space-filling-curve key.
type Key uint64

const (
	// MaxTreeLevel is the deepest octree level representable by a Key.
	MaxTreeLevel = 21

	// keyBits is the number of bits of a Key carrying SFC information.
	keyBits = 3 * MaxTreeLevel
)

// MaxKey is the exclusive upper bound of the key space, NodeRange(0).
const MaxKey Key = 1 << keyBits

// NodeRange returns the number of keys covered by a node at the given level.
func NodeRange(level int) Key {
	return Key(1) << (3 * (MaxTreeLevel - level))
}

// TreeLevel returns the level of a node that covers keyRange keys.
//
// keyRange must be a power of 8 no larger than MaxKey.
func TreeLevel(keyRange Key) int {
	return MaxTreeLevel - bits.TrailingZeros64(uint64(keyRange))/3
}

// IsNodeRange reports whether [start, end) is exactly one octree node.
func IsNodeRange(start, end Key) bool {
	if end <= start || end > MaxKey {
		return false
	}
	r := end - start
	if r&(r-1) != 0 || bits.TrailingZeros64(uint64(r))%3 != 0 {
		return false
	}
	return start%r == 0
}

// OctalDigit returns the digit of key at the given level, in [0, 8).
//
// Level 1 is the most significant digit.
func OctalDigit(key Key, level int) int {
	return int((key >> (3 * (MaxTreeLevel - level))) & 7)
}

// AlignedLevel returns the shallowest level whose node boundaries include key.
func AlignedLevel(key Key) int {
	if key == 0 {
		return 0
	}
	lvl := MaxTreeLevel - bits.TrailingZeros64(uint64(key))/3
	if lvl < 0 {
		return 0
	}
	return lvl
}

// EncodePlaceholderBit converts the first prefixLength bits of key into a
// placeholder-bit prefix.
func EncodePlaceholderBit(key Key, prefixLength int) Key {
	return (Key(1) << prefixLength) | (key >> (keyBits - prefixLength))
}

// DecodePrefixLength returns the number of significant bits of a prefix.
func DecodePrefixLength(prefix Key) int {
	return 63 - bits.LeadingZeros64(uint64(prefix))
}

// DecodePlaceholderBit returns the start key of the node a prefix encodes.
func DecodePlaceholderBit(prefix Key) Key {
	n := DecodePrefixLength(prefix)
	return (prefix ^ (Key(1) << n)) << (keyBits - n)
}

// DecodeRange returns the key range [start, end) of the node a prefix encodes.
func DecodeRange(prefix Key) (Key, Key) {
	start := DecodePlaceholderBit(prefix)
	return start, start + NodeRange(PrefixLevel(prefix))
}

// PrefixLevel returns the tree level of a placeholder-bit prefix.
func PrefixLevel(prefix Key) int {
	return DecodePrefixLength(prefix) / 3
}

// MakePrefix returns the placeholder-bit prefix of the node starting at start
// on the given level.
func MakePrefix(start Key, level int) Key {
	return EncodePlaceholderBit(start, 3*level)
}

// CommonPrefix returns the number of leading SFC bits shared by a and b.
func CommonPrefix(a, b Key) int {
	if a == b {
		return keyBits
	}
	return bits.LeadingZeros64(uint64(a^b)) - (64 - keyBits)
}

// ContainedIn reports whether [nodeStart, nodeEnd) lies inside [rangeStart, rangeEnd).
func ContainedIn(nodeStart, nodeEnd, rangeStart, rangeEnd Key) bool {
	return rangeStart <= nodeStart && nodeEnd <= rangeEnd
}

// SpanRange returns the start keys of the minimal sequence of octree nodes
// that exactly covers [a, b), largest aligned nodes first.
func SpanRange(a, b Key) []Key {
	var out []Key
	for a < b {
		level := AlignedLevel(a)
		for a+NodeRange(level) > b {
			level++
		}
		out = append(out, a)
		a += NodeRange(level)
	}
	return out
}
