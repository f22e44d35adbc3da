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
	"cmp"
	"math"
	"slices"
	"sync/atomic"
)

// Integer is the set of element types the scans and reductions accept.
//
// Floating point types are excluded on purpose: a chunked float sum is not
// reproducible across chunkings, and both backends must agree bit for bit.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Number is the set of element types Scale accepts.
type Number interface {
	Integer | ~float32 | ~float64
}

// Fill sets every element of s to v.
func Fill[T any](b Backend, s []T, v T) {
	b.For(len(s), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s[i] = v
		}
	})
}

// Scale multiplies every element of s by f.
func Scale[T Number](b Backend, s []T, f T) {
	b.For(len(s), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s[i] *= f
		}
	})
}

// Gather sets dst[i] = src[idx[i]] for every i in idx.
func Gather[T any, I Integer](b Backend, idx []I, src, dst []T) {
	b.For(len(idx), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = src[idx[i]]
		}
	})
}

// Scatter sets dst[idx[i]] = src[i] for every i in idx.
func Scatter[T any, I Integer](b Backend, idx []I, src, dst []T) {
	b.For(len(idx), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[idx[i]] = src[i]
		}
	})
}

// GatherScatter sets dst[scatterIdx[i]] = src[gatherIdx[i]].
func GatherScatter[T any, I Integer](b Backend, gatherIdx, scatterIdx []I, src, dst []T) {
	b.For(len(gatherIdx), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[scatterIdx[i]] = src[gatherIdx[i]]
		}
	})
}

// Count returns the number of elements of s equal to v.
func Count[T comparable](b Backend, s []T, v T) int {
	var total atomic.Int64
	b.For(len(s), func(lo, hi int) {
		n := 0
		for i := lo; i < hi; i++ {
			if s[i] == v {
				n++
			}
		}
		total.Add(int64(n))
	})
	return int(total.Load())
}

// scanBlock is the block size of the two-pass scans. It is independent of
// the backend so that block boundaries never depend on the worker count.
const scanBlock = 4096

func numBlocks(n int) int { return (n + scanBlock - 1) / scanBlock }

// blockSums returns the sum of every scanBlock-sized block of in.
func blockSums[T Integer](b Backend, in []T) []T {
	sums := make([]T, numBlocks(len(in)))
	b.For(len(sums), func(lo, hi int) {
		for blk := lo; blk < hi; blk++ {
			var s T
			for _, v := range in[blk*scanBlock : min((blk+1)*scanBlock, len(in))] {
				s += v
			}
			sums[blk] = s
		}
	})
	return sums
}

// Reduce returns the sum of all elements of s.
func Reduce[T Integer](b Backend, s []T) T {
	var total T
	for _, v := range blockSums(b, s) {
		total += v
	}
	return total
}

// InclusiveScan writes out[i] = init + in[0] + ... + in[i].
//
// out must have at least len(in) elements and may alias in.
func InclusiveScan[T Integer](b Backend, in, out []T, init T) {
	offsets := blockSums(b, in)
	running := init
	for blk, s := range offsets {
		offsets[blk] = running
		running += s
	}
	b.For(len(offsets), func(lo, hi int) {
		for blk := lo; blk < hi; blk++ {
			acc := offsets[blk]
			for i := blk * scanBlock; i < min((blk+1)*scanBlock, len(in)); i++ {
				acc += in[i]
				out[i] = acc
			}
		}
	})
}

// ExclusiveScan writes out[i] = init + in[0] + ... + in[i-1] and returns the
// total. If out has len(in)+1 elements, the total is also stored at the end.
//
// out must not alias in.
func ExclusiveScan[T Integer](b Backend, in, out []T, init T) T {
	offsets := blockSums(b, in)
	running := init
	for blk, s := range offsets {
		offsets[blk] = running
		running += s
	}
	b.For(len(offsets), func(lo, hi int) {
		for blk := lo; blk < hi; blk++ {
			acc := offsets[blk]
			for i := blk * scanBlock; i < min((blk+1)*scanBlock, len(in)); i++ {
				out[i] = acc
				acc += in[i]
			}
		}
	})
	if len(out) > len(in) {
		out[len(in)] = running
	}
	return running
}

// MinMax returns the smallest and largest element of s. Empty input yields
// (+Inf, -Inf).
func MinMax(b Backend, s []float64) (float64, float64) {
	nb := numBlocks(len(s))
	los := make([]float64, nb)
	his := make([]float64, nb)
	b.For(nb, func(blo, bhi int) {
		for blk := blo; blk < bhi; blk++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, v := range s[blk*scanBlock : min((blk+1)*scanBlock, len(s))] {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			los[blk], his[blk] = lo, hi
		}
	})
	lo, hi := math.Inf(1), math.Inf(-1)
	for blk := range los {
		lo = math.Min(lo, los[blk])
		hi = math.Max(hi, his[blk])
	}
	return lo, hi
}

// sortBlock is the run length sorted independently before merging.
const sortBlock = 8192

// sortStableFunc stably sorts s. Runs of sortBlock elements are sorted
// concurrently and then merged pairwise, so the result equals that of
// slices.SortStableFunc.
func sortStableFunc[T any](b Backend, s []T, compare func(a, b T) int) {
	n := len(s)
	runs := (n + sortBlock - 1) / sortBlock
	if runs <= 1 {
		slices.SortStableFunc(s, compare)
		return
	}
	b.For(runs, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			slices.SortStableFunc(s[r*sortBlock:min((r+1)*sortBlock, n)], compare)
		}
	})

	src, dst := s, make([]T, n)
	for width := sortBlock; width < n; width *= 2 {
		pairs := (n + 2*width - 1) / (2 * width)
		b.For(pairs, func(lo, hi int) {
			for p := lo; p < hi; p++ {
				start := p * 2 * width
				mid := min(start+width, n)
				end := min(start+2*width, n)
				mergeRuns(src[start:mid], src[mid:end], dst[start:end], compare)
			}
		})
		src, dst = dst, src
	}
	if &src[0] != &s[0] {
		copy(s, src)
	}
}

// mergeRuns merges sorted runs a and b into out, preferring a on ties.
func mergeRuns[T any](a, b, out []T, compare func(x, y T) int) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if compare(b[j], a[i]) < 0 {
			out[k] = b[j]
			j++
		} else {
			out[k] = a[i]
			i++
		}
		k++
	}
	k += copy(out[k:], a[i:])
	copy(out[k:], b[j:])
}

// Sort sorts s in ascending order.
func Sort[T cmp.Ordered](b Backend, s []T) {
	sortStableFunc(b, s, cmp.Compare[T])
}

// SortByKey stably sorts keys ascending and applies the same permutation to
// values. It returns the permutation: perm[i] is the original position of
// the element now at position i.
func SortByKey[K cmp.Ordered, V any](b Backend, keys []K, values []V) []int {
	perm := make([]int, len(keys))
	for i := range perm {
		perm[i] = i
	}
	sortStableFunc(b, perm, func(x, y int) int { return cmp.Compare(keys[x], keys[y]) })

	sortedKeys := make([]K, len(keys))
	Gather(b, perm, keys, sortedKeys)
	copy(keys, sortedKeys)
	if values != nil {
		sortedValues := make([]V, len(values))
		Gather(b, perm, values, sortedValues)
		copy(values, sortedValues)
	}
	return perm
}
