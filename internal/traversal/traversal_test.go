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
	"fmt"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/sfc"
)

func backends() []backend.Backend {
	return []backend.Backend{backend.Serial{}, backend.NewParallel(4).WithGrain(3)}
}

// gaussianTree builds a tree over normally distributed points centered in box.
func gaussianTree(t *testing.T, n int, seed int64, box sfc.Box, bucket uint32) ([]sfc.Key, *octree.Octree) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	keys := make([]sfc.Key, n)
	for i := range keys {
		var p sfc.Vec3
		for d := 0; d < 3; d++ {
			p[d] = box.Min[d] + box.Length(d)*(0.5+0.2*rng.NormFloat64())
		}
		keys[i] = sfc.Encode(p[0], p[1], p[2], box)
	}
	slices.Sort(keys)
	leaves, _ := octree.ComputeLeaves(backend.Serial{}, keys, bucket)
	require.NoError(t, octree.ValidateLeaves(leaves))
	return leaves, octree.Build(backend.Serial{}, leaves)
}

func TestSingleTraversal_VisitsEverything(t *testing.T) {
	o := octree.Build(backend.Serial{}, octree.UniformLeaves(2))

	visited, endpoints := 0, 0
	SingleTraversal(o.ChildOffsets, func(int) bool { visited++; return true }, func(int) { endpoints++ })
	assert.Equal(t, o.NumNodes, visited)
	assert.Equal(t, o.NumLeafNodes, endpoints)
}

func TestSingleTraversal_RootLeaf(t *testing.T) {
	o := octree.Build(backend.Serial{}, octree.RootLeaves())

	var got []int
	SingleTraversal(o.ChildOffsets, func(int) bool { return true }, func(i int) { got = append(got, i) })
	assert.Equal(t, []int{0}, got)

	got = nil
	SingleTraversal(o.ChildOffsets, func(int) bool { return false }, func(i int) { got = append(got, i) })
	assert.Empty(t, got)
}

func TestFindHalos_UniformTree(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	leaves := octree.UniformLeaves(2)

	for _, b := range backends() {
		t.Run(b.Name(), func(t *testing.T) {
			o := octree.Build(b, leaves)
			g := NewGeometry(b, o, box)

			n := octree.NumLeaves(leaves)
			searchCenters := make([]sfc.Vec3, n)
			searchSizes := make([]sfc.Vec3, n)
			for i := 0; i < n; i++ {
				node := o.LeafToInternal[i]
				searchCenters[i] = g.Centers[node]
				searchSizes[i] = g.Sizes[node].Add(sfc.Vec3{0.1, 0.1, 0.1})
			}

			flags := make([]uint8, o.NumNodes)
			FindHalos(b, o, g, leaves, searchCenters, searchSizes, box, 0, 32, flags)

			// root, the four x >= 0.5 octants and the 16 leaves of the first
			// x-layer beyond the owned half
			assert.Equal(t, 21, backend.Count(b, flags, uint8(1)))
			for i := 32; i < n; i++ {
				ix, _, _ := sfc.DecodeMorton(leaves[i])
				want := uint8(0)
				if ix < 3*sfc.MaxCoord/4 {
					want = 1
				}
				assert.Equal(t, want, flags[o.LeafToInternal[i]], "leaf %d", i)
			}
		})
	}
}

func boxConfigs() []sfc.Box {
	var out []sfc.Box
	limits := [][3]float64{{1, 2, 2}, {2, 1, 2}, {2, 2, 1}}
	boundaries := [][3]sfc.BoundaryType{
		{sfc.Open, sfc.Open, sfc.Open},
		{sfc.Periodic, sfc.Periodic, sfc.Periodic},
		{sfc.Periodic, sfc.Open, sfc.Periodic},
		{sfc.Open, sfc.Periodic, sfc.Open},
	}
	for _, bt := range boundaries {
		for _, l := range limits {
			box := sfc.NewBoxXYZ(0, l[0], 0, l[1], 0, l[2], sfc.Open)
			box.Boundary = bt
			out = append(out, box)
		}
	}
	return out
}

func boxName(i int, box sfc.Box) string {
	return fmt.Sprintf("box%d_%s_%s_%s", i, box.Boundary[0], box.Boundary[1], box.Boundary[2])
}

func TestFindCollisions_MatchesBruteForce(t *testing.T) {
	for ci, box := range boxConfigs() {
		t.Run(boxName(ci, box), func(t *testing.T) {
			leaves, o := gaussianTree(t, 2000, int64(ci+1), box, 4)
			g := NewGeometry(backend.Serial{}, o, box)
			rng := rand.New(rand.NewSource(int64(100 + ci)))
			n := octree.NumLeaves(leaves)

			for trial := 0; trial < 20; trial++ {
				var c, s sfc.Vec3
				for d := 0; d < 3; d++ {
					c[d] = box.Min[d] + rng.Float64()*box.Length(d)
					s[d] = 0.05 * box.Length(d) * rng.Float64()
				}
				// every other trial excludes a random run of leaves
				var exclStart, exclEnd sfc.Key
				if trial%2 == 1 {
					i := rng.Intn(n)
					j := i + 1 + rng.Intn(n-i)
					exclStart, exclEnd = leaves[i], leaves[j]
				}
				flags := make([]uint8, o.NumNodes)
				FindCollisions(o, g, c, s, box, exclStart, exclEnd, flags)

				for i := 0; i < o.NumNodes; i++ {
					start, end := o.NodeRange(i)
					want := uint8(0)
					if !sfc.ContainedIn(start, end, exclStart, exclEnd) &&
						sfc.MinDistance(g.Centers[i], g.Sizes[i], c, s, box).Norm2() == 0 {
						want = 1
					}
					require.Equal(t, want, flags[i], "node %d trial %d", i, trial)
				}
			}
		})
	}
}

func TestFindHalos_MatchesBruteForce(t *testing.T) {
	for ci, box := range boxConfigs() {
		t.Run(boxName(ci, box), func(t *testing.T) {
			leaves, o := gaussianTree(t, 3000, int64(10+ci), box, 4)
			g := NewGeometry(backend.Serial{}, o, box)
			n := octree.NumLeaves(leaves)

			searchCenters := make([]sfc.Vec3, n)
			searchSizes := make([]sfc.Vec3, n)
			for i := 0; i < n; i++ {
				node := o.LeafToInternal[i]
				r := 1.001 * g.Sizes[node].MaxComponent()
				searchCenters[i] = g.Centers[node]
				searchSizes[i] = g.Sizes[node].Add(sfc.Vec3{r, r, r})
			}

			first, last := n/4, n/2
			lowKey, highKey := leaves[first], leaves[last]
			overlapsAny := func(node int, skipInside bool) uint8 {
				for i := first; i < last; i++ {
					if skipInside && sfc.SearchIBox(searchCenters[i], searchSizes[i], box).ContainedInRange(lowKey, highKey) {
						continue
					}
					if sfc.MinDistance(g.Centers[node], g.Sizes[node], searchCenters[i], searchSizes[i], box).Norm2() == 0 {
						return 1
					}
				}
				return 0
			}

			var ref []uint8
			for _, b := range backends() {
				flags := make([]uint8, o.NumNodes)
				FindHalos(b, o, g, leaves, searchCenters, searchSizes, box, first, last, flags)

				for node := 0; node < o.NumNodes; node++ {
					start, end := o.NodeRange(node)
					switch {
					case sfc.ContainedIn(start, end, lowKey, highKey):
						require.Zero(t, flags[node], "owned node %d flagged", node)
					case end <= lowKey || start >= highKey:
						// foreign nodes against every owned search box
						require.Equal(t, overlapsAny(node, false), flags[node], "node %d backend %s", node, b.Name())
					default:
						// nodes straddling the owned range only meet the
						// search boxes that reach outside of it
						require.Equal(t, overlapsAny(node, true), flags[node], "node %d backend %s", node, b.Name())
					}
				}
				if ref == nil {
					ref = flags
				}
				assert.Equal(t, ref, flags)
			}
		})
	}
}

func TestFindHalos_EmptyRange(t *testing.T) {
	o := octree.Build(backend.Serial{}, octree.UniformLeaves(1))
	g := NewGeometry(backend.Serial{}, o, sfc.NewBox(0, 1, sfc.Open))
	flags := make([]uint8, o.NumNodes)
	FindHalos(backend.Serial{}, o, g, octree.UniformLeaves(1), nil, nil, sfc.NewBox(0, 1, sfc.Open), 3, 3, flags)
	assert.Zero(t, backend.Count(backend.Serial{}, flags, uint8(1)))
}

func TestMacRadius2(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	prefix := sfc.MakePrefix(0, 1)
	center, _ := sfc.NodeGeometry(prefix, box)

	// edge 0.5, invTheta 2, center offset 0.1 along x
	r2 := MacRadius2(prefix, center.Add(sfc.Vec3{0.1, 0, 0}), 2, box)
	assert.InDelta(t, 1.1*1.1, r2, 1e-12)
}

func TestMarkMacs_GridLargeInvTheta(t *testing.T) {
	box := sfc.NewBox(0, 1, sfc.Open)
	leaves := octree.UniformLeaves(2)

	for _, b := range backends() {
		o := octree.Build(b, leaves)
		centers := GeometricCenters(b, o.Prefixes, box)
		r2 := make([]float64, o.NumNodes)
		SetMacRadius(b, o.Prefixes, centers, 100, box, r2)

		for target := 0; target < octree.NumLeaves(leaves); target += 21 {
			macs := make([]uint8, o.NumNodes)
			MarkMacs(b, o, centers, r2, box, leaves[target:target+2], macs)

			self := o.LeafToInternal[target]
			for i := 0; i < o.NumNodes; i++ {
				want := uint8(1)
				if i == self {
					want = 0
				}
				require.Equal(t, want, macs[i], "target %d node %d", target, i)
			}
		}
	}
}

func TestMarkMacs_AcceptedNodesAreFar(t *testing.T) {
	box := sfc.NewBox(-1, 1, sfc.Open)
	leaves, o := gaussianTree(t, 4000, 42, box, 8)
	const invTheta = 1 / 0.5

	rng := rand.New(rand.NewSource(5))
	centers := make([]octree.SourceCenter, o.NumNodes)
	for i := range centers {
		c, s := sfc.NodeGeometry(o.Prefixes[i], box)
		var off sfc.Vec3
		for d := 0; d < 3; d++ {
			off[d] = s[d] * (rng.Float64() - 0.5)
		}
		centers[i] = octree.SourceCenter{Pos: c.Add(off), Mass: 1}
	}
	r2 := make([]float64, o.NumNodes)
	SetMacRadius(backend.Serial{}, o.Prefixes, centers, invTheta, box, r2)

	n := octree.NumLeaves(leaves)
	first, last := n/3, n/2
	targets := leaves[first : last+1]
	focusStart, focusEnd := targets[0], targets[len(targets)-1]

	union := make([]uint8, o.NumNodes)
	for leaf := first; leaf < last; leaf++ {
		prefix := sfc.MakePrefix(leaves[leaf], octree.LeafLevel(leaves, leaf))
		ib := sfc.NodeIBox(prefix)
		for d := 0; d < 3; d++ {
			ib.Min[d]--
			ib.Max[d]++
		}
		if ib.ContainedInRange(focusStart, focusEnd) {
			continue
		}
		tc, ts := sfc.NodeGeometry(prefix, box)
		macs := make([]uint8, o.NumNodes)
		MarkMacPerBox(o, centers, r2, tc, ts, box, focusStart, focusEnd, macs)

		for i := 0; i < o.NumNodes; i++ {
			union[i] |= macs[i]
			start, end := o.NodeRange(i)
			visited := i == 0 || macs[o.Parent(i)] == 1
			if !visited || macs[i] == 1 || sfc.ContainedIn(start, end, focusStart, focusEnd) {
				continue
			}
			geo, size := sfc.NodeGeometry(o.Prefixes[i], box)
			s := math.Sqrt(centers[i].Pos.Sub(geo).Norm2())
			minR := size.MaxComponent()*invTheta + s
			dist2 := sfc.MinDistance(centers[i].Pos, sfc.Vec3{}, tc, ts, box).Norm2()
			require.GreaterOrEqual(t, dist2, minR*minR, "node %d accepted too close to leaf %d", i, leaf)
		}
	}

	macs := make([]uint8, o.NumNodes)
	MarkMacs(backend.NewParallel(3), o, centers, r2, box, targets, macs)
	assert.Equal(t, union, macs)
}
