// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package globaltree

import (
	"math/rand"
	"sort"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// Particles is a structure-of-arrays particle set with its SFC keys.
type Particles struct {
	X, Y, Z []float64
	H       []float64
	M       []float64
	Keys    []sfc.Key
}

// Len returns the number of particles.
func (p *Particles) Len() int { return len(p.X) }

// GenerateParticles returns n particles of a Gaussian blob centered in box
// with a standard deviation of a fifth of each box length. Points outside
// the box are clamped onto it. Masses are 1/n and smoothing lengths a fixed
// fraction of the box. The result is sorted by key.
func GenerateParticles(b backend.Backend, n int, seed int64, box sfc.Box) *Particles {
	rng := rand.New(rand.NewSource(seed))
	p := &Particles{
		X:    make([]float64, n),
		Y:    make([]float64, n),
		Z:    make([]float64, n),
		H:    make([]float64, n),
		M:    make([]float64, n),
		Keys: make([]sfc.Key, n),
	}
	coords := [3][]float64{p.X, p.Y, p.Z}
	h := 0.5 * box.Lengths().MaxComponent() / float64(max(n, 1))
	for i := 0; i < n; i++ {
		for d := 0; d < 3; d++ {
			v := box.Min[d] + box.Length(d)*(0.5+0.2*rng.NormFloat64())
			coords[d][i] = min(max(v, box.Min[d]), box.Max[d])
		}
		p.H[i] = h * (1 + rng.Float64())
		p.M[i] = 1 / float64(n)
	}
	p.ComputeKeys(b, box)
	p.Sort(b)
	return p
}

// ComputeKeys encodes every particle position.
func (p *Particles) ComputeKeys(b backend.Backend, box sfc.Box) {
	b.For(p.Len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p.Keys[i] = sfc.Encode(p.X[i], p.Y[i], p.Z[i], box)
		}
	})
}

// Sort orders the particles by key, stable for equal keys.
func (p *Particles) Sort(b backend.Backend) {
	perm := backend.SortByKey[sfc.Key, int](b, p.Keys, nil)
	for _, field := range []*[]float64{&p.X, &p.Y, &p.Z, &p.H, &p.M} {
		sorted := make([]float64, len(perm))
		backend.Gather(b, perm, *field, sorted)
		*field = sorted
	}
}

// Slice returns the particles with keys in [start, end). The result shares
// storage with p.
func (p *Particles) Slice(start, end sfc.Key) *Particles {
	lo := sort.Search(len(p.Keys), func(i int) bool { return p.Keys[i] >= start })
	hi := sort.Search(len(p.Keys), func(i int) bool { return p.Keys[i] >= end })
	return &Particles{
		X: p.X[lo:hi], Y: p.Y[lo:hi], Z: p.Z[lo:hi],
		H: p.H[lo:hi], M: p.M[lo:hi],
		Keys: p.Keys[lo:hi],
	}
}

// Chunk returns the i-th of n contiguous, equally sized index chunks.
func (p *Particles) Chunk(i, n int) *Particles {
	lo, hi := p.Len()*i/n, p.Len()*(i+1)/n
	return &Particles{
		X: p.X[lo:hi], Y: p.Y[lo:hi], Z: p.Z[lo:hi],
		H: p.H[lo:hi], M: p.M[lo:hi],
		Keys: p.Keys[lo:hi],
	}
}
