// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend provides the data-parallel primitive set the octree engine
// is written against.
//
// # Description
//
// Every loop over independent tree cells or particles in the engine goes
// through a Backend. Two implementations exist:
//
//   - Serial: executes every loop inline on the calling goroutine. This is
//     the reference implementation.
//   - Parallel: splits loops into chunks and runs them on a bounded pool of
//     goroutines managed by an errgroup.
//
// The primitives (Gather, Scatter, scans, sorts, LocateNodes, ...) are
// generic functions taking a Backend. They only use order-independent
// reductions on parallel paths, so both backends produce identical results.
//
// # Thread Safety
//
// Backends are stateless after construction and safe for concurrent use.
package backend

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Backend executes data-parallel loops.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// For calls body on disjoint half-open chunks [lo, hi) that together
	// cover [0, n). It returns after every chunk has completed.
	For(n int, body func(lo, hi int))
}

// Kind selects a backend implementation.
type Kind string

const (
	// KindSerial selects the Serial backend.
	KindSerial Kind = "serial"

	// KindParallel selects the Parallel backend.
	KindParallel Kind = "parallel"
)

// New returns the backend of the given kind.
//
// workers bounds the goroutine pool of the parallel backend. Zero selects
// runtime.GOMAXPROCS(0).
func New(kind Kind, workers int) (Backend, error) {
	switch kind {
	case KindSerial, "":
		return Serial{}, nil
	case KindParallel:
		return NewParallel(workers), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// Serial is the reference backend.
type Serial struct{}

// Name returns "serial".
func (Serial) Name() string { return string(KindSerial) }

// For runs body once over the whole range.
func (Serial) For(n int, body func(lo, hi int)) {
	if n > 0 {
		body(0, n)
	}
}

// defaultGrain is the smallest chunk worth handing to a goroutine.
const defaultGrain = 2048

// Parallel runs loop chunks concurrently.
type Parallel struct {
	workers int
	grain   int
}

// NewParallel returns a parallel backend with at most workers goroutines.
func NewParallel(workers int) *Parallel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Parallel{workers: workers, grain: defaultGrain}
}

// WithGrain returns a copy of p that splits loops into chunks of at least
// grain iterations. Small grains are useful in tests.
func (p *Parallel) WithGrain(grain int) *Parallel {
	if grain < 1 {
		grain = 1
	}
	return &Parallel{workers: p.workers, grain: grain}
}

// Name returns "parallel".
func (p *Parallel) Name() string { return string(KindParallel) }

// For splits [0, n) into at most workers chunks of at least grain elements.
func (p *Parallel) For(n int, body func(lo, hi int)) {
	if n <= 0 {
		return
	}
	chunks := min(p.workers, (n+p.grain-1)/p.grain)
	if chunks <= 1 {
		body(0, n)
		return
	}
	size := (n + chunks - 1) / chunks

	var g errgroup.Group
	g.SetLimit(p.workers)
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, min(lo+size, n)
		g.Go(func() error {
			body(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

var (
	_ Backend = Serial{}
	_ Backend = (*Parallel)(nil)
)
