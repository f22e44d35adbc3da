// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package focus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for focused octree operations.
var (
	tracer = otel.Tracer("focustree.focus")
	meter  = otel.Meter("focustree.focus")
)

// OpenTelemetry instruments, created on first use.
var (
	opLatency   metric.Float64Histogram
	treeLeaves  metric.Int64Histogram
	metricsOnce sync.Once
	metricsErr  error
)

// Prometheus collectors for the /metrics endpoint.
var (
	// updateTreeTotal counts UpdateTree calls.
	// Labels: converged (true, false)
	updateTreeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focustree",
		Subsystem: "focus",
		Name:      "update_tree_total",
		Help:      "UpdateTree calls by convergence",
	}, []string{"converged"})

	// convergeRounds measures the rounds Converge needed.
	convergeRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "focustree",
		Subsystem: "focus",
		Name:      "converge_rounds",
		Help:      "Rounds until every rank converged",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32, 64},
	})

	// haloNodes tracks the number of halo-flagged nodes per discovery.
	haloNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "focustree",
		Subsystem: "focus",
		Name:      "halo_nodes",
		Help:      "Nodes flagged as halos per discovery",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
)

// initMetrics initializes the OpenTelemetry instruments. Safe to call
// multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		opLatency, err = meter.Float64Histogram(
			"focus_operation_duration_seconds",
			metric.WithDescription("Duration of focused octree operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		treeLeaves, err = meter.Int64Histogram(
			"focus_tree_leaves",
			metric.WithDescription("Leaf count of the focused tree after an update"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// startOp opens a span for operation op and returns a function that ends it
// and records its duration and outcome.
func startOp(ctx context.Context, op string, rank int) (context.Context, trace.Span, func(err error)) {
	ctx, span := tracer.Start(ctx, "focus."+op, trace.WithAttributes(
		attribute.Int("rank", rank),
	))
	start := time.Now()
	return ctx, span, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if initMetrics() != nil {
			return
		}
		opLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Bool("success", err == nil),
		))
	}
}

func recordLeaves(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	treeLeaves.Record(ctx, int64(n))
}
