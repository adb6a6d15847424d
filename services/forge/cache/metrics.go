// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("aleutian.forge.cache")
	meter  = otel.Meter("aleutian.forge.cache")
)

// Metrics for cache operations.
var (
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"forge_cache_hits_total",
			metric.WithDescription("Cache hits, labeled by the tier that answered"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"forge_cache_misses_total",
			metric.WithDescription("Cache misses across all tiers"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context, tier string) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func recordMiss(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

// startCacheSpan creates a span for one cache operation.
func startCacheSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.key", key),
		),
	)
}

// setCacheSpanResult sets the probe outcome on a cache span.
func setCacheSpanResult(span trace.Span, hit bool, tier string) {
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if tier != "" {
		span.SetAttributes(attribute.String("cache.tier", tier))
	}
}
