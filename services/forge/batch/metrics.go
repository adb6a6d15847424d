// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for batching activity.
var (
	tracer = otel.Tracer("aleutian.forge.batch")
	meter  = otel.Meter("aleutian.forge.batch")
)

// Metrics for window flushes.
var (
	flushLatency metric.Float64Histogram
	windowSize   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
// Metric failures degrade observability, never execution.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		flushLatency, err = meter.Float64Histogram(
			"forge_batch_flush_duration_seconds",
			metric.WithDescription("Wall time of one window flush, submission through resolution"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		windowSize, err = meter.Int64Histogram(
			"forge_batch_window_size",
			metric.WithDescription("Number of requests in a flushed window"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordFlush records one completed window flush.
func recordFlush(ctx context.Context, size, partitions int, dur time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("partitions", partitions))
	flushLatency.Record(ctx, dur.Seconds(), attrs)
	windowSize.Record(ctx, int64(size), attrs)
}
