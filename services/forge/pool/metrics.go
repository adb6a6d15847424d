// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for pool operations.
var (
	tracer = otel.Tracer("aleutian.forge.pool")
	meter  = otel.Meter("aleutian.forge.pool")
)

// Metrics for task execution.
var (
	tasksSubmitted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	taskLatency    metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
// Metric failures degrade observability, never execution.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		tasksSubmitted, err = meter.Int64Counter(
			"forge_pool_tasks_submitted_total",
			metric.WithDescription("Total number of tasks submitted to the pool"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tasksFailed, err = meter.Int64Counter(
			"forge_pool_tasks_failed_total",
			metric.WithDescription("Total number of tasks that failed or timed out"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		taskLatency, err = meter.Float64Histogram(
			"forge_pool_task_duration_seconds",
			metric.WithDescription("Task execution time on a worker"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordSubmitted counts one submission.
func recordSubmitted(ctx context.Context, kind string) {
	if initMetrics() != nil {
		return
	}
	tasksSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// recordFinished records one finished execution.
func recordFinished(ctx context.Context, kind string, dur time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	taskLatency.Record(ctx, dur.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	if err != nil {
		tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
