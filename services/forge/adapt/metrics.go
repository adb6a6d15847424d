// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapt

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for consensus activity.
var (
	tracer = otel.Tracer("aleutian.forge.adapt")
	meter  = otel.Meter("aleutian.forge.adapt")
)

var (
	roundsResolved metric.Int64Counter
	votesRecorded  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
// Metric failures degrade observability, never execution.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		roundsResolved, err = meter.Int64Counter(
			"forge_adapt_rounds_total",
			metric.WithDescription("Consensus rounds resolved, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		votesRecorded, err = meter.Int64Counter(
			"forge_adapt_votes_total",
			metric.WithDescription("Replica votes recorded, by decision"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRound counts one resolved round.
func recordRound(ctx context.Context, outcome Reason) {
	if initMetrics() != nil {
		return
	}
	roundsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// recordVote counts one replica vote.
func recordVote(ctx context.Context, approve bool) {
	if initMetrics() != nil {
		return
	}
	votesRecorded.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approve", approve)))
}
