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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkerStats is the cumulative execution record of one worker.
type WorkerStats struct {
	Completed int64
	Errors    int64
	TotalTime time.Duration
}

// avgExec returns the historical average execution time, or zero when
// the worker has not completed anything yet. Fresh workers sort first
// under load-balanced dispatch, which warms them up quickly.
func (s WorkerStats) avgExec() time.Duration {
	done := s.Completed + s.Errors
	if done == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(done)
}

// workerRecord is the pool's bookkeeping for one worker.
//
// The pool exclusively owns and mutates workerRecords; all fields are
// guarded by the pool mutex.
type workerRecord struct {
	worker   *worker
	stats    WorkerStats
	busy     bool
	draining bool
	current  *taskEntry
}

// worker is an execution unit with its own goroutine.
type worker struct {
	id     string
	assign chan *taskEntry
	pool   *Pool
}

// run is the worker goroutine body. It exits when assign is closed.
func (w *worker) run() {
	defer w.pool.wg.Done()
	for entry := range w.assign {
		start := time.Now()
		value, err, panicked := w.execute(entry)
		w.pool.finish(w, entry, value, err, panicked, time.Since(start))
	}
}

// execute runs the task body, converting a panic into an error so a
// misbehaving backend cannot take the whole pool down.
func (w *worker) execute(entry *taskEntry) (value any, err error, panicked bool) {
	ctx, span := tracer.Start(w.pool.baseCtx, "Pool.Execute",
		trace.WithAttributes(
			attribute.String("task.id", entry.task.ID),
			attribute.String("task.kind", entry.task.Kind),
			attribute.Int("task.priority", entry.task.Priority),
			attribute.String("worker.id", w.id),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("worker panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "worker panic")
		}
	}()
	value, err = entry.task.Execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err, false
}
