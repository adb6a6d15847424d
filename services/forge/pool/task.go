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
)

// ExecFunc is the CPU-bound body of a task.
//
// The context passed to an ExecFunc is the pool's base context: it is
// cancelled on pool shutdown, never on task timeout. Task deadlines are
// enforced on the completion handle only, so a slow backend call is
// allowed to run to completion even after its caller has given up.
type ExecFunc func(ctx context.Context) (any, error)

// Task is a unit of CPU-bound work submitted to the pool.
type Task struct {
	// ID identifies the task in events and logs. Generated if empty.
	ID string

	// Kind is a free-form label ("generate-key", "sign", ...) used in
	// metrics attributes.
	Kind string

	// Priority orders dispatch; higher runs first. Equal priorities are
	// FIFO.
	Priority int

	// Timeout bounds how long the submitter will wait for a result.
	// Zero means no deadline.
	Timeout time.Duration

	// Execute performs the work. Required.
	Execute ExecFunc
}

// Result is the outcome delivered through a Completion.
type Result struct {
	Value any
	Err   error
}

// Completion is the handle a submitter waits on.
//
// A Completion is fulfilled exactly once: by the worker, by the timeout
// timer, or by a worker-failure replacement, whichever happens first.
type Completion struct {
	once sync.Once
	ch   chan Result
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan Result, 1)}
}

// fulfill delivers the result. Later calls are dropped.
func (c *Completion) fulfill(value any, err error) {
	c.once.Do(func() {
		c.ch <- Result{Value: value, Err: err}
		close(c.ch)
	})
}

// Done returns a channel receiving the single Result.
func (c *Completion) Done() <-chan Result {
	return c.ch
}

// Wait blocks until the result is available or ctx is cancelled.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case res, ok := <-c.ch:
		if !ok {
			return nil, context.Canceled
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// taskState tracks where a submitted task currently lives.
type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskDone
)

// taskEntry is the pool's internal record of a submitted task.
//
// All fields besides completion are guarded by the pool mutex.
type taskEntry struct {
	task        Task
	seq         uint64
	index       int // heap index, -1 when not queued
	state       taskState
	submittedAt time.Time
	startedAt   time.Time
	timer       *time.Timer
	completion  *Completion
}
