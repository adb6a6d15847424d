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
	"errors"
	"fmt"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolClosed is returned for submissions after Shutdown began.
	// Never retried; the pool will not reopen.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrQueueFull is returned when the task queue is at capacity.
	// The caller decides whether to retry.
	ErrQueueFull = errors.New("task queue is full")

	// ErrTaskTimeout is returned through a task's completion handle when
	// its deadline expires before a result is produced. The task is
	// discarded; a worker still running it is not force-killed.
	ErrTaskTimeout = errors.New("task deadline exceeded")

	// ErrNilExecute is returned when a task has no Execute function.
	ErrNilExecute = errors.New("task has no execute function")

	// ErrInvalidSize is returned by Scale for non-positive sizes.
	ErrInvalidSize = errors.New("pool size must be positive")
)

// WorkerFailureError reports a worker crash mid-task.
//
// The worker is replaced automatically, but the in-flight task is NOT
// re-submitted; callers retry if the work matters.
type WorkerFailureError struct {
	WorkerID string
	TaskID   string
	Cause    error
}

func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("worker %s failed running task %s: %v", e.WorkerID, e.TaskID, e.Cause)
}

func (e *WorkerFailureError) Unwrap() error { return e.Cause }
