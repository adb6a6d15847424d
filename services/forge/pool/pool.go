// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool implements the fixed/elastic worker pool that executes
// CPU-bound cryptographic tasks with priority scheduling and fault
// isolation.
//
// Dispatch is priority-ordered (higher first, FIFO within one level) and
// happens on submit and whenever a worker goes idle. A crashed worker is
// replaced before its record is discarded; the task it was running fails
// with a WorkerFailureError and is never re-submitted automatically.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// DefaultSize is the default number of workers.
	DefaultSize = 4

	// DefaultQueueCapacity bounds the number of queued (not yet
	// dispatched) tasks.
	DefaultQueueCapacity = 256
)

// Config controls pool behavior.
type Config struct {
	// Size is the initial number of workers. Default: DefaultSize.
	Size int

	// QueueCapacity bounds the pending queue; submissions beyond it
	// fail with ErrQueueFull. Default: DefaultQueueCapacity.
	QueueCapacity int

	// LoadBalanced selects the idle worker with the lowest historical
	// average execution time instead of plain idle-first.
	LoadBalanced bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Size:          DefaultSize,
		QueueCapacity: DefaultQueueCapacity,
	}
}

// Pool schedules CPU-bound tasks over a set of workers.
//
// # Thread Safety
//
// Safe for concurrent use. Internal state is guarded by a single mutex;
// lifecycle events are delivered outside the lock.
type Pool struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   taskQueue
	workers map[string]*workerRecord
	seq     uint64
	target  int
	closed  bool
	drained chan struct{} // closed once shut down with nothing in flight

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	listenerMu sync.RWMutex
	listeners  []EventHandler

	submitted int64
	completed int64
	taskErrs  int64
	timeouts  int64
	replaced  int64
}

// PoolStats is a point-in-time snapshot of pool state.
type PoolStats struct {
	Workers    int
	Busy       int
	QueueDepth int
	Submitted  int64
	Completed  int64
	Errors     int64
	Timeouts   int64
	Replaced   int64
}

// WorkerSnapshot exposes per-worker statistics for load inspection.
type WorkerSnapshot struct {
	ID        string
	Busy      bool
	Completed int64
	Errors    int64
	AvgExec   time.Duration
}

// New creates a pool and starts its workers.
func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:  cfg,
		logger:  logger,
		workers: make(map[string]*workerRecord),
		target:  cfg.Size,
		drained: make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}

	p.mu.Lock()
	for i := 0; i < cfg.Size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Info("worker pool started",
		slog.Int("workers", cfg.Size),
		slog.Int("queue_capacity", cfg.QueueCapacity),
		slog.Bool("load_balanced", cfg.LoadBalanced),
	)

	return p
}

// spawnLocked creates and starts one worker. Caller holds the mutex.
func (p *Pool) spawnLocked() *workerRecord {
	w := &worker{
		id:     "worker-" + uuid.NewString()[:8],
		assign: make(chan *taskEntry, 1),
		pool:   p,
	}
	rec := &workerRecord{worker: w}
	p.workers[w.id] = rec
	p.wg.Add(1)
	go w.run()
	return rec
}

// Submit enqueues a task for execution.
//
// # Description
//
// The task joins the priority queue and is dispatched as soon as a
// worker is idle. The returned Completion is fulfilled exactly once with
// the task's result, an ErrTaskTimeout, or a WorkerFailureError.
//
// # Outputs
//
//   - *Completion: handle to await the result.
//   - error: ErrPoolClosed after shutdown began, ErrQueueFull when the
//     queue is at capacity, ErrNilExecute for a task without a body.
func (p *Pool) Submit(task Task) (*Completion, error) {
	_, span := tracer.Start(p.baseCtx, "Pool.Submit",
		trace.WithAttributes(
			attribute.String("task.kind", task.Kind),
			attribute.Int("task.priority", task.Priority),
		),
	)
	defer span.End()

	if task.Execute == nil {
		span.SetStatus(codes.Error, ErrNilExecute.Error())
		return nil, ErrNilExecute
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		span.SetStatus(codes.Error, ErrPoolClosed.Error())
		return nil, ErrPoolClosed
	}
	if p.queue.Len() >= p.config.QueueCapacity {
		p.mu.Unlock()
		err := fmt.Errorf("%w: capacity %d", ErrQueueFull, p.config.QueueCapacity)
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrQueueFull.Error())
		return nil, err
	}

	p.seq++
	entry := &taskEntry{
		task:        task,
		seq:         p.seq,
		index:       -1,
		submittedAt: time.Now(),
		completion:  newCompletion(),
	}
	if task.Timeout > 0 {
		entry.timer = time.AfterFunc(task.Timeout, func() { p.expire(entry) })
	}
	p.queue.push(entry)
	atomic.AddInt64(&p.submitted, 1)

	events := p.dispatchLocked()
	p.mu.Unlock()

	p.emit(events)
	recordSubmitted(p.baseCtx, task.Kind)

	return entry.completion, nil
}

// dispatchLocked assigns queued tasks to idle workers until one side
// runs out. Caller holds the mutex; returned events are emitted after
// release.
func (p *Pool) dispatchLocked() []Event {
	var events []Event
	for p.queue.Len() > 0 {
		rec := p.pickWorkerLocked()
		if rec == nil {
			break
		}
		entry := p.queue.pop()
		entry.state = taskRunning
		entry.startedAt = time.Now()
		rec.busy = true
		rec.current = entry

		rec.worker.assign <- entry
		events = append(events, Event{
			Kind:     EventTaskAssigned,
			TaskID:   entry.task.ID,
			WorkerID: rec.worker.id,
			At:       entry.startedAt,
		})
	}
	return events
}

// pickWorkerLocked selects an idle worker, preferring the lowest
// historical average execution time when load balancing is on.
func (p *Pool) pickWorkerLocked() *workerRecord {
	var best *workerRecord
	for _, rec := range p.workers {
		if rec.busy || rec.draining {
			continue
		}
		if !p.config.LoadBalanced {
			return rec
		}
		if best == nil || rec.stats.avgExec() < best.stats.avgExec() {
			best = rec
		}
	}
	return best
}

// finish handles a worker's task completion. Called from the worker
// goroutine.
func (p *Pool) finish(w *worker, entry *taskEntry, value any, err error, panicked bool, dur time.Duration) {
	p.mu.Lock()

	rec := p.workers[w.id]
	var events []Event

	if rec != nil {
		rec.busy = false
		rec.current = nil
		rec.stats.TotalTime += dur
		if err != nil {
			rec.stats.Errors++
		} else {
			rec.stats.Completed++
		}
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}

	timedOut := entry.state == taskDone // expire() got there first
	entry.state = taskDone

	switch {
	case panicked:
		failure := &WorkerFailureError{WorkerID: w.id, TaskID: entry.task.ID, Cause: err}
		atomic.AddInt64(&p.taskErrs, 1)
		if !timedOut {
			entry.completion.fulfill(nil, failure)
			events = append(events, Event{Kind: EventTaskError, TaskID: entry.task.ID, WorkerID: w.id, Err: failure, At: time.Now()})
		}
		events = append(events, p.replaceLocked(w)...)
	case err != nil:
		atomic.AddInt64(&p.taskErrs, 1)
		if !timedOut {
			entry.completion.fulfill(nil, err)
			events = append(events, Event{Kind: EventTaskError, TaskID: entry.task.ID, WorkerID: w.id, Err: err, At: time.Now()})
		}
	default:
		atomic.AddInt64(&p.completed, 1)
		if !timedOut {
			entry.completion.fulfill(value, nil)
			events = append(events, Event{Kind: EventTaskCompleted, TaskID: entry.task.ID, WorkerID: w.id, At: time.Now()})
		}
	}

	// Retire workers that were asked to drain or exceed the target size.
	if rec != nil && !panicked && (rec.draining || len(p.activeLocked()) > p.target) {
		p.retireLocked(w.id)
	}

	events = append(events, p.dispatchLocked()...)
	p.checkDrainedLocked()
	p.mu.Unlock()

	p.emit(events)
	recordFinished(p.baseCtx, entry.task.Kind, dur, err)
}

// replaceLocked spins up a replacement before discarding the crashed
// worker, so capacity never dips below target during recovery.
func (p *Pool) replaceLocked(w *worker) []Event {
	replacement := p.spawnLocked()
	p.retireLocked(w.id)
	atomic.AddInt64(&p.replaced, 1)

	p.logger.Warn("worker replaced after failure",
		slog.String("failed_worker", w.id),
		slog.String("replacement", replacement.worker.id),
	)

	return []Event{{
		Kind:     EventWorkerReplaced,
		WorkerID: replacement.worker.id,
		At:       time.Now(),
	}}
}

// retireLocked removes a worker record and stops its goroutine.
func (p *Pool) retireLocked(id string) {
	rec, ok := p.workers[id]
	if !ok {
		return
	}
	close(rec.worker.assign)
	delete(p.workers, id)
}

// activeLocked counts non-draining workers.
func (p *Pool) activeLocked() map[string]*workerRecord {
	active := make(map[string]*workerRecord, len(p.workers))
	for id, rec := range p.workers {
		if !rec.draining {
			active[id] = rec
		}
	}
	return active
}

// expire fails a task whose deadline elapsed.
//
// A queued task is removed from the queue. A running task keeps its
// worker; only the completion handle is failed, and the eventual worker
// result is dropped.
func (p *Pool) expire(entry *taskEntry) {
	p.mu.Lock()
	if entry.state == taskDone {
		p.mu.Unlock()
		return
	}
	if entry.state == taskPending {
		p.queue.remove(entry)
	}
	entry.state = taskDone
	atomic.AddInt64(&p.timeouts, 1)

	err := fmt.Errorf("%w: task %s after %s", ErrTaskTimeout, entry.task.ID, entry.task.Timeout)
	entry.completion.fulfill(nil, err)
	p.checkDrainedLocked()
	p.mu.Unlock()

	p.emit([]Event{{Kind: EventTaskError, TaskID: entry.task.ID, Err: err, At: time.Now()}})
}

// Scale adjusts the pool to newSize workers.
//
// Growth is immediate. When shrinking, idle surplus workers stop now;
// busy ones are marked draining and retire after finishing their current
// task.
func (p *Pool) Scale(newSize int) error {
	if newSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, newSize)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	p.target = newSize
	active := p.activeLocked()

	var events []Event
	switch {
	case len(active) < newSize:
		for i := len(active); i < newSize; i++ {
			p.spawnLocked()
		}
		events = p.dispatchLocked()
	case len(active) > newSize:
		surplus := len(active) - newSize
		// Idle workers first; they can go immediately.
		for id, rec := range active {
			if surplus == 0 {
				break
			}
			if !rec.busy {
				p.retireLocked(id)
				surplus--
			}
		}
		// Remaining surplus drains busy workers on completion.
		for _, rec := range p.activeLocked() {
			if surplus == 0 {
				break
			}
			if rec.busy {
				rec.draining = true
				surplus--
			}
		}
	}
	size := len(p.activeLocked())
	p.mu.Unlock()

	p.emit(events)
	p.logger.Info("pool scaled", slog.Int("target", newSize), slog.Int("current", size))
	return nil
}

// Ping reports whether the pool can accept work.
func (p *Pool) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, rec := range p.workers {
		if rec.busy {
			busy++
		}
	}
	return PoolStats{
		Workers:    len(p.workers),
		Busy:       busy,
		QueueDepth: p.queue.Len(),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Completed:  atomic.LoadInt64(&p.completed),
		Errors:     atomic.LoadInt64(&p.taskErrs),
		Timeouts:   atomic.LoadInt64(&p.timeouts),
		Replaced:   atomic.LoadInt64(&p.replaced),
	}
}

// Workers returns per-worker snapshots, for load inspection and tests.
func (p *Pool) Workers() []WorkerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]WorkerSnapshot, 0, len(p.workers))
	for id, rec := range p.workers {
		snaps = append(snaps, WorkerSnapshot{
			ID:        id,
			Busy:      rec.busy,
			Completed: rec.stats.Completed,
			Errors:    rec.stats.Errors,
			AvgExec:   rec.stats.avgExec(),
		})
	}
	return snaps
}

// QueueDepth returns the number of queued, not yet dispatched tasks.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// checkDrainedLocked closes the drained channel once the pool is closed
// with no queued or running work left.
func (p *Pool) checkDrainedLocked() {
	if !p.closed {
		return
	}
	if p.queue.Len() > 0 {
		return
	}
	for _, rec := range p.workers {
		if rec.busy {
			return
		}
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

// Shutdown drains the pool and stops all workers.
//
// # Description
//
// New submissions fail immediately with ErrPoolClosed. Queued tasks are
// still dispatched and in-flight tasks run to completion. If ctx expires
// before the drain finishes, the base context is cancelled so running
// backends can abort, and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.checkDrainedLocked()
	p.mu.Unlock()

	p.logger.Info("worker pool draining")

	select {
	case <-p.drained:
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}

	p.mu.Lock()
	for id := range p.workers {
		p.retireLocked(id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}

	p.cancel()
	p.logger.Info("worker pool stopped")
	return nil
}
