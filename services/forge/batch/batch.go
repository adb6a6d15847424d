// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch coalesces expensive operations into windows and
// executes them through the worker pool, with results landing in the
// multi-tier cache.
//
// A window closes either when it reaches Config.BatchSize entries or
// when Config.BatchTimeout elapses after the first entry, whichever
// comes first. Concurrent requests carrying an identical cache key are
// collapsed into a single execution via singleflight; every caller
// still receives its own result.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/keyforge/services/forge/cache"
	"github.com/AleutianAI/keyforge/services/forge/pool"
)

// Op describes one operation submitted to the batch service. Params
// must be a value that serializes deterministically (see cache.Key);
// two Ops with equal Kind and Params are considered identical.
type Op struct {
	// Kind selects the execution partition. Operations of the same
	// Kind flush together.
	Kind string

	// Params are the operation arguments, hashed into the cache key.
	Params any

	// Priority is forwarded to the worker pool task.
	Priority int
}

// ExecFunc performs one operation. It runs on a pool worker and must
// honor ctx cancellation.
type ExecFunc func(ctx context.Context, op Op) (any, error)

// Config tunes batching behavior.
type Config struct {
	// BatchSize is the window capacity. A full window flushes
	// immediately.
	BatchSize int

	// BatchTimeout bounds how long the first entry of a window waits
	// before a partial flush.
	BatchTimeout time.Duration

	// TaskTimeout is applied to every pool task submitted on behalf of
	// a batched operation.
	TaskTimeout time.Duration

	// ResultTTL is the cache lifetime of successful results.
	ResultTTL time.Duration
}

// DefaultConfig returns production batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    16,
		BatchTimeout: 25 * time.Millisecond,
		TaskTimeout:  30 * time.Second,
		ResultTTL:    5 * time.Minute,
	}
}

type result struct {
	value any
	err   error
}

// request is one caller waiting inside the current window.
type request struct {
	op   Op
	key  string
	done chan result
}

// Stats is a point-in-time snapshot of service counters.
type Stats struct {
	Requests  int64
	CacheHits int64
	Deduped   int64
	Flushes   int64
	Executed  int64
}

// Service is the batched request front end. Create one with New.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	cfg    Config
	pool   *pool.Pool
	cache  *cache.MultiTierCache
	exec   ExecFunc
	logger *slog.Logger

	flight singleflight.Group

	mu      sync.Mutex
	pending []*request
	timer   *time.Timer
	closed  bool

	// flushes in progress, awaited by Close
	inflight sync.WaitGroup

	requests  atomic.Int64
	cacheHits atomic.Int64
	deduped   atomic.Int64
	flushes   atomic.Int64
	executed  atomic.Int64
}

// New builds a Service over the given pool, cache, and executor.
//
// Inputs:
//   - cfg: window sizing. Non-positive fields fall back to DefaultConfig.
//   - p: worker pool that runs the operations.
//   - c: result cache, consulted before batching.
//   - exec: the operation implementation.
//   - logger: may be nil, in which case slog.Default() is used.
func New(cfg Config, p *pool.Pool, c *cache.MultiTierCache, exec ExecFunc, logger *slog.Logger) (*Service, error) {
	if p == nil || c == nil || exec == nil {
		return nil, ErrNilDependency
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		pool:   p,
		cache:  c,
		exec:   exec,
		logger: logger,
	}, nil
}

// Do submits op and blocks until its result is available.
//
// Behavior:
//  1. The cache is consulted under op's key; a hit returns immediately.
//  2. Concurrent identical misses collapse into one window entry.
//  3. The entry flushes with its window and executes on the pool;
//     success is written back to the cache before callers unblock.
//
// Returns ErrServiceClosed after Close has begun. Execution errors are
// returned verbatim to every collapsed caller.
func (s *Service) Do(ctx context.Context, op Op) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.requests.Add(1)

	key := cache.Key(op.Kind, op.Params)
	if v, ok := s.cache.Get(ctx, key); ok {
		s.cacheHits.Add(1)
		return v, nil
	}

	v, err, shared := s.flight.Do(key, func() (any, error) {
		done, err := s.enqueue(op, key)
		if err != nil {
			return nil, err
		}
		r := <-done
		return r.value, r.err
	})
	if shared {
		s.deduped.Add(1)
	}
	return v, err
}

// enqueue adds one entry to the current window, opening a window (and
// arming its timer) when none is pending.
func (s *Service) enqueue(op Op, key string) (<-chan result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	req := &request{op: op, key: key, done: make(chan result, 1)}
	s.pending = append(s.pending, req)

	if len(s.pending) >= s.cfg.BatchSize {
		batch := s.takeLocked()
		s.inflight.Add(1)
		go s.flush(batch)
	} else if len(s.pending) == 1 {
		s.timer = time.AfterFunc(s.cfg.BatchTimeout, s.timerFlush)
	}
	return req.done, nil
}

// takeLocked detaches the pending window and disarms its timer.
// Caller holds s.mu.
func (s *Service) takeLocked() []*request {
	batch := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return batch
}

func (s *Service) timerFlush() {
	s.mu.Lock()
	batch := s.takeLocked()
	if len(batch) > 0 {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if len(batch) > 0 {
		s.flush(batch)
	}
}

// flush partitions a window by Kind and runs the partitions in
// parallel. Every request resolves independently; a failing operation
// never poisons its window siblings.
func (s *Service) flush(batch []*request) {
	defer s.inflight.Done()
	s.flushes.Add(1)

	parts := make(map[string][]*request)
	for _, r := range batch {
		parts[r.op.Kind] = append(parts[r.op.Kind], r)
	}

	// Flushes run detached from any caller, so the span is a root.
	ctx, span := tracer.Start(context.Background(), "Batch.Flush",
		trace.WithAttributes(
			attribute.Int("batch.size", len(batch)),
			attribute.Int("batch.partitions", len(parts)),
		),
	)
	defer span.End()
	start := time.Now()

	var g errgroup.Group
	for kind, reqs := range parts {
		kind, reqs := kind, reqs
		g.Go(func() error {
			s.runPartition(kind, reqs)
			return nil
		})
	}
	_ = g.Wait()

	recordFlush(ctx, len(batch), len(parts), time.Since(start))
}

// runPartition submits one pool task per request, then awaits and
// resolves each in submission order.
func (s *Service) runPartition(kind string, reqs []*request) {
	completions := make([]*pool.Completion, len(reqs))
	for i, r := range reqs {
		op := r.op
		c, err := s.pool.Submit(pool.Task{
			Kind:     kind,
			Priority: op.Priority,
			Timeout:  s.cfg.TaskTimeout,
			Execute: func(ctx context.Context) (any, error) {
				return s.exec(ctx, op)
			},
		})
		if err != nil {
			r.done <- result{err: err}
			continue
		}
		completions[i] = c
	}

	for i, r := range reqs {
		c := completions[i]
		if c == nil {
			continue
		}
		v, err := c.Wait(context.Background())
		s.executed.Add(1)
		if err == nil {
			if serr := s.cache.Set(context.Background(), r.key, v, cache.TierHot, s.cfg.ResultTTL); serr != nil {
				s.logger.Warn("batch result not cached", "kind", kind, "error", serr)
			}
		}
		r.done <- result{value: v, err: err}
	}
}

// Flush forces the current partial window out without waiting for the
// timer. It does not wait for execution to finish.
func (s *Service) Flush() {
	s.mu.Lock()
	batch := s.takeLocked()
	if len(batch) > 0 {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if len(batch) > 0 {
		go s.flush(batch)
	}
}

// Close flushes the pending window, then waits for in-flight flushes
// to resolve or for ctx to expire. Subsequent Do calls fail with
// ErrServiceClosed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	batch := s.takeLocked()
	if len(batch) > 0 {
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if len(batch) > 0 {
		go s.flush(batch)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		CacheHits: s.cacheHits.Load(),
		Deduped:   s.deduped.Load(),
		Flushes:   s.flushes.Load(),
		Executed:  s.executed.Load(),
	}
}

// Ping reports whether the service is accepting requests.
func (s *Service) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}
