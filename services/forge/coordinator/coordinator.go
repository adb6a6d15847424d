// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator composes the worker pool, multi-tier cache,
// batch service, and resource manager behind one operation API, and
// runs the health, failover, and load-balance loops over them.
//
// All state lives inside the Coordinator struct. There are no package
// level singletons; construct with New, start the background loops
// with Start, and tear everything down with Shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/keyforge/services/forge/adapt"
	"github.com/AleutianAI/keyforge/services/forge/batch"
	"github.com/AleutianAI/keyforge/services/forge/cache"
	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/pool"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

// Package-level tracer for the operation API.
var tracer = otel.Tracer("aleutian.forge.coordinator")

// finishSpan records err, if any, before ending the span.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Config tunes the coordinator and its subcomponents.
type Config struct {
	// SelfID identifies this node to replica peers.
	SelfID transport.PeerID

	Pool  pool.Config
	Cache cache.Config
	Batch batch.Config
	Adapt adapt.Config

	// HealthInterval spaces health passes.
	HealthInterval time.Duration

	// LoadBalanceInterval spaces queue-depth inspections.
	LoadBalanceInterval time.Duration

	// PoolQueueHighWater is the queue depth above which a rebalance
	// signal fires.
	PoolQueueHighWater int

	// FailoverEnabled routes failing components to their restart
	// routines.
	FailoverEnabled bool

	// AutoScale lets a rebalance pass grow the pool.
	AutoScale bool

	// MaxPoolSize caps auto-scaling.
	MaxPoolSize int
}

// DefaultConfig returns production defaults for the coordinator and
// every subcomponent.
func DefaultConfig() Config {
	return Config{
		SelfID:              "forge-local",
		Pool:                pool.Config{Size: 8, QueueCapacity: 256, LoadBalanced: true},
		Cache:               cache.DefaultConfig(),
		Batch:               batch.DefaultConfig(),
		Adapt:               adapt.DefaultConfig(),
		HealthInterval:      10 * time.Second,
		LoadBalanceInterval: 30 * time.Second,
		PoolQueueHighWater:  128,
		FailoverEnabled:     true,
		AutoScale:           false,
		MaxPoolSize:         32,
	}
}

// Stats aggregates the component snapshots.
type Stats struct {
	Pool       pool.PoolStats
	Cache      cache.Stats
	Batch      batch.Stats
	Resources  adapt.Stats
	Health     HealthState
	Restarts   int64
	Rebalances int64
}

type options struct {
	remote cache.RemoteStore
	logger *slog.Logger
}

// Option customizes coordinator construction.
type Option func(*options)

// WithRemoteStore attaches a remote cache tier.
func WithRemoteStore(store cache.RemoteStore) Option {
	return func(o *options) { o.remote = store }
}

// WithLogger sets the logger shared by the coordinator and all
// subcomponents.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Coordinator is the unified entry point of the forge core.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	backend crypto.Backend
	trans   transport.Transport
	pool    *pool.Pool
	cache   *cache.MultiTierCache
	batch   *batch.Service
	mgr     *adapt.Manager

	restarts map[string]func() error

	obsMu     sync.RWMutex
	observers []EventHandler

	healthMu   sync.RWMutex
	lastHealth HealthReport

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	loops   sync.WaitGroup

	restarted  atomic.Int64
	rebalances atomic.Int64
}

// New composes a coordinator over the supplied crypto backend and peer
// transport. The pool, cache, batch service, and resource manager are
// constructed here and owned by the coordinator; Shutdown tears them
// down in dependency order.
func New(cfg Config, backend crypto.Backend, trans transport.Transport, opts ...Option) (*Coordinator, error) {
	if backend == nil || trans == nil {
		return nil, ErrNilDependency
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SelfID == "" {
		cfg.SelfID = def.SelfID
	}
	if cfg.Pool.Size <= 0 {
		cfg.Pool = def.Pool
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.LoadBalanceInterval <= 0 {
		cfg.LoadBalanceInterval = def.LoadBalanceInterval
	}
	if cfg.PoolQueueHighWater <= 0 {
		cfg.PoolQueueHighWater = def.PoolQueueHighWater
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	cfg.Adapt.SelfID = cfg.SelfID

	c := &Coordinator{
		cfg:     cfg,
		logger:  o.logger,
		backend: backend,
		trans:   trans,
		done:    make(chan struct{}),
	}

	c.pool = pool.New(cfg.Pool, o.logger)

	cacheOpts := []cache.Option{cache.WithLogger(o.logger)}
	if o.remote != nil {
		cacheOpts = append(cacheOpts, cache.WithRemote(o.remote))
	}
	c.cache = cache.New(cfg.Cache, cacheOpts...)

	var err error
	c.batch, err = batch.New(cfg.Batch, c.pool, c.cache, c.executeBatchOp, o.logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.mgr, err = adapt.New(cfg.Adapt, c.pool, trans, backend, o.logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c.restarts = map[string]func() error{
		"pool":  c.restartPool,
		"cache": c.restartCache,
	}

	c.pool.Notify(c.onPoolEvent)
	return c, nil
}

// Start launches the cache background maintenance and the health and
// load-balance loops. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.cache.StartBackground()
	c.loops.Add(2)
	go c.healthLoop(c.cfg.HealthInterval)
	go c.loadBalanceLoop(c.cfg.LoadBalanceInterval)
	c.logger.Info("coordinator started",
		"workers", c.cfg.Pool.Size,
		"health_interval", c.cfg.HealthInterval)
}

// onPoolEvent forwards pool lifecycle events to coordinator observers.
func (c *Coordinator) onPoolEvent(ev pool.Event) {
	switch ev.Kind {
	case pool.EventTaskError:
		c.emit(Event{Kind: EventComponentError, Component: "pool", Err: ev.Err, At: ev.At})
	case pool.EventWorkerReplaced:
		c.emit(Event{Kind: EventComponentRestarted, Component: "pool", At: ev.At})
	}
}

// restartPool re-asserts the configured worker count, replacing any
// capacity lost to crashes.
func (c *Coordinator) restartPool() error {
	if err := c.pool.Ping(); err != nil {
		return err
	}
	return c.pool.Scale(c.cfg.Pool.Size)
}

// restartCache restarts background maintenance after clearing whatever
// state the failure left behind.
func (c *Coordinator) restartCache() error {
	if err := c.cache.Ping(); err != nil {
		return err
	}
	c.cache.StopBackground()
	c.cache.StartBackground()
	return nil
}

// RegisterResource creates a managed resource from a value/frequency
// pair and replicates it to the given peers. A fresh id is assigned.
func (c *Coordinator) RegisterResource(ctx context.Context, value, frequency *big.Int, replicas []transport.PeerID) (_ adapt.Snapshot, err error) {
	ctx, span := tracer.Start(ctx, "Coordinator.RegisterResource",
		trace.WithAttributes(attribute.Int("resource.replicas", len(replicas))),
	)
	defer func() { finishSpan(span, err) }()

	if c.isClosed() {
		return adapt.Snapshot{}, ErrClosed
	}
	return c.mgr.Register(ctx, uuid.NewString(), value, frequency, replicas)
}

// registerWithID is the ProcessBatch path, honoring a caller-chosen id.
func (c *Coordinator) registerWithID(ctx context.Context, op CreateOp) (adapt.Snapshot, error) {
	if c.isClosed() {
		return adapt.Snapshot{}, ErrClosed
	}
	id := op.ID
	if id == "" {
		id = uuid.NewString()
	}
	return c.mgr.Register(ctx, id, op.Value, op.Frequency, op.Replicas)
}

// Sign derives a signature over data with the resource's key material.
//
// Signing goes through the batch service, so identical concurrent
// requests collapse to one backend execution and repeated requests
// serve from cache. A resource locked by an open consensus round
// refuses to sign until the round resolves; its key material may be
// about to rotate.
func (c *Coordinator) Sign(ctx context.Context, resourceID string, data []byte) (_ []byte, err error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Sign",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer func() { finishSpan(span, err) }()

	if c.isClosed() {
		return nil, ErrClosed
	}
	snap, err := c.mgr.Get(resourceID)
	if err != nil {
		return nil, err
	}
	if snap.Locked {
		return nil, fmt.Errorf("%w: %s", adapt.ErrResourceLocked, resourceID)
	}

	v, err := c.batch.Do(ctx, batch.Op{
		Kind:     "sign",
		Priority: adapt.PriorityForValue(snap.Value),
		Params: signParams{
			ResourceID:       resourceID,
			ConsensusVersion: snap.ConsensusVersion,
			KeyRef:           snap.KeyRef,
			Data:             data,
		},
	})
	if err != nil {
		return nil, err
	}
	sig, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadResult, v)
	}
	return sig, nil
}

// Verify checks a signature over data under the resource's key. A
// failed verification is (false, nil).
func (c *Coordinator) Verify(ctx context.Context, resourceID string, signature, data []byte) (_ bool, err error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Verify",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer func() { finishSpan(span, err) }()

	if c.isClosed() {
		return false, ErrClosed
	}
	snap, err := c.mgr.Get(resourceID)
	if err != nil {
		return false, err
	}
	if snap.Locked {
		return false, fmt.Errorf("%w: %s", adapt.ErrResourceLocked, resourceID)
	}

	v, err := c.batch.Do(ctx, batch.Op{
		Kind:     "verify",
		Priority: adapt.PriorityForValue(snap.Value),
		Params: verifyParams{
			ResourceID:       resourceID,
			ConsensusVersion: snap.ConsensusVersion,
			KeyRef:           snap.KeyRef,
			Signature:        signature,
			Data:             data,
		},
	})
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %T", ErrBadResult, v)
	}
	return ok, nil
}

// ProposeAdaptation runs the consensus flow for new resource
// economics and blocks until the round resolves.
func (c *Coordinator) ProposeAdaptation(ctx context.Context, resourceID string, newValue, newFrequency *big.Int) (_ adapt.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "Coordinator.ProposeAdaptation",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer func() { finishSpan(span, err) }()

	if c.isClosed() {
		return adapt.Outcome{}, ErrClosed
	}
	return c.mgr.EvaluateAdaptation(ctx, resourceID, newValue, newFrequency)
}

// Vote records a replica peer's decision on an open proposal.
func (c *Coordinator) Vote(ctx context.Context, proposalID string, peer transport.PeerID, approve bool) error {
	return c.mgr.Vote(ctx, proposalID, peer, approve)
}

// MigrateResource transfers a resource to a target peer.
func (c *Coordinator) MigrateResource(ctx context.Context, resourceID string, target transport.PeerID) (err error) {
	ctx, span := tracer.Start(ctx, "Coordinator.MigrateResource",
		trace.WithAttributes(
			attribute.String("resource.id", resourceID),
			attribute.String("migrate.target", string(target)),
		),
	)
	defer func() { finishSpan(span, err) }()

	if c.isClosed() {
		return ErrClosed
	}
	return c.mgr.Migrate(ctx, resourceID, target)
}

// GetResource returns a snapshot of a managed resource.
func (c *Coordinator) GetResource(resourceID string) (adapt.Snapshot, error) {
	return c.mgr.Get(resourceID)
}

// ProcessBatch fans a heterogeneous operation slice out to the right
// subcomponents in parallel and joins the results in input order. Each
// result carries its own error; one failing operation never affects
// the others.
func (c *Coordinator) ProcessBatch(ctx context.Context, ops []Operation) []Result {
	ctx, span := tracer.Start(ctx, "Coordinator.ProcessBatch",
		trace.WithAttributes(attribute.Int("batch.operations", len(ops))),
	)
	defer span.End()

	results := make([]Result, len(ops))
	var g errgroup.Group
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			results[i] = c.runOp(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runOp(ctx context.Context, op Operation) Result {
	res := Result{Op: op}
	switch o := op.(type) {
	case CreateOp:
		res.Value, res.Err = c.registerWithID(ctx, o)
	case SignOp:
		res.Value, res.Err = c.Sign(ctx, o.ResourceID, o.Data)
	case VerifyOp:
		res.Value, res.Err = c.Verify(ctx, o.ResourceID, o.Signature, o.Data)
	case AdaptOp:
		res.Value, res.Err = c.ProposeAdaptation(ctx, o.ResourceID, o.NewValue, o.NewFrequency)
	default:
		res.Err = fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	return res
}

// executeBatchOp is the batch service's executor. It routes sign and
// verify parameter sets to the crypto backend on a pool worker.
func (c *Coordinator) executeBatchOp(ctx context.Context, op batch.Op) (any, error) {
	switch p := op.Params.(type) {
	case signParams:
		return c.backend.Sign(ctx, p.KeyRef, p.Data)
	case verifyParams:
		return c.backend.Verify(ctx, p.KeyRef, p.Signature, p.Data)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, op.Params)
	}
}

// GetStats aggregates component snapshots and coordinator counters.
func (c *Coordinator) GetStats() Stats {
	return Stats{
		Pool:       c.pool.Stats(),
		Cache:      c.cache.Stats(),
		Batch:      c.batch.Stats(),
		Resources:  c.mgr.Stats(),
		Health:     c.Health().State,
		Restarts:   c.restarted.Load(),
		Rebalances: c.rebalances.Load(),
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown drains and stops everything the coordinator owns.
//
// Order matters: the batch service flushes first so queued requests
// reach the pool, the pool then drains its queue, the resource manager
// closes, and finally background loops stop and caches clear. The
// injected backend and transport belong to the caller and are left
// open.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started {
		close(c.done)
		c.loops.Wait()
	}

	var errs []error
	if err := c.batch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batch: %w", err))
	}
	if err := c.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := c.mgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("resources: %w", err))
	}
	c.cache.StopBackground()
	c.cache.Clear()
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	c.logger.Info("coordinator stopped", "errors", len(errs))
	return errors.Join(errs...)
}
