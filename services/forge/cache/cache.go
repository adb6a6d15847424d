// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the multi-tier operation-result cache.
//
// Three in-memory tiers (hot, warm, cold) sit above an optional remote
// store. Reads probe hot first and promote hits one tier upward; writes
// land at the requested tier, evicting that tier's LRU entry when full.
// Background loops sweep expired entries and rebalance tiers by access
// frequency.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Option customizes a MultiTierCache.
type Option func(*MultiTierCache)

// WithRemote attaches the optional remote tier.
func WithRemote(store RemoteStore) Option {
	return func(c *MultiTierCache) { c.remote = store }
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *MultiTierCache) { c.logger = logger }
}

// withClock injects a test clock.
func withClock(clk clock) Option {
	return func(c *MultiTierCache) { c.clk = clk }
}

// MultiTierCache is the hot/warm/cold (+ optional remote) cache.
//
// # Thread Safety
//
// Safe for concurrent use. The in-memory tiers are guarded by a single
// mutex; remote I/O happens outside the lock.
type MultiTierCache struct {
	config Config
	logger *slog.Logger
	clk    clock
	remote RemoteStore

	mu     sync.Mutex
	tiers  [3]*tierStore // indexed by TierHot, TierWarm, TierCold
	closed bool

	bg     sync.Mutex // guards background lifecycle
	done   chan struct{}
	bgWg   sync.WaitGroup
	active bool

	hits       int64
	misses     int64
	remoteHits int64
	evictions  int64
	promotions int64
	demotions  int64
	expired    int64
}

// New creates a cache with the given configuration.
func New(cfg Config, opts ...Option) *MultiTierCache {
	if cfg.HotCapacity <= 0 {
		cfg.HotCapacity = DefaultHotCapacity
	}
	if cfg.WarmCapacity <= 0 {
		cfg.WarmCapacity = DefaultWarmCapacity
	}
	if cfg.ColdCapacity <= 0 {
		cfg.ColdCapacity = DefaultColdCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}
	if cfg.WarmPromoteAccesses <= 0 {
		cfg.WarmPromoteAccesses = DefaultWarmPromoteAccesses
	}
	if cfg.ColdPromoteAccesses <= 0 {
		cfg.ColdPromoteAccesses = DefaultColdPromoteAccesses
	}
	if cfg.HotInactivity <= 0 {
		cfg.HotInactivity = DefaultHotInactivity
	}

	c := &MultiTierCache{
		config: cfg,
		logger: slog.Default(),
		clk:    systemClock{},
	}
	c.tiers[TierHot] = newTierStore(cfg.HotCapacity)
	c.tiers[TierWarm] = newTierStore(cfg.WarmCapacity)
	c.tiers[TierCold] = newTierStore(cfg.ColdCapacity)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value, probing hot → warm → cold → remote.
//
// # Description
//
// A hit below the hot tier is promoted exactly one tier upward with its
// access count preserved. A remote hit is inserted into the warm tier
// locally. Expired entries encountered during the probe are removed and
// treated as misses.
//
// # Outputs
//
//   - any: the cached value, nil on miss.
//   - bool: whether the key was found.
func (c *MultiTierCache) Get(ctx context.Context, key string) (any, bool) {
	ctx, span := startCacheSpan(ctx, "Get", key)
	defer span.End()
	now := c.clk.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		setCacheSpanResult(span, false, "")
		return nil, false
	}

	for tier := TierHot; tier <= TierCold; tier++ {
		store := c.tiers[tier]
		elem, ok := store.index[key]
		if !ok {
			continue
		}
		entry := elem.Value.(*Entry)

		if entry.expired(now) {
			c.removeFromLocked(tier, key)
			atomic.AddInt64(&c.expired, 1)
			break // at most one tier holds the key
		}

		entry.AccessCount++
		entry.LastAccess = now

		if tier == TierHot {
			store.lru.MoveToFront(elem)
		} else {
			// Promote one tier upward: remove from source first.
			c.removeFromLocked(tier, key)
			c.insertLocked(entry, tier-1)
			atomic.AddInt64(&c.promotions, 1)
		}

		value := entry.Value
		c.mu.Unlock()
		atomic.AddInt64(&c.hits, 1)
		recordHit(ctx, tier.String())
		setCacheSpanResult(span, true, tier.String())
		return value, true
	}
	c.mu.Unlock()

	if value, ok := c.remoteGet(ctx, key, now); ok {
		setCacheSpanResult(span, true, TierRemote.String())
		return value, true
	}

	atomic.AddInt64(&c.misses, 1)
	recordMiss(ctx)
	setCacheSpanResult(span, false, "")
	return nil, false
}

// remoteGet probes the remote store and caches a hit into the warm tier.
func (c *MultiTierCache) remoteGet(ctx context.Context, key string, now time.Time) (any, bool) {
	if c.remote == nil {
		return nil, false
	}

	raw, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.logger.Warn("remote cache probe failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	value, err := decodeRemote(raw)
	if err != nil {
		c.logger.Warn("remote cache entry undecodable, dropping",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = c.remote.Delete(ctx, key)
		return nil, false
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		StoredAt:   now,
		LastAccess: now,
		Size:       estimateSize(value),
		TTL:        c.config.DefaultTTL,
	}

	c.mu.Lock()
	if !c.closed {
		c.removeLocked(key)
		c.insertLocked(entry, TierWarm)
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	atomic.AddInt64(&c.remoteHits, 1)
	recordHit(ctx, TierRemote.String())
	return value, true
}

// Set stores a value at the requested tier.
//
// A zero ttl falls back to the configured default. Setting a key removes
// any copy held by another tier first, preserving the one-tier
// invariant.
func (c *MultiTierCache) Set(ctx context.Context, key string, value any, tier Tier, ttl time.Duration) error {
	ctx, span := startCacheSpan(ctx, "Set", key)
	defer span.End()
	span.SetAttributes(attribute.String("cache.tier", tier.String()))

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.clk.Now()

	if tier == TierRemote {
		if c.remote == nil {
			return ErrNoRemote
		}
		raw, err := encodeRemote(value)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrCacheClosed
		}
		c.removeLocked(key)
		c.mu.Unlock()
		return c.remote.Set(ctx, key, raw, ttl)
	}
	if tier < TierHot || tier > TierCold {
		return ErrInvalidTier
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		StoredAt:   now,
		LastAccess: now,
		Size:       estimateSize(value),
		TTL:        ttl,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.removeLocked(key)
	c.insertLocked(entry, tier)
	c.mu.Unlock()
	return nil
}

// Delete removes a key from every tier, including remote.
func (c *MultiTierCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()

	if c.remote != nil {
		return c.remote.Delete(ctx, key)
	}
	return nil
}

// insertLocked places an entry at a tier, evicting that tier's LRU entry
// if it is full. Caller holds the mutex.
func (c *MultiTierCache) insertLocked(entry *Entry, tier Tier) {
	store := c.tiers[tier]
	for store.lru.Len() >= store.capacity {
		oldest := store.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*Entry)
		store.lru.Remove(oldest)
		delete(store.index, victim.Key)
		atomic.AddInt64(&c.evictions, 1)
	}
	entry.Tier = tier
	store.index[entry.Key] = store.lru.PushFront(entry)
}

// removeLocked removes a key from whichever in-memory tier holds it.
func (c *MultiTierCache) removeLocked(key string) (*Entry, bool) {
	for tier := TierHot; tier <= TierCold; tier++ {
		if entry, ok := c.removeFromLocked(tier, key); ok {
			return entry, true
		}
	}
	return nil, false
}

// removeFromLocked removes a key from one specific tier.
func (c *MultiTierCache) removeFromLocked(tier Tier, key string) (*Entry, bool) {
	store := c.tiers[tier]
	elem, ok := store.index[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	store.lru.Remove(elem)
	delete(store.index, key)
	return entry, true
}

// Sweep removes every expired entry from the in-memory tiers.
//
// The remote store enforces its own TTLs.
func (c *MultiTierCache) Sweep() int {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for tier := TierHot; tier <= TierCold; tier++ {
		store := c.tiers[tier]
		var stale []*list.Element
		for elem := store.lru.Back(); elem != nil; elem = elem.Prev() {
			if elem.Value.(*Entry).expired(now) {
				stale = append(stale, elem)
			}
		}
		for _, elem := range stale {
			entry := elem.Value.(*Entry)
			store.lru.Remove(elem)
			delete(store.index, entry.Key)
			removed++
		}
	}
	atomic.AddInt64(&c.expired, int64(removed))
	return removed
}

// Rebalance promotes frequently-read entries and demotes stale hot ones.
//
// # Description
//
// One pass, two phases:
//  1. Promotion: cold entries read more than ColdPromoteAccesses times
//     move to warm; warm entries read more than WarmPromoteAccesses
//     times move to hot. Access counts reset so a promotion must be
//     re-earned at the new tier.
//  2. Demotion: hot entries untouched for longer than HotInactivity
//     move to warm.
func (c *MultiTierCache) Rebalance() (promoted, demoted int) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Phase 1: promotions, lowest tier first so an entry climbs at most
	// one level per pass.
	type move struct {
		entry *Entry
		from  Tier
		to    Tier
	}
	var moves []move
	for elem := c.tiers[TierCold].lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.AccessCount > c.config.ColdPromoteAccesses {
			moves = append(moves, move{entry, TierCold, TierWarm})
		}
	}
	for elem := c.tiers[TierWarm].lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.AccessCount > c.config.WarmPromoteAccesses {
			moves = append(moves, move{entry, TierWarm, TierHot})
		}
	}
	for _, m := range moves {
		c.removeFromLocked(m.from, m.entry.Key)
		m.entry.AccessCount = 0
		c.insertLocked(m.entry, m.to)
		promoted++
	}

	// Phase 2: demote idle hot entries.
	var idle []*Entry
	for elem := c.tiers[TierHot].lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if now.Sub(entry.LastAccess) > c.config.HotInactivity {
			idle = append(idle, entry)
		}
	}
	for _, entry := range idle {
		c.removeFromLocked(TierHot, entry.Key)
		c.insertLocked(entry, TierWarm)
		demoted++
	}

	atomic.AddInt64(&c.promotions, int64(promoted))
	atomic.AddInt64(&c.demotions, int64(demoted))
	return promoted, demoted
}

// Ping reports whether the cache is usable.
func (c *MultiTierCache) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	return nil
}

// Stats returns a snapshot of cache counters and tier sizes.
func (c *MultiTierCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		RemoteHits: atomic.LoadInt64(&c.remoteHits),
		Evictions:  atomic.LoadInt64(&c.evictions),
		Promotions: atomic.LoadInt64(&c.promotions),
		Demotions:  atomic.LoadInt64(&c.demotions),
		Expired:    atomic.LoadInt64(&c.expired),
		HotCount:   c.tiers[TierHot].lru.Len(),
		WarmCount:  c.tiers[TierWarm].lru.Len(),
		ColdCount:  c.tiers[TierCold].lru.Len(),
		HotBytes:   c.tiers[TierHot].bytes(),
		WarmBytes:  c.tiers[TierWarm].bytes(),
		ColdBytes:  c.tiers[TierCold].bytes(),
	}
}

// TierOf reports which tier currently holds key, for invariant checks.
func (c *MultiTierCache) TierOf(key string) (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tier := TierHot; tier <= TierCold; tier++ {
		if _, ok := c.tiers[tier].index[key]; ok {
			return tier, true
		}
	}
	return 0, false
}

// Clear drops every in-memory entry. The remote store is left intact.
func (c *MultiTierCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tier := TierHot; tier <= TierCold; tier++ {
		c.tiers[tier] = newTierStore(c.tiers[tier].capacity)
	}
}

// Close stops background loops, clears the tiers, and closes the remote
// store if one is attached.
func (c *MultiTierCache) Close() error {
	c.StopBackground()

	c.mu.Lock()
	c.closed = true
	for tier := TierHot; tier <= TierCold; tier++ {
		c.tiers[tier] = newTierStore(c.tiers[tier].capacity)
	}
	c.mu.Unlock()

	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}
