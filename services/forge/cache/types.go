// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"reflect"
	"time"
)

// Default configuration values.
const (
	// DefaultHotCapacity is the default entry limit for the hot tier.
	DefaultHotCapacity = 128

	// DefaultWarmCapacity is the default entry limit for the warm tier.
	DefaultWarmCapacity = 512

	// DefaultColdCapacity is the default entry limit for the cold tier.
	DefaultColdCapacity = 2048

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = 30 * time.Second

	// DefaultRebalanceInterval is how often promotion/demotion runs.
	DefaultRebalanceInterval = 2 * time.Minute

	// DefaultWarmPromoteAccesses promotes a warm entry to hot once its
	// access count exceeds this threshold.
	DefaultWarmPromoteAccesses = 8

	// DefaultColdPromoteAccesses promotes a cold entry to warm once its
	// access count exceeds this threshold.
	DefaultColdPromoteAccesses = 3

	// DefaultHotInactivity demotes a hot entry untouched for this long.
	DefaultHotInactivity = 5 * time.Minute
)

// Tier identifies a cache level, ordered by access speed.
type Tier int

const (
	// TierHot is L1: smallest, fastest, first probed.
	TierHot Tier = iota

	// TierWarm is L2.
	TierWarm

	// TierCold is L3, the last in-memory level.
	TierCold

	// TierRemote is the optional distributed level behind a RemoteStore.
	TierRemote
)

// String returns the lowercase tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Entry is one cached value and its bookkeeping.
//
// An entry lives in exactly one tier at a time; promotion and demotion
// always remove it from the source tier before inserting into the
// destination.
type Entry struct {
	Key         string
	Value       any
	Tier        Tier
	StoredAt    time.Time // TTL basis; never refreshed by reads
	LastAccess  time.Time // LRU and demotion basis
	AccessCount int64
	Size        int64
	TTL         time.Duration
}

// expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > e.TTL
}

// estimateSize approximates the in-memory footprint of a cached value.
//
// Byte slices and strings are counted exactly; everything else falls
// back to its shallow type size. The estimate feeds Stats so tier
// memory pressure is visible, it does not gate admission.
func estimateSize(value any) int64 {
	const overhead = 64 // Entry bookkeeping plus interface headers
	switch v := value.(type) {
	case nil:
		return overhead
	case []byte:
		return overhead + int64(len(v))
	case string:
		return overhead + int64(len(v))
	default:
		return overhead + int64(reflect.TypeOf(value).Size())
	}
}

// Config controls cache behavior.
type Config struct {
	// HotCapacity, WarmCapacity, ColdCapacity bound the in-memory tiers
	// by entry count. Insertion into a full tier evicts its LRU entry.
	HotCapacity  int
	WarmCapacity int
	ColdCapacity int

	// DefaultTTL applies when Set receives a zero TTL.
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration

	// RebalanceInterval is the period of the promotion/demotion pass.
	RebalanceInterval time.Duration

	// WarmPromoteAccesses and ColdPromoteAccesses are the per-tier
	// access-count thresholds above which an entry moves one tier up.
	WarmPromoteAccesses int64
	ColdPromoteAccesses int64

	// HotInactivity demotes hot entries not read for this long.
	HotInactivity time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HotCapacity:         DefaultHotCapacity,
		WarmCapacity:        DefaultWarmCapacity,
		ColdCapacity:        DefaultColdCapacity,
		DefaultTTL:          DefaultTTL,
		SweepInterval:       DefaultSweepInterval,
		RebalanceInterval:   DefaultRebalanceInterval,
		WarmPromoteAccesses: DefaultWarmPromoteAccesses,
		ColdPromoteAccesses: DefaultColdPromoteAccesses,
		HotInactivity:       DefaultHotInactivity,
	}
}

// Stats is a point-in-time snapshot of cache counters. The byte totals
// are estimates; see estimateSize.
type Stats struct {
	Hits       int64
	Misses     int64
	RemoteHits int64
	Evictions  int64
	Promotions int64
	Demotions  int64
	Expired    int64
	HotCount   int
	WarmCount  int
	ColdCount  int
	HotBytes   int64
	WarmBytes  int64
	ColdBytes  int64
}

// tierStore is one in-memory tier: a key index over an LRU list whose
// front is the most recently used entry.
type tierStore struct {
	capacity int
	index    map[string]*list.Element
	lru      *list.List
}

func newTierStore(capacity int) *tierStore {
	return &tierStore{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// bytes sums the size estimates of every entry in the tier. Tiers are
// bounded by capacity, so the scan is cheap enough for Stats.
func (t *tierStore) bytes() int64 {
	var total int64
	for elem := t.lru.Front(); elem != nil; elem = elem.Next() {
		total += elem.Value.(*Entry).Size
	}
	return total
}
