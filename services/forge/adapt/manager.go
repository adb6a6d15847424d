// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapt owns versioned cryptographic resources and drives
// quorum-vote consensus over their mutation.
//
// A resource moves through a small state machine: Unlocked, then
// Voting while a proposal is open, then back to Unlocked with the
// consensus version bumped on commit or unchanged on rejection and
// expiry. The locked flag is the only serialization a resource needs;
// it admits at most one open proposal at a time.
package adapt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/pool"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

// Config tunes consensus behavior.
type Config struct {
	// SelfID identifies this node as a proposer in broadcast messages.
	SelfID transport.PeerID

	// QuorumRatio is the fraction of the replica set whose approving
	// votes commit a proposal. Required votes = ceil(len(replicas) * ratio).
	QuorumRatio float64

	// EnergyChangeThreshold is the minimum relative energy delta that
	// justifies a consensus round.
	EnergyChangeThreshold float64

	// MinInterval is the minimum spacing between committed adaptations
	// of one resource.
	MinInterval time.Duration

	// VoteTimeout bounds how long a proposal stays open.
	VoteTimeout time.Duration

	// SendTimeout bounds each peer send during broadcasts.
	SendTimeout time.Duration

	// KeyTimeout bounds key-material generation on the pool.
	KeyTimeout time.Duration
}

// DefaultConfig returns production consensus defaults.
func DefaultConfig() Config {
	return Config{
		SelfID:                "forge-local",
		QuorumRatio:           0.67,
		EnergyChangeThreshold: 0.5,
		MinInterval:           10 * time.Second,
		VoteTimeout:           5 * time.Second,
		SendTimeout:           2 * time.Second,
		KeyTimeout:            30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Resources         int
	OpenProposals     int
	Committed         int64
	Rejected          int64
	Expired           int64
	Migrations        int64
	ReplicationErrors int64
}

// Manager owns the local resource map and runs consensus rounds.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The mutex is never held
// across a peer send or a pool wait.
type Manager struct {
	cfg     Config
	pool    *pool.Pool
	trans   transport.Transport
	backend crypto.Backend
	logger  *slog.Logger

	mu        sync.Mutex
	resources map[string]*resource
	proposals map[string]*proposal
	closed    bool

	committed  atomic.Int64
	rejected   atomic.Int64
	expired    atomic.Int64
	migrations atomic.Int64
	replErrors atomic.Int64
}

// New builds a Manager.
//
// Inputs:
//   - cfg: consensus tuning. Zero fields fall back to DefaultConfig.
//   - p: worker pool used for key-material generation.
//   - t: peer transport for replication, proposals, and migration.
//   - b: cryptographic backend.
//   - logger: may be nil, in which case slog.Default() is used.
func New(cfg Config, p *pool.Pool, t transport.Transport, b crypto.Backend, logger *slog.Logger) (*Manager, error) {
	if p == nil || t == nil || b == nil {
		return nil, ErrNilDependency
	}
	def := DefaultConfig()
	if cfg.SelfID == "" {
		cfg.SelfID = def.SelfID
	}
	if cfg.QuorumRatio <= 0 || cfg.QuorumRatio > 1 {
		cfg.QuorumRatio = def.QuorumRatio
	}
	if cfg.EnergyChangeThreshold <= 0 {
		cfg.EnergyChangeThreshold = def.EnergyChangeThreshold
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = def.VoteTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = def.KeyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		pool:      p,
		trans:     t,
		backend:   b,
		logger:    logger,
		resources: make(map[string]*resource),
		proposals: make(map[string]*proposal),
	}, nil
}

// Register creates a managed resource at consensus version 1.
//
// Behavior:
//  1. Energy is computed from value and frequency and mapped to a
//     complexity tier.
//  2. Key material for that tier is generated on the worker pool, at a
//     priority derived from the resource's value.
//  3. The resource is installed locally, then replicated best-effort
//     to every replica peer. Replication failures are logged and
//     counted, never fatal.
func (m *Manager) Register(ctx context.Context, id string, value, frequency *big.Int, replicas []transport.PeerID) (Snapshot, error) {
	if value == nil || frequency == nil || value.Sign() < 0 || frequency.Sign() < 0 {
		return Snapshot{}, ErrNilValue
	}
	ctx, span := tracer.Start(ctx, "Manager.Register",
		trace.WithAttributes(
			attribute.String("resource.id", id),
			attribute.Int("resource.replicas", len(replicas)),
		),
	)
	defer span.End()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrManagerClosed
	}
	if _, ok := m.resources[id]; ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateResource, id)
	}
	m.mu.Unlock()

	tier := TierForEnergy(Energy(value, frequency))
	keyRef, err := m.generateKey(ctx, tier, PriorityForValue(value))
	if err != nil {
		err = fmt.Errorf("register %s: %w", id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "key generation failed")
		return Snapshot{}, err
	}

	now := time.Now()
	r := &resource{
		id:         id,
		value:      new(big.Int).Set(value),
		frequency:  new(big.Int).Set(frequency),
		tier:       tier,
		keyRef:     keyRef,
		replicaSet: append([]transport.PeerID(nil), replicas...),
		version:    1,
		createdAt:  now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrManagerClosed
	}
	if _, ok := m.resources[id]; ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateResource, id)
	}
	m.resources[id] = r
	snap := r.snapshot()
	m.mu.Unlock()

	m.replicate(ctx, snap)
	return snap, nil
}

// Install adopts a resource received from a peer, as the receiving end
// of replication or migration. An existing copy is overwritten only if
// the incoming version is not older.
func (m *Manager) Install(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if existing, ok := m.resources[snap.ID]; ok && existing.version > snap.ConsensusVersion {
		return fmt.Errorf("install %s: local version %d is newer than %d",
			snap.ID, existing.version, snap.ConsensusVersion)
	}
	m.resources[snap.ID] = &resource{
		id:         snap.ID,
		value:      new(big.Int).Set(snap.Value),
		frequency:  new(big.Int).Set(snap.Frequency),
		tier:       snap.Tier,
		keyRef:     snap.KeyRef,
		replicaSet: append([]transport.PeerID(nil), snap.ReplicaSet...),
		version:    snap.ConsensusVersion,
		createdAt:  time.Now(),
	}
	return nil
}

// Get returns a copy of the named resource.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return r.snapshot(), nil
}

// EvaluateAdaptation decides whether the proposed value and frequency
// justify a consensus round, runs the round if so, and blocks until it
// resolves or expires.
//
// Behavior:
//   - A locked resource reports Adapted=false with ReasonLocked
//     immediately. Too small an energy delta, or an adaptation inside
//     the minimum interval, short-circuit the same way.
//   - Otherwise the resource locks, the proposal is broadcast to the
//     replica set, and replica votes arrive through Vote. The round
//     resolves as committed, rejected, or expired; the resource
//     unlocks in every case. Only a commit changes resource state, and
//     it bumps ConsensusVersion by exactly 1.
//   - Key material is rotated during a commit only when the complexity
//     tier actually changed.
func (m *Manager) EvaluateAdaptation(ctx context.Context, id string, newValue, newFrequency *big.Int) (Outcome, error) {
	if newValue == nil || newFrequency == nil || newValue.Sign() < 0 || newFrequency.Sign() < 0 {
		return Outcome{}, ErrNilValue
	}

	ctx, span := tracer.Start(ctx, "Manager.EvaluateAdaptation",
		trace.WithAttributes(attribute.String("resource.id", id)),
	)
	defer span.End()

	p, outcome, err := m.openRound(id, newValue, newFrequency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	if p == nil {
		span.SetAttributes(attribute.String("round.outcome", string(outcome.Reason)))
		return outcome, nil
	}
	span.SetAttributes(attribute.String("proposal.id", p.id))

	m.broadcastProposal(ctx, p)

	res := m.awaitResolution(ctx, p)
	switch res {
	case resolutionApproved:
		out, err := m.commit(ctx, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("round.outcome", string(out.Reason)))
		}
		return out, err
	case resolutionRejected:
		m.abandon(p)
		m.rejected.Add(1)
		recordRound(ctx, ReasonRejected)
		span.SetAttributes(attribute.String("round.outcome", string(ReasonRejected)))
		return Outcome{Adapted: false, Reason: ReasonRejected, ProposalID: p.id}, nil
	default:
		m.abandon(p)
		m.expired.Add(1)
		recordRound(ctx, ReasonExpired)
		span.SetAttributes(attribute.String("round.outcome", string(ReasonExpired)))
		return Outcome{Adapted: false, Reason: ReasonExpired, ProposalID: p.id}, nil
	}
}

// openRound performs the threshold checks and, when they pass, locks
// the resource and registers an open proposal. A nil proposal with a
// nil error means the outcome explains why no round was needed.
func (m *Manager) openRound(id string, newValue, newFrequency *big.Int) (*proposal, Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, Outcome{}, ErrManagerClosed
	}
	r, ok := m.resources[id]
	if !ok {
		return nil, Outcome{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	if r.locked {
		return nil, Outcome{Adapted: false, Reason: ReasonLocked}, nil
	}

	before := Energy(r.value, r.frequency)
	after := Energy(newValue, newFrequency)
	delta := RelativeDelta(before, after)
	if delta <= m.cfg.EnergyChangeThreshold {
		return nil, Outcome{Adapted: false, Reason: ReasonBelowThreshold}, nil
	}
	if m.cfg.MinInterval > 0 && !r.lastAdaptation.IsZero() &&
		time.Since(r.lastAdaptation) < m.cfg.MinInterval {
		return nil, Outcome{Adapted: false, Reason: ReasonTooSoon}, nil
	}

	now := time.Now()
	p := &proposal{
		id:           uuid.NewString(),
		resourceID:   id,
		proposer:     m.cfg.SelfID,
		newValue:     new(big.Int).Set(newValue),
		newFrequency: new(big.Int).Set(newFrequency),
		newTier:      TierForEnergy(after),
		delta:        delta,
		required:     requiredVotes(len(r.replicaSet), m.cfg.QuorumRatio),
		replicaCount: len(r.replicaSet),
		createdAt:    now,
		expiry:       now.Add(m.cfg.VoteTimeout),
		votes:        make(map[transport.PeerID]bool),
		resolved:     make(chan resolution, 1),
	}
	r.locked = true
	m.proposals[p.id] = p
	return p, Outcome{}, nil
}

// requiredVotes computes ceil(n * ratio), never less than 1 for a
// non-empty replica set.
func requiredVotes(n int, ratio float64) int {
	if n == 0 {
		return 0
	}
	req := int(math.Ceil(float64(n) * ratio))
	if req < 1 {
		req = 1
	}
	return req
}

// Vote records one replica peer's decision on an open proposal.
//
// Duplicate votes from the same peer keep the first decision. When the
// collected votes settle the round, either by reaching the approval
// quorum or by making approval impossible, the waiting evaluator is
// released.
func (m *Manager) Vote(ctx context.Context, proposalID string, peer transport.PeerID, approve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	p, ok := m.proposals[proposalID]
	if !ok || p.state != resolutionPending {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	r, ok := m.resources[p.resourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, p.resourceID)
	}
	if !r.isReplica(peer) {
		return fmt.Errorf("%w: %s", ErrNotReplica, peer)
	}
	if _, voted := p.votes[peer]; voted {
		return nil
	}
	p.votes[peer] = approve
	recordVote(ctx, approve)

	if res := p.evaluate(); res != resolutionPending {
		p.state = res
		p.resolved <- res
	}
	return nil
}

// awaitResolution blocks until the round settles or its expiry passes.
func (m *Manager) awaitResolution(ctx context.Context, p *proposal) resolution {
	timer := time.NewTimer(time.Until(p.expiry))
	defer timer.Stop()
	select {
	case res := <-p.resolved:
		return res
	case <-timer.C:
	case <-ctx.Done():
	}

	// The timer (or caller cancellation) may race a winning vote; the
	// vote's resolution stands if it landed first.
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.state == resolutionPending {
		p.state = resolutionExpired
	}
	return p.state
}

// commit applies an approved proposal: rotate key material if the tier
// changed, bump the version, record history, unlock.
func (m *Manager) commit(ctx context.Context, p *proposal) (Outcome, error) {
	m.mu.Lock()
	r, ok := m.resources[p.resourceID]
	if !ok {
		delete(m.proposals, p.id)
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrResourceNotFound, p.resourceID)
	}
	oldTier := r.tier
	rotate := p.newTier != oldTier
	m.mu.Unlock()

	var newKey crypto.KeyRef
	if rotate {
		var err error
		newKey, err = m.generateKey(ctx, p.newTier, PriorityForValue(p.newValue))
		if err != nil {
			// The round was approved but the new key never materialized.
			// Leave the resource exactly as it was.
			m.abandon(p)
			return Outcome{}, fmt.Errorf("commit %s: %w", p.resourceID, err)
		}
	}

	m.mu.Lock()
	now := time.Now()
	record := AdaptationRecord{
		ProposalID: p.id,
		At:         now,
		OldValue:   new(big.Int).Set(r.value),
		NewValue:   new(big.Int).Set(p.newValue),
		OldTier:    oldTier,
		NewTier:    p.newTier,
		KeyRotated: rotate,
	}
	r.value = new(big.Int).Set(p.newValue)
	r.frequency = new(big.Int).Set(p.newFrequency)
	r.tier = p.newTier
	if rotate {
		r.keyRef = newKey
	}
	r.version++
	r.history = append(r.history, record)
	r.lastAdaptation = now
	r.locked = false
	delete(m.proposals, p.id)
	snap := r.snapshot()
	version := r.version
	m.mu.Unlock()

	m.committed.Add(1)
	recordRound(ctx, ReasonCommitted)
	m.replicate(ctx, snap)

	return Outcome{
		Adapted:    true,
		Reason:     ReasonCommitted,
		ProposalID: p.id,
		NewTier:    p.newTier,
		NewVersion: version,
		KeyRotated: rotate,
	}, nil
}

// abandon discards a proposal without touching resource state beyond
// clearing the lock.
func (m *Manager) abandon(p *proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[p.resourceID]; ok {
		r.locked = false
	}
	delete(m.proposals, p.id)
}

// Migrate transfers ownership of a resource to a target peer.
//
// The full snapshot travels in one KindMigrate message. The local copy
// is removed only after the target acknowledges receipt; on any send
// failure or negative ack the resource stays local and the error is
// returned as a *transport.SendError.
func (m *Manager) Migrate(ctx context.Context, id string, target transport.PeerID) error {
	ctx, span := tracer.Start(ctx, "Manager.Migrate",
		trace.WithAttributes(
			attribute.String("resource.id", id),
			attribute.String("migrate.target", string(target)),
		),
	)
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	r, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	if r.locked {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResourceLocked, id)
	}
	// Hold the lock flag for the duration of the transfer so a
	// concurrent proposal cannot mutate a resource that is leaving.
	r.locked = true
	snap := r.snapshot()
	m.mu.Unlock()

	unlock := func() {
		m.mu.Lock()
		if r, ok := m.resources[id]; ok {
			r.locked = false
		}
		m.mu.Unlock()
	}

	payload, err := encodeSnapshot(snap)
	if err != nil {
		unlock()
		return fmt.Errorf("migrate %s: %w", id, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	ack, err := m.trans.Send(sendCtx, target, transport.Message{
		Kind:       transport.KindMigrate,
		ResourceID: id,
		Payload:    payload,
		SentAt:     time.Now(),
	})
	if err != nil {
		unlock()
		sendErr := &transport.SendError{Peer: target, Err: err}
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "migrate send failed")
		return sendErr
	}
	if !ack.Accepted {
		unlock()
		sendErr := &transport.SendError{
			Peer: target,
			Err:  fmt.Errorf("%w: %s", transport.ErrRejected, ack.Detail),
		}
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "migrate declined by target")
		return sendErr
	}

	m.mu.Lock()
	delete(m.resources, id)
	m.mu.Unlock()
	m.migrations.Add(1)
	m.logger.Info("resource migrated", "resource", id, "target", target)
	return nil
}

// generateKey runs key-material generation on the worker pool and
// waits for the result.
func (m *Manager) generateKey(ctx context.Context, tier crypto.Tier, priority int) (crypto.KeyRef, error) {
	completion, err := m.pool.Submit(pool.Task{
		Kind:     "generate-key",
		Priority: priority,
		Timeout:  m.cfg.KeyTimeout,
		Execute: func(taskCtx context.Context) (any, error) {
			return m.backend.GenerateKeyMaterial(taskCtx, tier)
		},
	})
	if err != nil {
		return "", err
	}
	v, err := completion.Wait(ctx)
	if err != nil {
		return "", err
	}
	ref, ok := v.(crypto.KeyRef)
	if !ok {
		return "", fmt.Errorf("backend returned %T, want crypto.KeyRef", v)
	}
	return ref, nil
}

// replicate pushes a snapshot to every replica peer, best effort.
func (m *Manager) replicate(ctx context.Context, snap Snapshot) {
	if len(snap.ReplicaSet) == 0 {
		return
	}
	payload, err := encodeSnapshot(snap)
	if err != nil {
		m.logger.Error("snapshot encode failed, replication skipped",
			"resource", snap.ID, "error", err)
		return
	}
	msg := transport.Message{
		Kind:       transport.KindReplicate,
		ResourceID: snap.ID,
		Payload:    payload,
		SentAt:     time.Now(),
	}

	var wg sync.WaitGroup
	for _, peer := range snap.ReplicaSet {
		wg.Add(1)
		go func(peer transport.PeerID) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
			ack, err := m.trans.Send(sendCtx, peer, msg)
			if err != nil {
				m.replErrors.Add(1)
				m.logger.Warn("replication send failed",
					"resource", snap.ID, "peer", peer,
					"error", &transport.SendError{Peer: peer, Err: err})
				return
			}
			if !ack.Accepted {
				m.replErrors.Add(1)
				m.logger.Warn("replication refused",
					"resource", snap.ID, "peer", peer, "detail", ack.Detail)
			}
		}(peer)
	}
	wg.Wait()
}

// broadcastProposal announces a round to the replica set, best effort.
// A peer that never hears the proposal simply never votes.
func (m *Manager) broadcastProposal(ctx context.Context, p *proposal) {
	payload, err := encodeProposal(p)
	if err != nil {
		m.logger.Error("proposal encode failed", "proposal", p.id, "error", err)
		return
	}

	m.mu.Lock()
	r, ok := m.resources[p.resourceID]
	var peers []transport.PeerID
	if ok {
		peers = append(peers, r.replicaSet...)
	}
	m.mu.Unlock()

	msg := transport.Message{
		Kind:       transport.KindProposal,
		ResourceID: p.resourceID,
		ProposalID: p.id,
		Payload:    payload,
		SentAt:     time.Now(),
	}
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer transport.PeerID) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
			if _, err := m.trans.Send(sendCtx, peer, msg); err != nil {
				m.logger.Warn("proposal send failed",
					"proposal", p.id, "peer", peer,
					"error", &transport.SendError{Peer: peer, Err: err})
			}
		}(peer)
	}
	wg.Wait()
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	resources := len(m.resources)
	open := len(m.proposals)
	m.mu.Unlock()
	return Stats{
		Resources:         resources,
		OpenProposals:     open,
		Committed:         m.committed.Load(),
		Rejected:          m.rejected.Load(),
		Expired:           m.expired.Load(),
		Migrations:        m.migrations.Load(),
		ReplicationErrors: m.replErrors.Load(),
	}
}

// Ping reports whether the manager is accepting operations.
func (m *Manager) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// Close stops the manager. Open proposals resolve as expired through
// their own timers; resources are dropped from memory.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return nil
}
