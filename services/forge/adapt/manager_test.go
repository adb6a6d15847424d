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
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/pool"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

const (
	peerA = transport.PeerID("peer-a")
	peerB = transport.PeerID("peer-b")
	peerC = transport.PeerID("peer-c")
)

var threeReplicas = []transport.PeerID{peerA, peerB, peerC}

type fixture struct {
	mgr   *Manager
	trans *transport.MemoryTransport
	pool  *pool.Pool

	mu        sync.Mutex
	proposals []transport.Message
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{}

	f.pool = pool.New(pool.Config{Size: 2, QueueCapacity: 16}, nil)
	t.Cleanup(func() { _ = f.pool.Shutdown(context.Background()) })

	backend := crypto.NewLocalBackend()
	t.Cleanup(func() { _ = backend.Close() })

	f.trans = transport.NewMemoryTransport("forge-test")
	ackAll := func(_ context.Context, _ transport.PeerID, msg transport.Message) (transport.Ack, error) {
		if msg.Kind == transport.KindProposal {
			f.mu.Lock()
			f.proposals = append(f.proposals, msg)
			f.mu.Unlock()
		}
		return transport.Ack{Accepted: true}, nil
	}
	for _, p := range threeReplicas {
		f.trans.Register(p, ackAll)
	}

	if cfg.SelfID == "" {
		cfg.SelfID = "forge-test"
	}
	mgr, err := New(cfg, f.pool, f.trans, backend, nil)
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(func() { _ = f.mgr.Close() })
	return f
}

func (f *fixture) lastProposalID(t *testing.T) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.proposals) == 0 {
			return false
		}
		id = f.proposals[len(f.proposals)-1].ProposalID
		return true
	}, 2*time.Second, time.Millisecond)
	return id
}

func TestEnergyAndTiers(t *testing.T) {
	t.Run("zero inputs give zero energy", func(t *testing.T) {
		e := Energy(big.NewInt(0), big.NewInt(100))
		assert.Equal(t, 0, e.Sign())
	})

	t.Run("energy grows with value and frequency", func(t *testing.T) {
		small := Energy(big.NewInt(500), big.NewInt(10))
		large := Energy(big.NewInt(50_000), big.NewInt(10))
		assert.Equal(t, -1, small.Cmp(large))
	})

	t.Run("huge integers do not overflow", func(t *testing.T) {
		v := new(big.Int).Lsh(big.NewInt(1), 200)
		e := Energy(v, v)
		assert.Equal(t, 1, e.Sign())
		assert.Equal(t, crypto.TierMaximum, TierForEnergy(e))
	})

	t.Run("tier thresholds", func(t *testing.T) {
		assert.Equal(t, crypto.TierLow, TierForEnergy(big.NewFloat(9_999)))
		assert.Equal(t, crypto.TierMedium, TierForEnergy(big.NewFloat(10_000)))
		assert.Equal(t, crypto.TierHigh, TierForEnergy(big.NewFloat(1_000_000)))
		assert.Equal(t, crypto.TierMaximum, TierForEnergy(big.NewFloat(100_000_000)))
	})

	t.Run("priority from value", func(t *testing.T) {
		assert.Equal(t, 1, PriorityForValue(big.NewInt(999)))
		assert.Equal(t, 5, PriorityForValue(big.NewInt(1_000)))
		assert.Equal(t, 10, PriorityForValue(big.NewInt(100_000)))
	})
}

func TestRequiredVotes(t *testing.T) {
	assert.Equal(t, 2, requiredVotes(3, 0.67))
	assert.Equal(t, 3, requiredVotes(4, 0.67))
	assert.Equal(t, 1, requiredVotes(1, 0.5))
	assert.Equal(t, 0, requiredVotes(0, 0.67))
}

func TestRegisterCreatesVersionOne(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	snap, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.ConsensusVersion)
	assert.Equal(t, crypto.TierLow, snap.Tier)
	assert.NotEmpty(t, snap.KeyRef)
	assert.False(t, snap.Locked)

	_, err = f.mgr.Register(ctx, "res-1", big.NewInt(1), big.NewInt(1), nil)
	assert.ErrorIs(t, err, ErrDuplicateResource)
}

func TestRegisterSurvivesReplicationFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.trans.Fail(peerB, errors.New("link down"))

	snap, err := f.mgr.Register(context.Background(), "res-1",
		big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err, "replication is best effort")
	assert.Equal(t, uint64(1), snap.ConsensusVersion)
	assert.Equal(t, int64(1), f.mgr.Stats().ReplicationErrors)
}

// Two of three replicas approve at ratio 0.67; the adaptation commits,
// the version moves 1 to 2, and the tier is recomputed from the new
// energy.
func TestAdaptationCommitsOnQuorum(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: 2 * time.Second, QuorumRatio: 0.67})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	var outcome Outcome
	var evalErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, evalErr = f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(50_000), big.NewInt(10))
	}()

	pid := f.lastProposalID(t)
	require.NoError(t, f.mgr.Vote(ctx, pid, peerA, true))
	require.NoError(t, f.mgr.Vote(ctx, pid, peerB, true))
	<-done

	require.NoError(t, evalErr)
	assert.True(t, outcome.Adapted)
	assert.Equal(t, ReasonCommitted, outcome.Reason)
	assert.Equal(t, uint64(2), outcome.NewVersion)
	assert.Equal(t, crypto.TierMedium, outcome.NewTier)
	assert.True(t, outcome.KeyRotated, "tier changed, key must rotate")

	snap, err := f.mgr.Get("res-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.ConsensusVersion)
	assert.Equal(t, big.NewInt(50_000), snap.Value)
	assert.False(t, snap.Locked)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].KeyRotated)
}

// Only one approval arrives before expiry; the round times out and the
// resource is untouched.
func TestAdaptationExpiresWithoutQuorum(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: 150 * time.Millisecond, QuorumRatio: 0.67})
	ctx := context.Background()

	before, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	var outcome Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, _ = f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(50_000), big.NewInt(10))
	}()

	pid := f.lastProposalID(t)
	require.NoError(t, f.mgr.Vote(ctx, pid, peerA, true))
	<-done

	assert.False(t, outcome.Adapted)
	assert.Equal(t, ReasonExpired, outcome.Reason)

	after, err := f.mgr.Get("res-1")
	require.NoError(t, err)
	assert.Equal(t, before.ConsensusVersion, after.ConsensusVersion)
	assert.Equal(t, before.Value, after.Value)
	assert.Equal(t, before.KeyRef, after.KeyRef)
	assert.False(t, after.Locked)
}

func TestAdaptationRejectsEarlyOnImpossibleApproval(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: 5 * time.Second, QuorumRatio: 0.67})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	var outcome Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, _ = f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(50_000), big.NewInt(10))
	}()

	// Two rejections out of three make two approvals unreachable; the
	// round must not wait out the full five seconds.
	start := time.Now()
	pid := f.lastProposalID(t)
	require.NoError(t, f.mgr.Vote(ctx, pid, peerA, false))
	require.NoError(t, f.mgr.Vote(ctx, pid, peerB, false))
	<-done

	assert.False(t, outcome.Adapted)
	assert.Equal(t, ReasonRejected, outcome.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)

	snap, _ := f.mgr.Get("res-1")
	assert.Equal(t, uint64(1), snap.ConsensusVersion)
}

func TestSmallEnergyChangeSkipsConsensus(t *testing.T) {
	f := newFixture(t, Config{EnergyChangeThreshold: 0.5})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	outcome, err := f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(510), big.NewInt(10))
	require.NoError(t, err)
	assert.False(t, outcome.Adapted)
	assert.Equal(t, ReasonBelowThreshold, outcome.Reason)
}

func TestLockedResourceRefusesSecondProposal(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(50_000), big.NewInt(10))
	}()
	f.lastProposalID(t)

	outcome, err := f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(90_000), big.NewInt(10))
	require.NoError(t, err)
	assert.False(t, outcome.Adapted)
	assert.Equal(t, ReasonLocked, outcome.Reason)
	<-first
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), threeReplicas)
	require.NoError(t, err)

	err = f.mgr.Vote(ctx, "no-such-proposal", peerA, true)
	assert.ErrorIs(t, err, ErrProposalNotFound)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(50_000), big.NewInt(10))
	}()
	pid := f.lastProposalID(t)

	err = f.mgr.Vote(ctx, pid, "stranger", true)
	assert.ErrorIs(t, err, ErrNotReplica)
	<-done
}

func TestMigrateTransfersOwnership(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var received transport.Message
	f.trans.Register("new-home", func(_ context.Context, _ transport.PeerID, msg transport.Message) (transport.Ack, error) {
		received = msg
		return transport.Ack{Accepted: true}, nil
	})

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Migrate(ctx, "res-1", "new-home"))

	_, err = f.mgr.Get("res-1")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	assert.Equal(t, transport.KindMigrate, received.Kind)
	snap, err := DecodeSnapshot(received.Payload)
	require.NoError(t, err)
	assert.Equal(t, "res-1", snap.ID)
	assert.Equal(t, big.NewInt(500), snap.Value)
	assert.Equal(t, uint64(1), snap.ConsensusVersion)
}

func TestMigrateFailureRetainsResource(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), nil)
	require.NoError(t, err)

	err = f.mgr.Migrate(ctx, "res-1", "unreachable")
	require.Error(t, err)
	var sendErr *transport.SendError
	assert.ErrorAs(t, err, &sendErr)

	snap, err := f.mgr.Get("res-1")
	require.NoError(t, err)
	assert.False(t, snap.Locked, "failed migration must release the lock")
}

func TestInstallAdoptsPeerSnapshot(t *testing.T) {
	f := newFixture(t, Config{})

	snap := Snapshot{
		ID:               "incoming",
		Value:            big.NewInt(7_000),
		Frequency:        big.NewInt(3),
		Tier:             crypto.TierMedium,
		KeyRef:           "remote-key",
		ConsensusVersion: 4,
	}
	require.NoError(t, f.mgr.Install(snap))

	got, err := f.mgr.Get("incoming")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.ConsensusVersion)

	// A stale snapshot must not clobber a newer local copy.
	snap.ConsensusVersion = 2
	assert.Error(t, f.mgr.Install(snap))
}

func TestSnapshotWireRoundTrip(t *testing.T) {
	in := Snapshot{
		ID:               "res-wire",
		Value:            new(big.Int).Lsh(big.NewInt(1), 100),
		Frequency:        big.NewInt(42),
		Tier:             crypto.TierHigh,
		KeyRef:           "key-9",
		ReplicaSet:       threeReplicas,
		ConsensusVersion: 9,
	}
	payload, err := encodeSnapshot(in)
	require.NoError(t, err)

	out, err := DecodeSnapshot(payload)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, 0, in.Value.Cmp(out.Value))
	assert.Equal(t, in.Tier, out.Tier)
	assert.Equal(t, in.ReplicaSet, out.ReplicaSet)
}

func TestCloseStopsOperations(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mgr.Close())

	_, err := f.mgr.Register(context.Background(), "late", big.NewInt(1), big.NewInt(1), nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Error(t, f.mgr.Ping())
}

func TestMigrateDeclinedByTarget(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.trans.Register("keeper", func(_ context.Context, _ transport.PeerID, _ transport.Message) (transport.Ack, error) {
		return transport.Ack{Accepted: false, Detail: "at capacity"}, nil
	})

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), nil)
	require.NoError(t, err)

	err = f.mgr.Migrate(ctx, "res-1", "keeper")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRejected)
	var sendErr *transport.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, transport.PeerID("keeper"), sendErr.Peer)
	assert.Contains(t, sendErr.Error(), "at capacity")

	snap, err := f.mgr.Get("res-1")
	require.NoError(t, err)
	assert.False(t, snap.Locked, "declined migration must release the lock")
}

func startSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func TestRegisterAndEvaluateEmitSpans(t *testing.T) {
	recorder := startSpanRecorder(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "res-1", big.NewInt(500), big.NewInt(10), nil)
	require.NoError(t, err)

	out, err := f.mgr.EvaluateAdaptation(ctx, "res-1", big.NewInt(510), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, ReasonBelowThreshold, out.Reason)

	var sawRegister bool
	var evalSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "Manager.Register":
			sawRegister = true
		case "Manager.EvaluateAdaptation":
			evalSpan = s
		}
	}
	assert.True(t, sawRegister)
	require.NotNil(t, evalSpan)
	assert.Contains(t, evalSpan.Attributes(),
		attribute.String("round.outcome", string(ReasonBelowThreshold)))
}
