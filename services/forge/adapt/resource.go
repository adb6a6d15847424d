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
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

// AdaptationRecord is one entry in a resource's mutation history.
type AdaptationRecord struct {
	ProposalID string
	At         time.Time
	OldValue   *big.Int
	NewValue   *big.Int
	OldTier    crypto.Tier
	NewTier    crypto.Tier
	KeyRotated bool
}

// resource is the manager's internal mutable record. All access goes
// through the manager mutex; callers outside the package only ever see
// Snapshot copies.
type resource struct {
	id             string
	value          *big.Int
	frequency      *big.Int
	tier           crypto.Tier
	keyRef         crypto.KeyRef
	replicaSet     []transport.PeerID
	version        uint64
	locked         bool
	createdAt      time.Time
	lastAdaptation time.Time
	history        []AdaptationRecord
}

// Snapshot is an immutable copy of a resource's state at a point in
// time, safe to hand to callers and to serialize for peers.
type Snapshot struct {
	ID               string
	Value            *big.Int
	Frequency        *big.Int
	Tier             crypto.Tier
	KeyRef           crypto.KeyRef
	ReplicaSet       []transport.PeerID
	ConsensusVersion uint64
	Locked           bool
	CreatedAt        time.Time
	LastAdaptation   time.Time
	History          []AdaptationRecord
}

func (r *resource) snapshot() Snapshot {
	s := Snapshot{
		ID:               r.id,
		Value:            new(big.Int).Set(r.value),
		Frequency:        new(big.Int).Set(r.frequency),
		Tier:             r.tier,
		KeyRef:           r.keyRef,
		ReplicaSet:       append([]transport.PeerID(nil), r.replicaSet...),
		ConsensusVersion: r.version,
		Locked:           r.locked,
		CreatedAt:        r.createdAt,
		LastAdaptation:   r.lastAdaptation,
	}
	s.History = append(s.History, r.history...)
	return s
}

func (r *resource) isReplica(peer transport.PeerID) bool {
	for _, p := range r.replicaSet {
		if p == peer {
			return true
		}
	}
	return false
}

// wireSnapshot is the JSON form of a resource sent in replicate and
// migrate messages. Big integers travel as decimal strings.
type wireSnapshot struct {
	ID        string   `json:"id"`
	Value     string   `json:"value"`
	Frequency string   `json:"frequency"`
	Tier      int      `json:"tier"`
	KeyRef    string   `json:"key_ref"`
	Version   uint64   `json:"consensus_version"`
	Replicas  []string `json:"replicas"`
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	w := wireSnapshot{
		ID:        s.ID,
		Value:     s.Value.String(),
		Frequency: s.Frequency.String(),
		Tier:      int(s.Tier),
		KeyRef:    string(s.KeyRef),
		Version:   s.ConsensusVersion,
	}
	for _, p := range s.ReplicaSet {
		w.Replicas = append(w.Replicas, string(p))
	}
	return json.Marshal(w)
}

// DecodeSnapshot parses a replicate or migrate payload back into a
// Snapshot. Receiving peers use it to install the transferred resource.
func DecodeSnapshot(payload []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(payload, &w); err != nil {
		return Snapshot{}, fmt.Errorf("decode resource snapshot: %w", err)
	}
	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return Snapshot{}, fmt.Errorf("decode resource snapshot: bad value %q", w.Value)
	}
	freq, ok := new(big.Int).SetString(w.Frequency, 10)
	if !ok {
		return Snapshot{}, fmt.Errorf("decode resource snapshot: bad frequency %q", w.Frequency)
	}
	s := Snapshot{
		ID:               w.ID,
		Value:            value,
		Frequency:        freq,
		Tier:             crypto.Tier(w.Tier),
		KeyRef:           crypto.KeyRef(w.KeyRef),
		ConsensusVersion: w.Version,
	}
	for _, p := range w.Replicas {
		s.ReplicaSet = append(s.ReplicaSet, transport.PeerID(p))
	}
	return s, nil
}
