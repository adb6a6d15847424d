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
	"math/big"
	"time"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

// resolution is the terminal state of a consensus round.
type resolution int

const (
	resolutionPending resolution = iota
	resolutionApproved
	resolutionRejected
	resolutionExpired
)

// proposal tracks one in-flight adaptation round. The manager mutex
// guards all fields; resolved is signalled exactly once.
type proposal struct {
	id           string
	resourceID   string
	proposer     transport.PeerID
	newValue     *big.Int
	newFrequency *big.Int
	newTier      crypto.Tier
	delta        float64
	required     int
	replicaCount int
	createdAt    time.Time
	expiry       time.Time

	// votes holds replica-peer votes only. The proposer's own implicit
	// approval is recorded separately and never counted toward quorum,
	// otherwise a 3-replica round at ratio 0.67 would commit after a
	// single peer approval.
	votes    map[transport.PeerID]bool
	state    resolution
	resolved chan resolution
}

// approvals counts true votes collected so far.
func (p *proposal) approvals() int {
	n := 0
	for _, v := range p.votes {
		if v {
			n++
		}
	}
	return n
}

// evaluate returns the round's resolution given the votes collected so
// far, or resolutionPending if the round must keep waiting.
//
// Approval requires the true-vote count itself to reach the quorum
// size. Once enough peers have voted no that approval is arithmetically
// impossible, the round resolves rejected without waiting for expiry.
func (p *proposal) evaluate() resolution {
	yes := p.approvals()
	if yes >= p.required {
		return resolutionApproved
	}
	outstanding := p.replicaCount - len(p.votes)
	if yes+outstanding < p.required {
		return resolutionRejected
	}
	return resolutionPending
}

// Reason explains an adaptation outcome.
type Reason string

const (
	// ReasonCommitted marks a successful adaptation.
	ReasonCommitted Reason = "committed"

	// ReasonLocked means a consensus round already holds the resource.
	ReasonLocked Reason = "resource locked"

	// ReasonBelowThreshold means the energy change was too small to
	// justify a round.
	ReasonBelowThreshold Reason = "energy change below threshold"

	// ReasonTooSoon means the resource adapted more recently than the
	// configured minimum interval.
	ReasonTooSoon Reason = "within minimum adaptation interval"

	// ReasonRejected means quorum voted the proposal down.
	ReasonRejected Reason = "consensus rejected"

	// ReasonExpired means quorum was not reached before expiry.
	ReasonExpired Reason = "consensus timeout"
)

// Outcome reports the result of an adaptation evaluation. A round that
// does not commit is a normal outcome, not an error.
type Outcome struct {
	Adapted    bool
	Reason     Reason
	ProposalID string
	NewTier    crypto.Tier
	NewVersion uint64
	KeyRotated bool
}

// wireProposal is the JSON payload of a KindProposal broadcast.
type wireProposal struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resource_id"`
	Proposer     string    `json:"proposer"`
	NewValue     string    `json:"new_value"`
	NewFrequency string    `json:"new_frequency"`
	NewTier      int       `json:"new_tier"`
	Delta        float64   `json:"delta"`
	Required     int       `json:"required_votes"`
	Expiry       time.Time `json:"expiry"`
}

func encodeProposal(p *proposal) ([]byte, error) {
	return json.Marshal(wireProposal{
		ID:           p.id,
		ResourceID:   p.resourceID,
		Proposer:     string(p.proposer),
		NewValue:     p.newValue.String(),
		NewFrequency: p.newFrequency.String(),
		NewTier:      int(p.newTier),
		Delta:        p.delta,
		Required:     p.required,
		Expiry:       p.expiry,
	})
}
