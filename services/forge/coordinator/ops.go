// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"math/big"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

// Operation is one unit of work accepted by ProcessBatch. The set of
// implementations is closed; each carries exactly the fields its kind
// needs, so fan-out is exhaustive and type-checked.
type Operation interface {
	isOperation()
}

// CreateOp registers a new resource. A zero ID asks the coordinator to
// assign one.
type CreateOp struct {
	ID        string
	Value     *big.Int
	Frequency *big.Int
	Replicas  []transport.PeerID
}

// SignOp derives a signature over Data with the resource's key.
type SignOp struct {
	ResourceID string
	Data       []byte
}

// VerifyOp checks Signature over Data under the resource's key.
type VerifyOp struct {
	ResourceID string
	Signature  []byte
	Data       []byte
}

// AdaptOp proposes new economics for a resource and runs consensus.
type AdaptOp struct {
	ResourceID   string
	NewValue     *big.Int
	NewFrequency *big.Int
}

func (CreateOp) isOperation() {}
func (SignOp) isOperation()   {}
func (VerifyOp) isOperation() {}
func (AdaptOp) isOperation()  {}

// Result pairs one batch operation with its outcome. Exactly one of
// Value and Err is meaningful.
type Result struct {
	Op    Operation
	Value any
	Err   error
}

// signParams is the canonical parameter set hashed into a signature
// cache key. ConsensusVersion is included so results signed under a
// rotated key never serve from cache.
type signParams struct {
	ResourceID       string        `json:"resource_id"`
	ConsensusVersion uint64        `json:"consensus_version"`
	KeyRef           crypto.KeyRef `json:"key_ref"`
	Data             []byte        `json:"data"`
}

// verifyParams is the canonical parameter set for verification ops.
type verifyParams struct {
	ResourceID       string        `json:"resource_id"`
	ConsensusVersion uint64        `json:"consensus_version"`
	KeyRef           crypto.KeyRef `json:"key_ref"`
	Signature        []byte        `json:"signature"`
	Data             []byte        `json:"data"`
}
