// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crypto defines the pluggable cryptographic backend used by the
// forge core.
//
// The core never performs key-material cryptography itself. All generation,
// signing, and verification is delegated to a Backend implementation. The
// bundled LocalBackend is suitable for single-node deployments and tests;
// production deployments may supply an HSM- or KMS-backed implementation.
package crypto

import "context"

// Tier is the discrete strength level of generated key material.
//
// The tier determines key-material size and therefore generation cost.
// Tiers are derived from a resource's economic weight; see the adapt
// package for the derivation.
type Tier int

const (
	// TierLow is the cheapest tier, for resources of negligible weight.
	TierLow Tier = iota

	// TierMedium covers the bulk of ordinary resources.
	TierMedium

	// TierHigh is for resources whose compromise would be expensive.
	TierHigh

	// TierMaximum is the strongest tier the backend offers.
	TierMaximum
)

// String returns the lowercase tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// KeyRef is an opaque handle to key material held by a Backend.
//
// The core treats KeyRef as a value to store and pass back; it never
// inspects the contents. A KeyRef is only meaningful to the Backend
// that issued it.
type KeyRef string

// Backend is the pluggable cryptographic provider.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The worker pool
// invokes Backend methods from multiple goroutines.
type Backend interface {
	// GenerateKeyMaterial creates new key material sized for the given
	// tier and returns an opaque reference to it.
	GenerateKeyMaterial(ctx context.Context, tier Tier) (KeyRef, error)

	// Sign produces a signature over data with the referenced key.
	Sign(ctx context.Context, key KeyRef, data []byte) ([]byte, error)

	// Verify reports whether signature is valid for data under the
	// referenced key. A failed verification is (false, nil); an error
	// indicates the check itself could not be performed.
	Verify(ctx context.Context, key KeyRef, signature, data []byte) (bool, error)

	// Close releases all key material held by the backend.
	Close() error
}
