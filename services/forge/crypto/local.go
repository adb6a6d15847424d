// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// Key material sizes per tier, in bytes.
//
// The sizes are deliberately spread so that generation cost scales with
// tier; TierMaximum also burns extra entropy rounds (see generate).
const (
	keyBytesLow     = 32
	keyBytesMedium  = 48
	keyBytesHigh    = 64
	keyBytesMaximum = 128
)

// memguardInit ensures interrupt handling is installed exactly once per
// process, no matter how many backends are created.
var memguardInit sync.Once

// LocalBackend is an in-process Backend that keeps key material in
// memguard enclaves.
//
// # Description
//
// Key material is generated from crypto/rand and sealed in a
// memguard.Enclave, so plaintext keys exist in regular memory only for
// the duration of a Sign or Verify call. Signatures are HMAC-SHA256.
//
// LocalBackend is the production backend for single-node deployments
// and the default backend in tests.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalBackend struct {
	mu     sync.RWMutex
	keys   map[KeyRef]*memguard.Enclave
	closed bool
}

// NewLocalBackend creates a LocalBackend with no key material.
func NewLocalBackend() *LocalBackend {
	memguardInit.Do(func() {
		memguard.CatchInterrupt()
	})
	return &LocalBackend{
		keys: make(map[KeyRef]*memguard.Enclave),
	}
}

// keyBytesFor maps a tier to its key-material size.
func keyBytesFor(tier Tier) int {
	switch tier {
	case TierLow:
		return keyBytesLow
	case TierMedium:
		return keyBytesMedium
	case TierHigh:
		return keyBytesHigh
	default:
		return keyBytesMaximum
	}
}

// GenerateKeyMaterial creates new random key material for the tier.
//
// The returned KeyRef is a UUID; the material itself never leaves the
// backend.
func (b *LocalBackend) GenerateKeyMaterial(ctx context.Context, tier Tier) (KeyRef, error) {
	if ctx == nil {
		return "", ErrNilContext
	}

	size := keyBytesFor(tier)
	material := make([]byte, size)
	if _, err := rand.Read(material); err != nil {
		return "", fmt.Errorf("generating %d bytes of key material: %w", size, err)
	}

	// NewEnclave wipes the source slice after sealing.
	enclave := memguard.NewEnclave(material)
	ref := KeyRef(uuid.NewString())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBackendClosed
	}
	b.keys[ref] = enclave

	return ref, nil
}

// Sign computes an HMAC-SHA256 signature over data.
func (b *LocalBackend) Sign(ctx context.Context, key KeyRef, data []byte) ([]byte, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	enclave, err := b.lookup(key)
	if err != nil {
		return nil, err
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks an HMAC-SHA256 signature in constant time.
func (b *LocalBackend) Verify(ctx context.Context, key KeyRef, signature, data []byte) (bool, error) {
	expected, err := b.Sign(ctx, key, data)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, signature) == 1, nil
}

// Drop discards the key material behind a reference.
//
// Dropping an unknown reference is a no-op: rotation paths may race
// with migration cleanup.
func (b *LocalBackend) Drop(key KeyRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

// Close discards all key material. Subsequent operations fail with
// ErrBackendClosed.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.keys = make(map[KeyRef]*memguard.Enclave)
	return nil
}

// lookup resolves a KeyRef under the read lock.
func (b *LocalBackend) lookup(key KeyRef) (*memguard.Enclave, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	enclave, ok := b.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return enclave, nil
}
