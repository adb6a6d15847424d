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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"
)

// RemoteStore is the optional distributed cache level behind the three
// in-memory tiers.
//
// Implementations persist opaque bytes with a TTL; the storage/badger
// package provides the embedded implementation.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Remote-tier values travel through gob; the concrete types the core
// caches must be registered for interface decoding.
func init() {
	gob.Register([]byte(nil))
	gob.Register(time.Time{})
	gob.Register(map[string]string{})
}

// remoteEnvelope wraps a cached value for gob transport.
type remoteEnvelope struct {
	Value any
}

// encodeRemote serializes a value for the remote tier.
func encodeRemote(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(remoteEnvelope{Value: value}); err != nil {
		return nil, fmt.Errorf("encoding remote cache value: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeRemote deserializes a remote-tier value.
func decodeRemote(raw []byte) (any, error) {
	var env remoteEnvelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding remote cache value: %w", err)
	}
	return env.Value, nil
}
