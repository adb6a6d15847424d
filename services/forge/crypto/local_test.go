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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendSignVerify(t *testing.T) {
	backend := NewLocalBackend()
	defer backend.Close()
	ctx := context.Background()

	t.Run("round trip verifies", func(t *testing.T) {
		ref, err := backend.GenerateKeyMaterial(ctx, TierMedium)
		require.NoError(t, err)
		require.NotEmpty(t, ref)

		data := []byte("balance snapshot 42")
		sig, err := backend.Sign(ctx, ref, data)
		require.NoError(t, err)

		ok, err := backend.Verify(ctx, ref, sig, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("tampered data fails verification", func(t *testing.T) {
		ref, err := backend.GenerateKeyMaterial(ctx, TierLow)
		require.NoError(t, err)

		sig, err := backend.Sign(ctx, ref, []byte("original"))
		require.NoError(t, err)

		ok, err := backend.Verify(ctx, ref, sig, []byte("modified"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signatures differ across keys", func(t *testing.T) {
		refA, err := backend.GenerateKeyMaterial(ctx, TierLow)
		require.NoError(t, err)
		refB, err := backend.GenerateKeyMaterial(ctx, TierLow)
		require.NoError(t, err)

		data := []byte("same payload")
		sigA, err := backend.Sign(ctx, refA, data)
		require.NoError(t, err)
		sigB, err := backend.Sign(ctx, refB, data)
		require.NoError(t, err)

		assert.NotEqual(t, sigA, sigB)
	})
}

func TestLocalBackendUnknownKey(t *testing.T) {
	backend := NewLocalBackend()
	defer backend.Close()

	_, err := backend.Sign(context.Background(), KeyRef("no-such-key"), []byte("x"))
	assert.True(t, errors.Is(err, ErrUnknownKey))
}

func TestLocalBackendDrop(t *testing.T) {
	backend := NewLocalBackend()
	defer backend.Close()
	ctx := context.Background()

	ref, err := backend.GenerateKeyMaterial(ctx, TierHigh)
	require.NoError(t, err)

	backend.Drop(ref)

	_, err = backend.Sign(ctx, ref, []byte("x"))
	assert.True(t, errors.Is(err, ErrUnknownKey))

	// Dropping again must not panic.
	backend.Drop(ref)
}

func TestLocalBackendClosed(t *testing.T) {
	backend := NewLocalBackend()
	ctx := context.Background()

	ref, err := backend.GenerateKeyMaterial(ctx, TierLow)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	_, err = backend.GenerateKeyMaterial(ctx, TierLow)
	assert.True(t, errors.Is(err, ErrBackendClosed))

	_, err = backend.Sign(ctx, ref, []byte("x"))
	assert.True(t, errors.Is(err, ErrBackendClosed))
}

func TestTierKeySizes(t *testing.T) {
	assert.Equal(t, keyBytesLow, keyBytesFor(TierLow))
	assert.Equal(t, keyBytesMedium, keyBytesFor(TierMedium))
	assert.Equal(t, keyBytesHigh, keyBytesFor(TierHigh))
	assert.Equal(t, keyBytesMaximum, keyBytesFor(TierMaximum))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "low", TierLow.String())
	assert.Equal(t, "maximum", TierMaximum.String())
	assert.Equal(t, "unknown", Tier(99).String())
}
