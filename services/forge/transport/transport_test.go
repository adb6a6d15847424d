// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(accept bool) Handler {
	return func(ctx context.Context, from PeerID, msg Message) (Ack, error) {
		return Ack{Accepted: accept, Detail: string(msg.Kind)}, nil
	}
}

func TestMemoryTransportSend(t *testing.T) {
	tr := NewMemoryTransport("node-a")
	tr.Register("node-b", echoHandler(true))

	ack, err := tr.Send(context.Background(), "node-b", Message{Kind: KindReplicate})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, PeerID("node-b"), ack.Peer)
	assert.Equal(t, int64(1), tr.Sent())
}

func TestMemoryTransportUnknownPeer(t *testing.T) {
	tr := NewMemoryTransport("node-a")

	_, err := tr.Send(context.Background(), "nowhere", Message{Kind: KindProposal})
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, PeerID("nowhere"), sendErr.Peer)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestMemoryTransportFailureInjection(t *testing.T) {
	tr := NewMemoryTransport("node-a")
	tr.Register("node-b", echoHandler(true))

	boom := errors.New("link down")
	tr.Fail("node-b", boom)

	_, err := tr.Send(context.Background(), "node-b", Message{Kind: KindReplicate})
	assert.True(t, errors.Is(err, boom))

	// Clearing the failure restores delivery.
	tr.Fail("node-b", nil)
	_, err = tr.Send(context.Background(), "node-b", Message{Kind: KindReplicate})
	assert.NoError(t, err)
}

func TestMemoryTransportClosed(t *testing.T) {
	tr := NewMemoryTransport("node-a")
	tr.Register("node-b", echoHandler(true))
	require.NoError(t, tr.Close())

	_, err := tr.Send(context.Background(), "node-b", Message{})
	assert.True(t, errors.Is(err, ErrTransportClosed))
}

func TestRetryTransportRecovers(t *testing.T) {
	var calls atomic.Int64
	inner := NewMemoryTransport("node-a")
	inner.Register("node-b", func(ctx context.Context, from PeerID, msg Message) (Ack, error) {
		if calls.Add(1) < 3 {
			return Ack{}, errors.New("transient")
		}
		return Ack{Accepted: true}, nil
	})

	rt := NewRetryTransport(inner, RetryConfig{MaxAttempts: 3, BaseBackoff: 1}, nil)
	ack, err := rt.Send(context.Background(), "node-b", Message{Kind: KindReplicate})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRetryTransportExhausted(t *testing.T) {
	inner := NewMemoryTransport("node-a")
	boom := errors.New("hard down")
	inner.Register("node-b", echoHandler(true))
	inner.Fail("node-b", boom)

	rt := NewRetryTransport(inner, RetryConfig{MaxAttempts: 2, BaseBackoff: 1}, nil)
	_, err := rt.Send(context.Background(), "node-b", Message{})
	assert.True(t, errors.Is(err, boom))
}
