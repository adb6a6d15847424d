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
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport with deterministic failure
// injection.
//
// # Description
//
// Peers register a Handler; Send invokes the target handler synchronously.
// Tests use Fail to make specific peers unreachable and Delay to simulate
// slow links, so consensus timeout and replication-failure paths can be
// exercised without real networking.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryTransport struct {
	self PeerID

	mu       sync.RWMutex
	handlers map[PeerID]Handler
	failures map[PeerID]error
	delay    time.Duration
	closed   bool

	sent int64
}

// NewMemoryTransport creates a transport identifying itself as self.
func NewMemoryTransport(self PeerID) *MemoryTransport {
	return &MemoryTransport{
		self:     self,
		handlers: make(map[PeerID]Handler),
		failures: make(map[PeerID]error),
	}
}

// Register installs the handler invoked for messages addressed to peer.
// Registering again replaces the previous handler.
func (t *MemoryTransport) Register(peer PeerID, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[peer] = handler
}

// Fail makes sends to peer return err until cleared with Fail(peer, nil).
func (t *MemoryTransport) Fail(peer PeerID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, peer)
		return
	}
	t.failures[peer] = err
}

// Delay adds a fixed latency to every send. Zero disables it.
func (t *MemoryTransport) Delay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = d
}

// Sent returns the number of successfully delivered messages.
func (t *MemoryTransport) Sent() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sent
}

// Close stops the transport. Subsequent sends fail with
// ErrTransportClosed.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Send delivers msg to the registered handler for peer.
func (t *MemoryTransport) Send(ctx context.Context, peer PeerID, msg Message) (Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.RLock()
	closed := t.closed
	injected := t.failures[peer]
	handler, known := t.handlers[peer]
	delay := t.delay
	t.mu.RUnlock()

	if closed {
		return Ack{}, ErrTransportClosed
	}
	if injected != nil {
		return Ack{}, &SendError{Peer: peer, Err: injected}
	}
	if !known {
		return Ack{}, &SendError{Peer: peer, Err: ErrUnknownPeer}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Ack{}, &SendError{Peer: peer, Err: ctx.Err()}
		}
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	ack, err := handler(ctx, t.self, msg)
	if err != nil {
		return Ack{}, &SendError{Peer: peer, Err: err}
	}
	ack.Peer = peer

	t.mu.Lock()
	t.sent++
	t.mu.Unlock()

	return ack, nil
}
