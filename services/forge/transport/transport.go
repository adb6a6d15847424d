// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport defines the peer messaging abstraction used for
// resource replication, consensus broadcasts, and migration.
//
// The forge core never opens sockets itself. It talks to replica peers
// through the Transport interface; the in-memory implementation in this
// package serves tests and single-process deployments, while production
// wires an RPC-backed implementation.
package transport

import (
	"context"
	"fmt"
	"time"
)

// PeerID identifies a replica peer.
type PeerID string

// Kind discriminates message payloads on the wire.
type Kind string

// Message kinds understood by forge peers.
const (
	// KindReplicate carries a full resource snapshot for best-effort
	// replication after registration or adaptation.
	KindReplicate Kind = "replicate"

	// KindProposal announces an adaptation proposal to the replica set.
	KindProposal Kind = "proposal"

	// KindMigrate transfers resource ownership. The sender removes its
	// local copy only after a positive ack.
	KindMigrate Kind = "migrate"
)

// Message is the unit of peer communication.
//
// Payload is an opaque encoding chosen by the sender; the core uses JSON
// for snapshots and proposals.
type Message struct {
	Kind       Kind
	ResourceID string
	ProposalID string
	Payload    []byte
	SentAt     time.Time
}

// Ack is the receiver's response to a Message.
type Ack struct {
	Peer     PeerID
	Accepted bool
	Detail   string
}

// Transport delivers messages to peers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the resource manager
// broadcasts to all replicas in parallel.
type Transport interface {
	// Send delivers msg to peer and waits for an ack. The caller bounds
	// the wait with ctx; implementations must respect cancellation.
	Send(ctx context.Context, peer PeerID, msg Message) (Ack, error)
}

// Handler receives messages on the peer side of a transport.
type Handler func(ctx context.Context, from PeerID, msg Message) (Ack, error)

// SendError wraps a transport failure with the peer it concerns.
//
// Replication paths log SendErrors and continue; migration surfaces them
// to the caller because a lost resource is unrecoverable.
type SendError struct {
	Peer PeerID
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to peer %s failed: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
