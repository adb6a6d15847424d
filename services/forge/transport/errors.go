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

import "errors"

// Sentinel errors for transport operations.
var (
	// ErrUnknownPeer is returned when sending to a peer the transport
	// has no route for.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrTransportClosed is returned for sends after Close.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrRejected is returned when the peer acked but refused the
	// message.
	ErrRejected = errors.New("message rejected by peer")
)
