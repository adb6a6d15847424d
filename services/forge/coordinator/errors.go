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

import "errors"

// Sentinel errors for the coordinator.
var (
	// ErrClosed is returned for operations after Shutdown began.
	ErrClosed = errors.New("coordinator is closed")

	// ErrNilDependency is returned by New when the crypto backend or
	// peer transport is missing.
	ErrNilDependency = errors.New("nil dependency")

	// ErrUnknownOperation is returned by ProcessBatch for an operation
	// type it does not route.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrBadResult is returned when a batched execution yields a value
	// of an unexpected type.
	ErrBadResult = errors.New("unexpected result type from batch execution")
)
