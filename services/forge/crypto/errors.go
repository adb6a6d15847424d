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

import "errors"

// Sentinel errors for backend operations.
var (
	// ErrUnknownKey is returned when a KeyRef does not resolve to key
	// material held by this backend.
	ErrUnknownKey = errors.New("unknown key reference")

	// ErrBackendClosed is returned for any operation after Close.
	ErrBackendClosed = errors.New("crypto backend is closed")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)
