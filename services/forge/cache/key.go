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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives the deterministic cache key for an operation.
//
// # Description
//
// Hashes the operation type and the canonical JSON encoding of each
// parameter, in order, into a SHA-256 hex string. Identical logical
// requests therefore always map to the same key, which is what makes
// batch-window deduplication correct.
//
// Parameters must be JSON-marshalable and canonical: structs with fixed
// field order, strings, byte slices, or numbers. Callers must not pass
// maps with nondeterministic iteration-dependent encodings beyond what
// encoding/json already sorts.
//
// # Outputs
//
//   - string: 64 hex chars.
func Key(opType string, params ...any) string {
	h := sha256.New()
	h.Write([]byte(opType))
	h.Write([]byte{0})
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			// Fall back to the Go-syntax representation; still
			// deterministic for the types the core passes.
			raw = []byte(fmt.Sprintf("%#v", p))
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
