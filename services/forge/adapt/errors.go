// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapt

import "errors"

// Sentinel errors for the resource manager.
//
// Consensus rejection and expiry are NOT errors; they surface as an
// Outcome with Adapted=false, since "not adapted" is an expected result
// of a healthy round.
var (
	// ErrResourceNotFound is returned when the named resource is not
	// managed locally.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrDuplicateResource is returned by Register for an id already
	// in use.
	ErrDuplicateResource = errors.New("resource already registered")

	// ErrResourceLocked is returned when an operation requires an
	// unlocked resource but a consensus round is in flight.
	ErrResourceLocked = errors.New("resource locked by open proposal")

	// ErrProposalNotFound is returned by Vote for an unknown or
	// already-resolved proposal.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrNotReplica is returned by Vote when the voter is not a member
	// of the resource's replica set.
	ErrNotReplica = errors.New("voter is not in the replica set")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("resource manager is closed")

	// ErrNilDependency is returned by New when a required collaborator
	// is missing.
	ErrNilDependency = errors.New("nil dependency")

	// ErrNilValue is returned when a resource value or frequency is nil
	// or negative.
	ErrNilValue = errors.New("value and frequency must be non-negative integers")
)
