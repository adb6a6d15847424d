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

import "time"

// EventKind enumerates coordinator-level events.
type EventKind string

const (
	// EventComponentError fires when a component reports a failure,
	// either from its own lifecycle events or from a health probe.
	EventComponentError EventKind = "component-error"

	// EventComponentRestarted fires after a failover routine ran for a
	// component.
	EventComponentRestarted EventKind = "component-restarted"

	// EventHealthChanged fires when the aggregate health state moves.
	EventHealthChanged EventKind = "health-changed"

	// EventRebalance fires when a load-balance pass finds queue depth
	// above the configured high-water mark.
	EventRebalance EventKind = "rebalance"
)

// Event describes one coordinator occurrence.
type Event struct {
	Kind      EventKind
	Component string
	Health    HealthState
	Err       error
	At        time.Time
}

// EventHandler consumes coordinator events. Handlers run synchronously
// on the emitting goroutine and must not block.
type EventHandler func(Event)

// Notify registers a handler for all future events. There is no
// unsubscribe; consumers are statically known.
func (c *Coordinator) Notify(handler EventHandler) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, handler)
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.obsMu.RLock()
	handlers := make([]EventHandler, len(c.observers))
	copy(handlers, c.observers)
	c.obsMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
