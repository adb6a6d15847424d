// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import "time"

// EventKind enumerates pool lifecycle events.
type EventKind string

const (
	// EventTaskAssigned fires when a task is handed to a worker.
	EventTaskAssigned EventKind = "task-assigned"

	// EventTaskCompleted fires when a task produces a result.
	EventTaskCompleted EventKind = "task-completed"

	// EventTaskError fires when a task fails, times out, or dies with
	// its worker. Err carries the cause.
	EventTaskError EventKind = "task-error"

	// EventWorkerReplaced fires after a crashed worker has been
	// replaced. WorkerID names the replacement.
	EventWorkerReplaced EventKind = "worker-replaced"
)

// Event describes one pool lifecycle occurrence.
//
// Handlers are invoked synchronously on the goroutine that produced the
// event, after the pool's internal lock has been released, so handlers
// may call back into the pool.
type Event struct {
	Kind     EventKind
	TaskID   string
	WorkerID string
	Err      error
	At       time.Time
}

// EventHandler consumes pool events.
type EventHandler func(Event)

// Notify registers a handler for all future events.
//
// Handlers are statically known consumers (the coordinator's health and
// metrics logic); there is no unsubscribe.
func (p *Pool) Notify(handler EventHandler) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, handler)
}

// emit delivers events to all handlers. Must be called WITHOUT the pool
// mutex held.
func (p *Pool) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	p.listenerMu.RLock()
	handlers := make([]EventHandler, len(p.listeners))
	copy(handlers, p.listeners)
	p.listenerMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}
