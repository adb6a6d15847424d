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

import "container/heap"

// taskQueue is a max-heap over priority with FIFO order inside one
// priority level (enforced by the monotonic submission sequence).
//
// Not safe for concurrent use; the pool mutex guards all access.
type taskQueue []*taskEntry

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	entry := x.(*taskEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// push adds an entry maintaining heap order.
func (q *taskQueue) push(entry *taskEntry) {
	heap.Push(q, entry)
}

// pop removes and returns the highest-priority entry, or nil when empty.
func (q *taskQueue) pop() *taskEntry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*taskEntry)
}

// remove drops an entry that is still queued. No-op if already popped.
func (q *taskQueue) remove(entry *taskEntry) {
	if entry.index >= 0 && entry.index < q.Len() && (*q)[entry.index] == entry {
		heap.Remove(q, entry.index)
	}
}
