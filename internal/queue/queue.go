// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package queue provides the in-process FIFO of task IDs that connects HTTP
// admission to the worker pool. The database row is the durable record; the
// queue only carries IDs, so losing it on restart costs nothing beyond a
// re-enqueue of the queued rows at startup.
package queue

import "sync"

// Queue is an unbounded FIFO of task IDs safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

// New returns an empty open queue.
func New() *Queue {
	q := &Queue{items: make([]string, 0)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends id and wakes one waiter. It never blocks. Returns false
// if the queue has been closed, in which case the id is dropped.
func (q *Queue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, id)
	q.cond.Signal()
	return true
}

// Dequeue blocks until an ID is available or the queue is closed and
// drained. The second return is false only when no more IDs will ever
// arrive.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// Close stops accepting new IDs and wakes all waiters. IDs already queued
// remain dequeueable until drained. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of IDs currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
