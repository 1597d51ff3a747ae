// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import "sync"

// fifo is an unbounded FIFO with a single consumer. Producers never block,
// so a caller issuing Replace is never held up by a slow remote store.
type fifo[E any] struct {
	mu     sync.Mutex
	items  []E
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
}

func newFIFO[E any]() *fifo[E] {
	return &fifo[E]{
		items:  make([]E, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends e. Returns false if the queue is closed.
func (q *fifo[E]) push(e E) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, e)
	q.wake()
	return true
}

// pop removes the front item, blocking while the queue is empty and open.
// Returns false once the queue is closed and drained.
func (q *fifo[E]) pop() (E, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			var zero E
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		if q.closed {
			q.mu.Unlock()
			var zero E
			return zero, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close rejects further pushes. Items already queued are still delivered.
func (q *fifo[E]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

func (q *fifo[E]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
