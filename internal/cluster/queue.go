package cluster

import (
	"sync"

	"github.com/roach88/fragstore/internal/row"
)

// Queue is a subscriber's FIFO of invalidation batches.
//
// The queue is unbounded so that delivery never blocks the publisher. It
// uses a channel for signaling to enable context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    inv := q.Drain()
//	}
type Queue struct {
	mu      sync.Mutex
	batches []row.Invalidations
	closed  bool
	signal  chan struct{} // buffered, size 1
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue adds a batch. It returns false if the queue is closed. Empty
// batches are dropped.
func (q *Queue) Enqueue(inv row.Invalidations) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if inv.IsEmpty() {
		return true
	}
	q.batches = append(q.batches, inv)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front batch without blocking.
func (q *Queue) TryDequeue() (row.Invalidations, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batches) == 0 {
		return row.Invalidations{}, false
	}
	inv := q.batches[0]
	q.batches[0] = row.Invalidations{}
	if len(q.batches) == 1 {
		q.batches = q.batches[:0]
	} else {
		q.batches = q.batches[1:]
	}
	return inv, true
}

// Drain removes every pending batch and returns their union.
func (q *Queue) Drain() row.Invalidations {
	q.mu.Lock()
	batches := q.batches
	q.batches = nil
	q.mu.Unlock()

	var merged row.Invalidations
	for _, inv := range batches {
		merged.Merge(inv)
	}
	return merged
}

// Wait returns a channel that signals when batches may be available. It is
// closed by Close.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Close stops delivery and wakes waiters. Pending batches can still be
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
