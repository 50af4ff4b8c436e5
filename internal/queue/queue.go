// Package queue provides an unbounded FIFO whose Push never blocks.
package queue

import (
	"context"
	"sync"
)

// Queue is safe for any number of producers and a single consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued item in arrival order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wait blocks until items may be available, the queue is closed, or ctx ends.
func (q *Queue[T]) Wait(ctx context.Context) bool {
	q.mu.Lock()
	pending := len(q.items) > 0
	closed := q.closed
	q.mu.Unlock()
	if pending {
		return true
	}
	if closed {
		return false
	}
	select {
	case <-q.signal:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ready fires after a Push or Close. Consumers selecting on it must Drain afterwards,
// since one signal may cover several items.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.signal
}

// Close rejects further pushes. Items already queued stay drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
