package audio

import (
	"context"
	"sync"
	"time"
)

// Queue is a FIFO safe for one producer and one consumer running
// concurrently. Push never blocks; Pop blocks for at most its timeout.
//
// A queue created with capacity 0 is unbounded. A bounded queue rejects pushes
// with [ErrQueueFull] once full, so a stalled consumer can never stall its
// producer.
//
// Close stops further pushes but leaves queued items poppable, which lets a
// consumer drain before stopping. [Queue.Discard] is the only operation that
// drops queued items.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// ready carries at most one wake token. Push posts a token after every
	// successful insert and consumers re-check items before waiting, so a
	// wakeup can be stale but never lost.
	ready chan struct{}
	done  chan struct{}
}

// NewQueue returns an empty queue. capacity <= 0 means unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends v. It returns [ErrQueueClosed] after Close and [ErrQueueFull]
// when a bounded queue is at capacity.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes and returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Release the backing array once drained.
		q.items = nil
	}
	return v, true
}

// Pop removes and returns the oldest item, waiting up to timeout for one to
// arrive. It returns [ErrQueueEmpty] when the wait timed out, which only means
// the queue is temporarily empty. [ErrQueueClosed] means the queue is closed
// and fully drained.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()
		if ok {
			return v, nil
		}
		if closed {
			return zero, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-timer.C:
			return zero, ErrQueueEmpty
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Ready returns a channel that receives a token after pushes. It suits a
// single consumer that selects over several sources; the consumer must call
// TryPop until it reports false before waiting on Ready again.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes any waiting consumer. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Discard drops every queued item and returns how many were dropped.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
