package lookup

import (
	"errors"
	"sync"
)

// ErrStopped is returned when submitting to a stopped queue or service
var ErrStopped = errors.New("lookup: stopped")

// Queue implements a thread-safe bounded FIFO task queue.
// When full, pushing discards the oldest queued task instead of blocking.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	stopped  bool
}

// NewQueue creates a new bounded queue
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an entry, never blocking the caller.
// Returns dropped=true when the oldest entry had to be discarded to make room.
func (q *Queue[T]) Push(item T) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Don't accept new entries if stopped
	if q.stopped {
		return false, ErrStopped
	}

	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, item)

	// Signal waiting workers
	q.cond.Signal()

	return dropped, nil
}

// Pop removes and returns the oldest entry.
// Blocks while the queue is empty; returns false once the queue is stopped.
// Entries still queued at stop time are abandoned.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			var zero T
			return zero, false
		}

		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			return item, true
		}

		// Queue is empty but not stopped - wait for new items
		q.cond.Wait()
	}
}

// Size returns the current number of items in the queue
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of queued items
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Stop rejects further pushes and releases every blocked Pop
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.items = nil
	// Broadcast to wake all waiting workers
	q.cond.Broadcast()
}
