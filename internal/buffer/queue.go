package buffer

import (
	"context"
	"sync"
	"time"
)

// queue is a fixed-capacity ring of records guarded by its own mutex.
type queue[T any] struct {
	name string

	mu      sync.Mutex
	items   []T
	head    int
	count   int
	dropped uint64

	// gate is closed while the queue is open for writers. The first pause
	// swaps in a fresh, unclosed channel; the last matching resume closes it.
	pauses int
	gate   chan struct{}

	// ready carries at most one pending wake-up for consumers.
	ready   chan struct{}
	removed chan struct{}
	closed  bool
}

func newQueue[T any](name string, capacity int) *queue[T] {
	gate := make(chan struct{})
	close(gate)
	return &queue[T]{
		name:    name,
		items:   make([]T, capacity),
		gate:    gate,
		ready:   make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
}

func (q *queue[T]) put(ctx context.Context, rec T) (evicted T, dropped bool, err error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return evicted, false, ErrUnknownBuffer
		}
		if q.pauses > 0 {
			gate := q.gate
			q.mu.Unlock()
			select {
			case <-gate:
				continue
			case <-q.removed:
				return evicted, false, ErrUnknownBuffer
			case <-ctx.Done():
				return evicted, false, ctx.Err()
			}
		}

		capacity := len(q.items)
		if q.count == capacity {
			var zero T
			evicted = q.items[q.head]
			q.items[q.head] = zero
			q.head = (q.head + 1) % capacity
			q.count--
			q.dropped++
			dropped = true
		}
		q.items[(q.head+q.count)%capacity] = rec
		q.count++
		q.mu.Unlock()

		q.signal()
		return evicted, dropped, nil
	}
}

func (q *queue[T]) get(timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.count > 0 {
			var zero T
			rec := q.items[q.head]
			q.items[q.head] = zero
			q.head = (q.head + 1) % len(q.items)
			q.count--
			more := q.count > 0
			q.mu.Unlock()

			// Pass the wake-up on so a second waiting consumer is not left
			// sleeping while records remain.
			if more {
				q.signal()
			}
			return rec, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			var zero T
			return zero, ErrUnknownBuffer
		}

		select {
		case <-q.ready:
		case <-q.removed:
		case <-expired:
			var zero T
			return zero, ErrTimeout
		}
	}
}

func (q *queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pause() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pauses == 0 {
		q.gate = make(chan struct{})
	}
	q.pauses++
}

func (q *queue[T]) resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pauses == 0 {
		return
	}
	q.pauses--
	if q.pauses == 0 {
		close(q.gate)
	}
}

func (q *queue[T]) scan(fn func(rec T) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.count; i++ {
		if !fn(q.items[(q.head+i)%len(q.items)]) {
			return
		}
	}
}

// close marks the queue removed and returns the records still queued,
// oldest first.
func (q *queue[T]) close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.removed)

	leftover := make([]T, 0, q.count)
	var zero T
	for q.count > 0 {
		leftover = append(leftover, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.count--
	}
	if q.pauses > 0 {
		q.pauses = 0
		close(q.gate)
	}
	return leftover
}
