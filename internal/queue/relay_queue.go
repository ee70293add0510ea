package queue

import (
	"context"
	"time"

	"github.com/loghub/trace-relay/internal/domain"
)

// RelayQueue is the fixed-capacity FIFO between the ingestion side and the
// delivery side. It is backed by a single buffered channel, so the capacity
// is set once at construction and can never be exceeded.
//
// Enqueue never drops silently: when the buffer is full it waits up to the
// given timeout and then reports domain.ErrQueueFull to the caller.
type RelayQueue struct {
	items chan domain.RelayRecord
}

// New creates a queue holding at most capacity records (minimum 1).
func New(capacity int) *RelayQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RelayQueue{items: make(chan domain.RelayRecord, capacity)}
}

// Enqueue places rec on the queue, waiting up to timeout for space.
// A zero or negative timeout makes it non-blocking. It returns
// domain.ErrQueueFull on timeout, or ctx.Err() if ctx ends first.
func (q *RelayQueue) Enqueue(ctx context.Context, rec domain.RelayRecord, timeout time.Duration) error {
	select {
	case q.items <- rec:
		return nil
	default:
	}

	if timeout <= 0 {
		return domain.ErrQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.items <- rec:
		return nil
	case <-timer.C:
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits up to timeout for the next record. A zero or negative
// timeout waits until ctx is cancelled.
//
// Returns (RelayRecord{}, false) on timeout or cancellation; the caller
// tells the two apart with ctx.Err().
func (q *RelayQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.RelayRecord, bool) {
	// Prefer a ready item over an already-cancelled context.
	select {
	case rec := <-q.items:
		return rec, true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case rec := <-q.items:
		return rec, true
	case <-expired:
		return domain.RelayRecord{}, false
	case <-ctx.Done():
		return domain.RelayRecord{}, false
	}
}

// Len returns the number of records currently waiting.
func (q *RelayQueue) Len() int {
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *RelayQueue) Cap() int {
	return cap(q.items)
}
