// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts. Checkpoint advancement and downstream delivery
// both go through Do.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loghub/trace-relay/internal/domain"
)

// Policy bounds a retry loop. Attempts counts the first try, so Attempts=3
// means one try plus two retries. Values below 1 are treated as 1.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error)

// Do runs op until it succeeds or the policy is exhausted, and reports how
// many attempts were made. On exhaustion the returned error wraps both
// domain.ErrRetriesExhausted and the last attempt's error. Cancelling ctx
// interrupts the pause between attempts but never an attempt in progress.
func Do(ctx context.Context, p Policy, op Operation, notify Notify) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return attempt, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempt, err)
		}

		if notify != nil {
			notify(attempt, err)
		}

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}
