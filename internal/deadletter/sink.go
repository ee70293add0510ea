package deadletter

import (
	"context"

	"github.com/loghub/trace-relay/internal/domain"
)

// Sink is the durable fallback for records that exhausted delivery retries.
// Append is called by a single delivery worker; implementations still
// serialize writes so they stay safe if more workers are added.
type Sink interface {
	Append(ctx context.Context, entry domain.DeadLetterEntry) error
	Close() error
}
