// Package source defines the upstream log-stream contract the relay consumes
// and provides Redis Streams and NATS JetStream implementations.
//
// A Source assigns each shard its own goroutine. For every batch it fetches
// it calls the Handler once, passing a Checkpointer that advances the
// shard's progress past that batch.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/loghub/trace-relay/internal/domain"
)

// Batch is one delivery of records from a single shard.
type Batch struct {
	Shard   string
	Records []domain.RawRecord
}

// Checkpointer advances the stream past a batch. Implementations are safe to
// call again after a failure; already-committed progress is not repeated.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// CheckpointFunc adapts a function to Checkpointer.
type CheckpointFunc func(ctx context.Context) error

func (f CheckpointFunc) Checkpoint(ctx context.Context) error { return f(ctx) }

// Handler processes one batch. It is called sequentially per shard.
type Handler func(ctx context.Context, b Batch, cp Checkpointer)

// Source is an upstream stream client.
type Source interface {
	// Start begins delivering batches to h and returns once every shard loop
	// is running.
	Start(ctx context.Context, h Handler) error
	// Shutdown stops fetching new batches and waits for handlers already in
	// progress to return, or for ctx to end.
	Shutdown(ctx context.Context) error
}

// Options are shared by every Source implementation.
type Options struct {
	Shards          []string
	Group           string
	Consumer        string
	BatchSize       int
	PollInterval    time.Duration
	StartFromLatest bool
	// ClaimIdle is how long a read entry may stay unacknowledged before
	// the Redis source hands it to another consumer.
	ClaimIdle time.Duration
}

// ConsumerName builds a per-process consumer name from a prefix and the
// current unix time, so restarts never collide with a stale member.
func ConsumerName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, now.Unix())
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if len(o.Shards) == 0 {
		o.Shards = []string{"logs"}
	}
	return o
}

// waitPoll pauses between empty fetches. It returns false once ctx is done.
func waitPoll(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
