// Package ingest filters upstream batches into the relay queue and advances
// the upstream checkpoint once each batch has been handed off.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/domain"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/retry"
	"github.com/loghub/trace-relay/internal/source"
)

// Drop reasons reported to Hooks.OnDropped.
const (
	DropIneligible = "ineligible"
	DropQueueFull  = "queue_full"
)

// Config controls record eligibility and hand-off.
type Config struct {
	TokenField     string
	TokenSentinel  string
	MinTokenLength int // tokens must be strictly longer than this
	EnqueueTimeout time.Duration
	Checkpoint     retry.Policy
}

// Hooks carries metric callbacks injected by main; nil fields are no-ops.
type Hooks struct {
	OnEnqueued         func(shard string)
	OnDropped          func(shard, reason string)
	OnCheckpointFailed func(shard string)
}

// BatchResult summarises one pass over a batch.
type BatchResult struct {
	Received      int
	Enqueued      int
	Ineligible    int
	QueueFull     int
	CheckpointErr error
}

// Worker is the ingestion side of the relay. One Worker serves every shard;
// the source calls it sequentially per shard and concurrently across shards.
type Worker struct {
	q      *queue.RelayQueue
	cfg    Config
	logger *zap.Logger
	hooks  Hooks
	now    func() time.Time
}

func NewWorker(q *queue.RelayQueue, cfg Config, logger *zap.Logger, hooks Hooks) *Worker {
	if cfg.TokenField == "" {
		cfg.TokenField = "trace_id"
	}
	if hooks.OnEnqueued == nil {
		hooks.OnEnqueued = func(string) {}
	}
	if hooks.OnDropped == nil {
		hooks.OnDropped = func(string, string) {}
	}
	if hooks.OnCheckpointFailed == nil {
		hooks.OnCheckpointFailed = func(string) {}
	}
	return &Worker{q: q, cfg: cfg, logger: logger, hooks: hooks, now: time.Now}
}

// Handle matches source.Handler.
func (w *Worker) Handle(ctx context.Context, b source.Batch, cp source.Checkpointer) {
	w.ProcessBatch(ctx, b, cp)
}

// Eligible reports the record's correlation token and whether it marks a
// traceable unit of work: present, not the sentinel, and long enough.
func (w *Worker) Eligible(r domain.RawRecord) (string, bool) {
	token := r.String(w.cfg.TokenField)
	if token == "" || token == w.cfg.TokenSentinel {
		return token, false
	}
	return token, len(token) > w.cfg.MinTokenLength
}

// ProcessBatch enqueues every eligible record, then requests checkpoint
// advancement exactly once for the batch, whatever the individual enqueue
// outcomes were. A failed checkpoint is logged and the worker carries on.
func (w *Worker) ProcessBatch(ctx context.Context, b source.Batch, cp source.Checkpointer) BatchResult {
	log := w.logger.With(zap.String("shard", b.Shard))
	res := BatchResult{Received: len(b.Records)}

	for _, raw := range b.Records {
		token, ok := w.Eligible(raw)
		if !ok {
			res.Ineligible++
			w.hooks.OnDropped(b.Shard, DropIneligible)
			continue
		}

		rec := domain.RelayRecord{Raw: raw, Shard: b.Shard, EnqueuedAt: w.now()}
		if err := w.q.Enqueue(ctx, rec, w.cfg.EnqueueTimeout); err != nil {
			res.QueueFull++
			w.hooks.OnDropped(b.Shard, DropQueueFull)
			if errors.Is(err, domain.ErrQueueFull) {
				log.Error("relay queue full, record dropped",
					zap.String("trace", domain.Truncate(token, 16)),
					zap.Duration("waited", w.cfg.EnqueueTimeout))
			} else {
				log.Error("enqueue aborted, record dropped",
					zap.String("trace", domain.Truncate(token, 16)), zap.Error(err))
			}
			continue
		}
		res.Enqueued++
		w.hooks.OnEnqueued(b.Shard)
		log.Info("record captured", zap.String("trace", domain.Truncate(token, 16)))
	}

	if res.Enqueued > 0 {
		log.Debug("batch queued",
			zap.Int("enqueued", res.Enqueued),
			zap.Int("received", res.Received),
			zap.Int("queue_len", w.q.Len()))
	}

	_, err := retry.Do(ctx, w.cfg.Checkpoint, func(ctx context.Context, _ int) error {
		return cp.Checkpoint(ctx)
	}, func(attempt int, err error) {
		log.Warn("checkpoint failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		res.CheckpointErr = err
		w.hooks.OnCheckpointFailed(b.Shard)
		log.Error("checkpoint could not be advanced for batch; it may be redelivered",
			zap.Int("records", res.Received), zap.Error(err))
	}
	return res
}
