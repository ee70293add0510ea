package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/queue"
)

// StatsReporter periodically logs delivery progress and publishes the queue
// depth. It holds no state of its own, so restarting it loses nothing.
type StatsReporter struct {
	w        *DeliveryWorker
	q        *queue.RelayQueue
	interval time.Duration
	logger   *zap.Logger
	onDepth  func(depth int)
}

// NewStatsReporter builds a reporter. onDepth may be nil.
func NewStatsReporter(
	w *DeliveryWorker,
	q *queue.RelayQueue,
	interval time.Duration,
	logger *zap.Logger,
	onDepth func(int),
) *StatsReporter {
	if onDepth == nil {
		onDepth = func(int) {}
	}
	return &StatsReporter{w: w, q: q, interval: interval, logger: logger, onDepth: onDepth}
}

// Run ticks every interval until ctx is cancelled, then reports once more.
func (sr *StatsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(sr.interval)
	defer ticker.Stop()

	sr.logger.Info("stats reporter started", zap.Duration("interval", sr.interval))

	for {
		select {
		case <-ctx.Done():
			sr.Report()
			return
		case <-ticker.C:
			sr.Report()
		}
	}
}

// Report publishes the queue depth and logs one progress line.
func (sr *StatsReporter) Report() {
	depth := sr.q.Len()
	sr.onDepth(depth)

	s := sr.w.Stats()
	sr.logger.Info("relay progress",
		zap.Uint64("processed", s.Processed),
		zap.Uint64("success", s.Success),
		zap.Uint64("error", s.Errors),
		zap.Uint64("retries", s.Retries),
		zap.Uint64("skipped", s.Skipped),
		zap.Uint64("dead_lettered", s.DeadLettered),
		zap.Float64("success_rate", s.SuccessRate()),
		zap.Int("queue_depth", depth),
		zap.Int("queue_capacity", sr.q.Cap()),
	)
}
