package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
	"github.com/loghub/trace-relay/internal/provider"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/ratelimiter"
	"github.com/loghub/trace-relay/internal/retry"
	"github.com/loghub/trace-relay/internal/transform"
)

// Config controls the delivery loop.
type Config struct {
	// Retry.Attempts is the total send budget per record.
	Retry       retry.Policy
	PollTimeout time.Duration
	// TokenField is only used to label log lines.
	TokenField string
	// SkipEmpty drops records whose payload has neither input nor output.
	SkipEmpty bool
}

// MetricHooks carries the metric callback functions injected by main.
// Nil fields are no-ops.
type MetricHooks struct {
	OnDequeued         func(wait time.Duration)
	OnDelivered        func(latency time.Duration)
	OnRetry            func()
	OnSkipped          func()
	OnDeadLettered     func()
	OnDeadLetterFailed func()
}

func (h *MetricHooks) fill() {
	if h.OnDequeued == nil {
		h.OnDequeued = func(time.Duration) {}
	}
	if h.OnDelivered == nil {
		h.OnDelivered = func(time.Duration) {}
	}
	if h.OnRetry == nil {
		h.OnRetry = func() {}
	}
	if h.OnSkipped == nil {
		h.OnSkipped = func() {}
	}
	if h.OnDeadLettered == nil {
		h.OnDeadLettered = func() {}
	}
	if h.OnDeadLetterFailed == nil {
		h.OnDeadLetterFailed = func() {}
	}
}

// Stats is a point-in-time snapshot of the delivery counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Success      uint64 `json:"success"`
	Errors       uint64 `json:"error"`
	Retries      uint64 `json:"retries"`
	Skipped      uint64 `json:"skipped"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// SuccessRate is Success/Processed in percent, 0 when nothing was processed.
func (s Stats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Processed) * 100
}

// DeliveryWorker is the single goroutine that drains the relay queue,
// transforms each record, sends it downstream with bounded retry, and
// dead-letters records whose retry budget runs out.
type DeliveryWorker struct {
	q       *queue.RelayQueue
	prov    provider.Provider
	sink    deadletter.Sink
	limiter *ratelimiter.Limiter
	cfg     Config
	logger  *zap.Logger
	hooks   MetricHooks

	processed    atomic.Uint64
	success      atomic.Uint64
	errors       atomic.Uint64
	retries      atomic.Uint64
	skipped      atomic.Uint64
	deadLettered atomic.Uint64

	running atomic.Bool
	started chan struct{}
	done    chan struct{}
}

// NewDeliveryWorker constructs the worker. limiter may be nil.
func NewDeliveryWorker(
	q *queue.RelayQueue,
	prov provider.Provider,
	sink deadletter.Sink,
	limiter *ratelimiter.Limiter,
	cfg Config,
	logger *zap.Logger,
	hooks MetricHooks,
) *DeliveryWorker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.TokenField == "" {
		cfg.TokenField = transform.FieldTraceID
	}
	hooks.fill()
	return &DeliveryWorker{
		q: q, prov: prov, sink: sink, limiter: limiter,
		cfg: cfg, logger: logger, hooks: hooks,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled. Cancellation is observed between
// records, within one poll timeout; a record already dequeued always runs
// its full retry budget first. Run must be called at most once.
func (w *DeliveryWorker) Run(ctx context.Context) {
	w.running.Store(true)
	close(w.started)
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	w.logger.Info("delivery worker started",
		zap.Int("max_retries", w.cfg.Retry.Attempts),
		zap.Duration("retry_delay", w.cfg.Retry.Delay))

	for {
		if ctx.Err() != nil {
			s := w.Stats()
			w.logger.Info("delivery worker stopping",
				zap.Uint64("processed", s.Processed),
				zap.Uint64("success", s.Success),
				zap.Uint64("error", s.Errors))
			return
		}
		rec, ok := w.q.Dequeue(ctx, w.cfg.PollTimeout)
		if !ok {
			continue
		}
		w.safeProcess(ctx, rec)
	}
}

// Started is closed once Run has begun and Alive reports true.
func (w *DeliveryWorker) Started() <-chan struct{} {
	return w.started
}

// Done is closed once Run has returned.
func (w *DeliveryWorker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether Run is currently executing.
func (w *DeliveryWorker) Alive() bool {
	return w.running.Load()
}

func (w *DeliveryWorker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Success:      w.success.Load(),
		Errors:       w.errors.Load(),
		Retries:      w.retries.Load(),
		Skipped:      w.skipped.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
}

// safeProcess turns a panic in one record's handling into a counted error.
func (w *DeliveryWorker) safeProcess(ctx context.Context, rec domain.RelayRecord) {
	defer func() {
		if r := recover(); r != nil {
			w.errors.Add(1)
			w.logger.Error("panic while processing record",
				zap.String("shard", rec.Shard),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	w.process(ctx, rec)
}

func (w *DeliveryWorker) process(ctx context.Context, rec domain.RelayRecord) {
	w.processed.Add(1)
	if !rec.EnqueuedAt.IsZero() {
		w.hooks.OnDequeued(time.Since(rec.EnqueuedAt))
	}

	log := w.logger.With(
		zap.String("trace_id", domain.Truncate(rec.Raw.String(w.cfg.TokenField), 16)),
		zap.String("shard", rec.Shard),
	)

	payload := transform.Transform(rec.Raw)
	if w.cfg.SkipEmpty && payload.TraceInput == "" && payload.TraceOutput == "" {
		w.skipped.Add(1)
		w.hooks.OnSkipped()
		log.Debug("skipping record with empty input and output")
		return
	}

	// In-flight sends are never cut short by shutdown.
	sendCtx := context.WithoutCancel(ctx)

	if err := w.limiter.Wait(sendCtx); err != nil {
		log.Warn("rate limiter wait failed", zap.Error(err))
	}

	start := time.Now()
	attempts, err := retry.Do(sendCtx, w.cfg.Retry,
		func(ctx context.Context, _ int) error {
			return w.prov.Send(ctx, payload)
		},
		func(attempt int, err error) {
			w.retries.Add(1)
			w.hooks.OnRetry()
			log.Warn("send failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", w.cfg.Retry.Attempts),
				zap.Error(err))
		},
	)
	if err == nil {
		elapsed := time.Since(start)
		w.success.Add(1)
		w.hooks.OnDelivered(elapsed)
		log.Info("trace delivered",
			zap.String("trace_name", payload.TraceName),
			zap.Int("attempts", attempts),
			zap.Duration("latency", elapsed))
		return
	}

	w.errors.Add(1)
	log.Error("delivery failed permanently", zap.Int("attempts", attempts), zap.Error(err))
	w.deadLetter(sendCtx, log, rec, err, attempts)
}

func (w *DeliveryWorker) deadLetter(ctx context.Context, log *zap.Logger, rec domain.RelayRecord, cause error, attempts int) {
	entry := domain.DeadLetterEntry{
		FailedAt: time.Now().UTC(),
		Shard:    rec.Shard,
		Reason:   fmt.Sprintf("delivery failed: %v", cause),
		Attempts: attempts,
		Record:   rec.Raw,
	}
	if err := w.sink.Append(ctx, entry); err != nil {
		w.hooks.OnDeadLetterFailed()
		log.Error("dead-letter append failed, record lost", zap.Error(err))
		return
	}
	w.deadLettered.Add(1)
	w.hooks.OnDeadLettered()
}
