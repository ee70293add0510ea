// Package lifecycle owns the relay's start-up and its ordered drain on
// shutdown: stop the source, let the queue empty, stop the delivery worker,
// then flush the downstream client exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/source"
)

// Delivery is the consuming side of the relay queue.
type Delivery interface {
	Run(ctx context.Context)
	// Started is closed once Run is executing.
	Started() <-chan struct{}
	Done() <-chan struct{}
	Alive() bool
}

// Flusher forces out anything the downstream client has buffered.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Config struct {
	// DrainPoll is how often the queue is checked for emptiness.
	DrainPoll time.Duration
	// DrainTimeout caps the wait for an empty queue; 0 waits as long as
	// the delivery worker is alive.
	DrainTimeout time.Duration
	// JoinTimeout caps the wait for the delivery worker to exit. It also
	// bounds the final flush.
	JoinTimeout time.Duration
}

const (
	DefaultDrainPoll   = 100 * time.Millisecond
	DefaultJoinTimeout = 30 * time.Second
)

// WithDefaults fills zero or negative poll and join settings.
func (c Config) WithDefaults() Config {
	if c.DrainPoll <= 0 {
		c.DrainPoll = DefaultDrainPoll
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

type Coordinator struct {
	src      source.Source
	handler  source.Handler
	q        *queue.RelayQueue
	delivery Delivery
	flusher  Flusher
	cfg      Config
	logger   *zap.Logger

	mu             sync.Mutex
	started        bool
	cancelDelivery context.CancelFunc
	stopOnce       sync.Once
	stopErr        error
}

func New(
	src source.Source,
	handler source.Handler,
	q *queue.RelayQueue,
	delivery Delivery,
	flusher Flusher,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		src: src, handler: handler, q: q, delivery: delivery,
		flusher: flusher, cfg: cfg.WithDefaults(), logger: logger,
	}
}

// Start launches the delivery worker, waits until it is running, then
// starts the source. The delivery worker does not stop when ctx is
// cancelled; only Shutdown stops it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelDelivery = cancel
	go c.delivery.Run(dctx)
	select {
	case <-c.delivery.Started():
	case <-c.delivery.Done():
	}

	if err := c.src.Start(ctx, c.handler); err != nil {
		cancel()
		return fmt.Errorf("start source: %w", err)
	}
	c.started = true

	c.logger.Info("relay started", zap.Int("queue_capacity", c.q.Cap()))
	return nil
}

// Alive reports whether the delivery worker is running.
func (c *Coordinator) Alive() bool {
	return c.delivery.Alive()
}

// DeliveryDone is closed when the delivery worker exits for any reason.
func (c *Coordinator) DeliveryDone() <-chan struct{} {
	return c.delivery.Done()
}

// Shutdown runs the drain protocol once; later calls return the first
// call's result. Cancelling ctx cuts the queue drain short but every
// remaining step still runs.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.shutdown(ctx)
	})
	return c.stopErr
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.mu.Lock()
	started, cancel := c.started, c.cancelDelivery
	c.mu.Unlock()

	if started {
		c.logger.Info("shutdown: stopping source")
		if err := c.src.Shutdown(ctx); err != nil {
			c.logger.Warn("source shutdown failed", zap.Error(err))
		}

		c.logger.Info("shutdown: draining queue", zap.Int("remaining", c.q.Len()))
		if left := c.drain(ctx); left > 0 {
			c.logger.Warn("shutdown: queue not drained, records abandoned", zap.Int("remaining", left))
		}
	}

	if cancel != nil {
		c.logger.Info("shutdown: stopping delivery worker")
		cancel()
		c.join()
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.JoinTimeout)
	defer fcancel()
	c.logger.Info("shutdown: flushing downstream client")
	if err := c.flusher.Flush(fctx); err != nil {
		c.logger.Error("flush failed", zap.Error(err))
		return fmt.Errorf("flush: %w", err)
	}

	c.logger.Info("shutdown complete")
	return nil
}

// drain waits until the queue is empty and returns how many records are
// left. It gives up early when ctx ends, the drain timeout lapses, or the
// delivery worker has exited and nothing can empty the queue.
func (c *Coordinator) drain(ctx context.Context) int {
	ticker := time.NewTicker(c.cfg.DrainPoll)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(c.cfg.DrainTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if n := c.q.Len(); n == 0 {
			return 0
		}
		select {
		case <-ticker.C:
		case <-c.delivery.Done():
			c.logger.Warn("shutdown: delivery worker exited before queue drained")
			return c.q.Len()
		case <-deadline:
			return c.q.Len()
		case <-ctx.Done():
			return c.q.Len()
		}
	}
}

func (c *Coordinator) join() {
	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-c.delivery.Done():
		c.logger.Info("shutdown: delivery worker stopped")
	case <-timer.C:
		c.logger.Warn("shutdown: delivery worker did not stop in time, continuing",
			zap.Duration("join_timeout", c.cfg.JoinTimeout))
	}
}
