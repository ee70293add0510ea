package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
	"github.com/loghub/trace-relay/internal/ingest"
	"github.com/loghub/trace-relay/internal/lifecycle"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/retry"
	"github.com/loghub/trace-relay/internal/source"
	"github.com/loghub/trace-relay/internal/worker"
)

// eventLog records the order in which collaborators were called.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeSource hands its batches to the handler once, then idles.
type fakeSource struct {
	log      *eventLog
	batches  []source.Batch
	startErr error
	wg       sync.WaitGroup
	cps      int
	mu       sync.Mutex
}

func (s *fakeSource) Start(ctx context.Context, h source.Handler) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.log.add("source.start")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, b := range s.batches {
			h(ctx, b, source.CheckpointFunc(func(context.Context) error {
				s.mu.Lock()
				s.cps++
				s.mu.Unlock()
				return nil
			}))
		}
	}()
	return nil
}

func (s *fakeSource) Shutdown(context.Context) error {
	s.wg.Wait()
	s.log.add("source.shutdown")
	return nil
}

// slowProvider takes a little time per send and counts flushes.
type slowProvider struct {
	log     *eventLog
	delay   time.Duration
	mu      sync.Mutex
	sent    int
	flushes int
}

func (p *slowProvider) Send(context.Context, domain.TransformedPayload) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return nil
}

func (p *slowProvider) Flush(context.Context) error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	p.log.add("provider.flush")
	return nil
}

func (p *slowProvider) counts() (sent, flushes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.flushes
}

func batchOf(shard string, tokens ...string) source.Batch {
	b := source.Batch{Shard: shard}
	for _, tok := range tokens {
		b.Records = append(b.Records, domain.RawRecord{"trace_id": tok, "question": "q", "answer": "a"})
	}
	return b
}

type pipeline struct {
	q        *queue.RelayQueue
	src      *fakeSource
	prov     *slowProvider
	delivery *worker.DeliveryWorker
	coord    *lifecycle.Coordinator
	log      *eventLog
}

func newPipeline(t *testing.T, batches []source.Batch, logger *zap.Logger) *pipeline {
	t.Helper()
	events := &eventLog{}
	q := queue.New(100)
	src := &fakeSource{log: events, batches: batches}
	prov := &slowProvider{log: events, delay: 2 * time.Millisecond}

	ing := ingest.NewWorker(q, ingest.Config{
		TokenField:     "trace_id",
		TokenSentinel:  "-",
		MinTokenLength: 10,
		EnqueueTimeout: time.Second,
		Checkpoint:     retry.Policy{Attempts: 3, Delay: time.Millisecond},
	}, logger, ingest.Hooks{})

	delivery := worker.NewDeliveryWorker(q, prov, deadletter.NewMemorySink(), nil, worker.Config{
		Retry:       retry.Policy{Attempts: 3, Delay: time.Millisecond},
		PollTimeout: 10 * time.Millisecond,
	}, logger, worker.MetricHooks{})

	coord := lifecycle.New(src, ing.Handle, q, delivery, prov, lifecycle.Config{
		DrainPoll:   5 * time.Millisecond,
		JoinTimeout: time.Second,
	}, logger)

	return &pipeline{q: q, src: src, prov: prov, delivery: delivery, coord: coord, log: events}
}

func TestCoordinator_DrainsQueueBeforeStopping(t *testing.T) {
	batches := []source.Batch{
		batchOf("logs-0", "trace-0000000001", "trace-0000000002", "short"),
		batchOf("logs-1", "trace-0000000003", "trace-0000000004", "trace-0000000005"),
	}
	p := newPipeline(t, batches, zap.NewNop())

	require.NoError(t, p.coord.Start(context.Background()))
	assert.True(t, p.coord.Alive(), "delivery worker is running once Start returns")

	require.NoError(t, p.coord.Shutdown(context.Background()))

	sent, flushes := p.prov.counts()
	assert.Equal(t, 5, sent, "every eligible record is delivered before the worker stops")
	assert.Equal(t, 1, flushes)
	assert.Equal(t, 0, p.q.Len())
	assert.Equal(t, 2, p.src.cps)
	assert.False(t, p.coord.Alive())
	assert.Equal(t, []string{"source.start", "source.shutdown", "provider.flush"}, p.log.all())
}

func TestCoordinator_FlushesExactlyOnce(t *testing.T) {
	p := newPipeline(t, nil, zap.NewNop())
	require.NoError(t, p.coord.Start(context.Background()))

	require.NoError(t, p.coord.Shutdown(context.Background()))
	require.NoError(t, p.coord.Shutdown(context.Background()))

	_, flushes := p.prov.counts()
	assert.Equal(t, 1, flushes)
}

func TestCoordinator_AliveAsSoonAsStartReturns(t *testing.T) {
	for i := 0; i < 20; i++ {
		p := newPipeline(t, nil, zap.NewNop())
		require.NoError(t, p.coord.Start(context.Background()))
		assert.True(t, p.coord.Alive())
		select {
		case <-p.delivery.Started():
		default:
			t.Fatal("Started not closed after Start returned")
		}
		require.NoError(t, p.coord.Shutdown(context.Background()))
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := lifecycle.Config{JoinTimeout: -time.Second}.WithDefaults()
	assert.Equal(t, lifecycle.DefaultDrainPoll, cfg.DrainPoll)
	assert.Equal(t, lifecycle.DefaultJoinTimeout, cfg.JoinTimeout)

	cfg = lifecycle.Config{DrainPoll: time.Millisecond, JoinTimeout: time.Second}.WithDefaults()
	assert.Equal(t, time.Millisecond, cfg.DrainPoll)
	assert.Equal(t, time.Second, cfg.JoinTimeout)
}

func TestCoordinator_StartTwice(t *testing.T) {
	p := newPipeline(t, nil, zap.NewNop())
	require.NoError(t, p.coord.Start(context.Background()))
	assert.Error(t, p.coord.Start(context.Background()))
	require.NoError(t, p.coord.Shutdown(context.Background()))
}

func TestCoordinator_StartFailure(t *testing.T) {
	p := newPipeline(t, nil, zap.NewNop())
	p.src.startErr = errors.New("redis unreachable")

	err := p.coord.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unreachable")

	select {
	case <-p.coord.DeliveryDone():
	case <-time.After(time.Second):
		t.Fatal("delivery worker still running after failed start")
	}

	require.NoError(t, p.coord.Shutdown(context.Background()))
	_, flushes := p.prov.counts()
	assert.Equal(t, 1, flushes)
}

// hungDelivery never returns from Run.
type hungDelivery struct {
	done    chan struct{}
	release chan struct{}
}

func (h *hungDelivery) Run(context.Context)      { <-h.release }
func (h *hungDelivery) Started() <-chan struct{} { return closedChan() }
func (h *hungDelivery) Done() <-chan struct{}    { return h.done }
func (h *hungDelivery) Alive() bool              { return true }

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestCoordinator_JoinTimeoutStillFlushes(t *testing.T) {
	events := &eventLog{}
	core, logs := observer.New(zapcore.WarnLevel)
	hung := &hungDelivery{done: make(chan struct{}), release: make(chan struct{})}
	defer close(hung.release)
	prov := &slowProvider{log: events}

	coord := lifecycle.New(&fakeSource{log: events}, func(context.Context, source.Batch, source.Checkpointer) {},
		queue.New(1), hung, prov, lifecycle.Config{DrainPoll: time.Millisecond, JoinTimeout: 30 * time.Millisecond}, zap.New(core))

	require.NoError(t, coord.Start(context.Background()))

	start := time.Now()
	require.NoError(t, coord.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	_, flushes := prov.counts()
	assert.Equal(t, 1, flushes)
	assert.Equal(t, 1, logs.FilterMessage("shutdown: delivery worker did not stop in time, continuing").Len())
}

// deadDelivery has already exited.
type deadDelivery struct{ done chan struct{} }

func (d *deadDelivery) Run(context.Context)      {}
func (d *deadDelivery) Started() <-chan struct{} { return nil }
func (d *deadDelivery) Done() <-chan struct{}    { return d.done }
func (d *deadDelivery) Alive() bool              { return false }

func TestCoordinator_DrainStopsWhenDeliveryIsGone(t *testing.T) {
	events := &eventLog{}
	dead := &deadDelivery{done: make(chan struct{})}
	close(dead.done)
	q := queue.New(4)
	require.NoError(t, q.Enqueue(context.Background(), domain.RelayRecord{}, 0))
	prov := &slowProvider{log: events}

	core, logs := observer.New(zapcore.WarnLevel)
	coord := lifecycle.New(&fakeSource{log: events}, func(context.Context, source.Batch, source.Checkpointer) {},
		q, dead, prov, lifecycle.Config{DrainPoll: time.Millisecond, JoinTimeout: time.Second}, zap.New(core))

	require.NoError(t, coord.Start(context.Background()))
	require.NoError(t, coord.Shutdown(context.Background()))

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, logs.FilterMessage("shutdown: queue not drained, records abandoned").Len())
	_, flushes := prov.counts()
	assert.Equal(t, 1, flushes)
}

func TestCoordinator_DrainTimeout(t *testing.T) {
	events := &eventLog{}
	hung := &hungDelivery{done: make(chan struct{}), release: make(chan struct{})}
	defer close(hung.release)
	q := queue.New(4)
	require.NoError(t, q.Enqueue(context.Background(), domain.RelayRecord{}, 0))
	prov := &slowProvider{log: events}

	coord := lifecycle.New(&fakeSource{log: events}, func(context.Context, source.Batch, source.Checkpointer) {},
		q, hung, prov, lifecycle.Config{
			DrainPoll:    time.Millisecond,
			DrainTimeout: 20 * time.Millisecond,
			JoinTimeout:  20 * time.Millisecond,
		}, zap.NewNop())

	require.NoError(t, coord.Start(context.Background()))
	require.NoError(t, coord.Shutdown(context.Background()))

	assert.Equal(t, 1, q.Len())
	_, flushes := prov.counts()
	assert.Equal(t, 1, flushes)
}

type failingFlusher struct{}

func (failingFlusher) Flush(context.Context) error { return errors.New("export failed") }

func TestCoordinator_FlushErrorReturned(t *testing.T) {
	events := &eventLog{}
	dead := &deadDelivery{done: make(chan struct{})}
	close(dead.done)

	coord := lifecycle.New(&fakeSource{log: events}, func(context.Context, source.Batch, source.Checkpointer) {},
		queue.New(1), dead, failingFlusher{}, lifecycle.Config{}, zap.NewNop())
	require.NoError(t, coord.Start(context.Background()))

	err := coord.Shutdown(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, coord.Shutdown(context.Background()))
}
