package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/retry"
	"github.com/loghub/trace-relay/internal/worker"
)

// scriptedProvider fails the first failFirst calls, then succeeds.
type scriptedProvider struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	panicOn   int
	onSend    func(call int)
	sent      []domain.TransformedPayload
}

func (p *scriptedProvider) Send(_ context.Context, payload domain.TransformedPayload) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	hook := p.onSend
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if p.panicOn > 0 && call == p.panicOn {
		panic("provider exploded")
	}
	if call <= p.failFirst {
		return errors.New("downstream unavailable")
	}
	p.mu.Lock()
	p.sent = append(p.sent, payload)
	p.mu.Unlock()
	return nil
}

func (p *scriptedProvider) Flush(context.Context) error { return nil }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func record(token string) domain.RelayRecord {
	return domain.RelayRecord{
		Raw: domain.RawRecord{
			"trace_id":      token,
			"question":      "what is the weather",
			"answer":        "sunny",
			"response_code": "200",
		},
		Shard:      "logs-0",
		EnqueuedAt: time.Now(),
	}
}

func newWorker(q *queue.RelayQueue, prov *scriptedProvider, sink deadletter.Sink, hooks worker.MetricHooks) *worker.DeliveryWorker {
	cfg := worker.Config{
		Retry:       retry.Policy{Attempts: 3, Delay: time.Millisecond},
		PollTimeout: 10 * time.Millisecond,
	}
	return worker.NewDeliveryWorker(q, prov, sink, nil, cfg, zap.NewNop(), hooks)
}

// runUntil starts w, waits for cond, then stops w and waits for it to exit.
func runUntil(t *testing.T, w *worker.DeliveryWorker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery worker did not exit")
	}
}

func TestDeliveryWorker_RetriesThenSucceeds(t *testing.T) {
	q := queue.New(10)
	prov := &scriptedProvider{failFirst: 2}
	sink := deadletter.NewMemorySink()
	var retries int
	w := newWorker(q, prov, sink, worker.MetricHooks{OnRetry: func() { retries++ }})

	require.NoError(t, q.Enqueue(context.Background(), record("trace-0123456789"), 0))
	runUntil(t, w, func() bool { return w.Stats().Processed == 1 && w.Stats().Success == 1 })

	s := w.Stats()
	assert.Equal(t, uint64(2), s.Retries)
	assert.Equal(t, uint64(0), s.Errors)
	assert.Equal(t, uint64(0), s.DeadLettered)
	assert.Equal(t, 3, prov.Calls())
	assert.Equal(t, 2, retries)
	assert.Empty(t, sink.Entries())

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Len(t, prov.sent, 1)
	assert.Equal(t, domain.LevelDefault, prov.sent[0].Level)
	assert.Contains(t, prov.sent[0].Tags, "status:success")
	assert.Equal(t, "HTTP 200", prov.sent[0].StatusMessage)
}

func TestDeliveryWorker_ExhaustedGoesToDeadLetterOnce(t *testing.T) {
	q := queue.New(10)
	prov := &scriptedProvider{failFirst: 1000}
	sink := deadletter.NewMemorySink()
	w := newWorker(q, prov, sink, worker.MetricHooks{})

	rec := record("trace-0123456789")
	require.NoError(t, q.Enqueue(context.Background(), rec, 0))
	runUntil(t, w, func() bool { return w.Stats().DeadLettered == 1 })

	assert.Equal(t, 3, prov.Calls())
	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "logs-0", entries[0].Shard)
	assert.Equal(t, rec.Raw, entries[0].Record)
	assert.Contains(t, entries[0].Reason, "downstream unavailable")
	assert.Equal(t, uint64(1), w.Stats().Errors)
	assert.Equal(t, uint64(0), w.Stats().Success)
}

func TestDeliveryWorker_ContinuesAfterExhaustion(t *testing.T) {
	q := queue.New(10)
	// first record burns all three attempts, second succeeds first time
	prov := &scriptedProvider{failFirst: 3}
	sink := deadletter.NewMemorySink()
	w := newWorker(q, prov, sink, worker.MetricHooks{})

	require.NoError(t, q.Enqueue(context.Background(), record("trace-aaaaaaaaaa"), 0))
	require.NoError(t, q.Enqueue(context.Background(), record("trace-bbbbbbbbbb"), 0))
	runUntil(t, w, func() bool { return w.Stats().Processed == 2 && w.Stats().Success == 1 })

	assert.Len(t, sink.Entries(), 1)
	assert.Equal(t, "trace-aaaaaaaaaa", sink.Entries()[0].Record.String("trace_id"))
}

func TestDeliveryWorker_DeadLetterFailureIsCounted(t *testing.T) {
	q := queue.New(10)
	prov := &scriptedProvider{failFirst: 1000}
	sink := deadletter.NewMemorySink()
	sink.AppendErr = errors.New("disk full")
	var failed int
	w := newWorker(q, prov, sink, worker.MetricHooks{OnDeadLetterFailed: func() { failed++ }})

	require.NoError(t, q.Enqueue(context.Background(), record("trace-0123456789"), 0))
	runUntil(t, w, func() bool { return w.Stats().Errors == 1 })

	assert.Equal(t, uint64(0), w.Stats().DeadLettered)
	assert.Equal(t, 1, failed)
}

func TestDeliveryWorker_PanicIsOneFailedItem(t *testing.T) {
	q := queue.New(10)
	prov := &scriptedProvider{panicOn: 1}
	w := newWorker(q, prov, deadletter.NewMemorySink(), worker.MetricHooks{})

	require.NoError(t, q.Enqueue(context.Background(), record("trace-aaaaaaaaaa"), 0))
	require.NoError(t, q.Enqueue(context.Background(), record("trace-bbbbbbbbbb"), 0))
	runUntil(t, w, func() bool { return w.Stats().Processed == 2 && w.Stats().Success == 1 })

	assert.Equal(t, uint64(1), w.Stats().Errors)
}

func TestDeliveryWorker_SkipEmpty(t *testing.T) {
	q := queue.New(10)
	prov := &scriptedProvider{}
	cfg := worker.Config{
		Retry:       retry.Policy{Attempts: 3, Delay: time.Millisecond},
		PollTimeout: 10 * time.Millisecond,
		SkipEmpty:   true,
	}
	w := worker.NewDeliveryWorker(q, prov, deadletter.NewMemorySink(), nil, cfg, zap.NewNop(), worker.MetricHooks{})

	empty := domain.RelayRecord{Raw: domain.RawRecord{"trace_id": "trace-0123456789"}}
	require.NoError(t, q.Enqueue(context.Background(), empty, 0))
	runUntil(t, w, func() bool { return w.Stats().Skipped == 1 })

	assert.Equal(t, 0, prov.Calls())
	assert.Equal(t, uint64(1), w.Stats().Processed)
}

func TestDeliveryWorker_InFlightRetriesSurviveCancellation(t *testing.T) {
	q := queue.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &scriptedProvider{failFirst: 1}
	prov.onSend = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	w := newWorker(q, prov, deadletter.NewMemorySink(), worker.MetricHooks{})
	require.NoError(t, q.Enqueue(context.Background(), record("trace-0123456789"), 0))

	go w.Run(ctx)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery worker did not exit")
	}

	assert.Equal(t, 2, prov.Calls())
	assert.Equal(t, uint64(1), w.Stats().Success)
	assert.Equal(t, uint64(1), w.Stats().Retries)
}

func TestDeliveryWorker_AliveAndDone(t *testing.T) {
	q := queue.New(1)
	w := newWorker(q, &scriptedProvider{}, deadletter.NewMemorySink(), worker.MetricHooks{})
	assert.False(t, w.Alive())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	select {
	case <-w.Started():
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}
	assert.True(t, w.Alive())

	cancel()
	<-w.Done()
	assert.False(t, w.Alive())
}

func TestStats_SuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, worker.Stats{}.SuccessRate())
	assert.InDelta(t, 75.0, worker.Stats{Processed: 4, Success: 3}.SuccessRate(), 0.001)
}
