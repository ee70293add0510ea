package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/worker"
)

func TestStatsReporter_Report(t *testing.T) {
	q := queue.New(8)
	require.NoError(t, q.Enqueue(context.Background(), record("trace-0123456789"), 0))
	require.NoError(t, q.Enqueue(context.Background(), record("trace-9876543210"), 0))

	w := newWorker(q, &scriptedProvider{}, deadletter.NewMemorySink(), worker.MetricHooks{})

	core, logs := observer.New(zapcore.InfoLevel)
	var depth int
	sr := worker.NewStatsReporter(w, q, time.Hour, zap.New(core), func(d int) { depth = d })
	sr.Report()

	assert.Equal(t, 2, depth)
	entries := logs.FilterMessage("relay progress").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["queue_depth"])
	assert.Equal(t, int64(8), fields["queue_capacity"])
	assert.Equal(t, uint64(0), fields["processed"])
}

func TestStatsReporter_RunReportsOnStop(t *testing.T) {
	q := queue.New(1)
	w := newWorker(q, &scriptedProvider{}, deadletter.NewMemorySink(), worker.MetricHooks{})

	core, logs := observer.New(zapcore.InfoLevel)
	sr := worker.NewStatsReporter(w, q, time.Hour, zap.New(core), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sr.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 1, logs.FilterMessage("relay progress").Len())
}
