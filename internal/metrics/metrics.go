package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghub/trace-relay/internal/ingest"
	"github.com/loghub/trace-relay/internal/worker"
)

const namespace = "trace_relay"

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	RecordsEnqueued    *prometheus.CounterVec
	RecordsDropped     *prometheus.CounterVec
	CheckpointFailures *prometheus.CounterVec

	TracesDelivered    prometheus.Counter
	DeliveryRetries    prometheus.Counter
	RecordsSkipped     prometheus.Counter
	RecordsDeadLetters prometheus.Counter
	DeadLetterFailures prometheus.Counter
	DeliveryLatency    prometheus.Histogram
	QueueWait          prometheus.Histogram

	QueueDepth prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Records handed from ingestion to the relay queue.",
		}, []string{"shard"}),

		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records dropped at ingestion, by reason.",
		}, []string{"shard", "reason"}),

		CheckpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Batches whose checkpoint could not be advanced after retries.",
		}, []string{"shard"}),

		TracesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_delivered_total",
			Help:      "Traces accepted by the downstream service.",
		}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Failed send attempts that were retried.",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records skipped for having neither input nor output.",
		}),
		RecordsDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dead_lettered_total",
			Help:      "Records written to the dead-letter sink after exhausting retries.",
		}),
		DeadLetterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_failures_total",
			Help:      "Dead-letter appends that failed; each one is a lost record.",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_seconds",
			Help:      "Time from first send attempt to downstream ack, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a record spent in the relay queue.",
			Buckets:   prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of records in the relay queue.",
		}),
	}

	reg.MustRegister(
		m.RecordsEnqueued,
		m.RecordsDropped,
		m.CheckpointFailures,
		m.TracesDelivered,
		m.DeliveryRetries,
		m.RecordsSkipped,
		m.RecordsDeadLetters,
		m.DeadLetterFailures,
		m.DeliveryLatency,
		m.QueueWait,
		m.QueueDepth,
	)

	return m
}

// IngestHooks returns the callbacks expected by ingest.NewWorker.
func (m *Metrics) IngestHooks() ingest.Hooks {
	return ingest.Hooks{
		OnEnqueued: func(shard string) {
			m.RecordsEnqueued.WithLabelValues(shard).Inc()
		},
		OnDropped: func(shard, reason string) {
			m.RecordsDropped.WithLabelValues(shard, reason).Inc()
		},
		OnCheckpointFailed: func(shard string) {
			m.CheckpointFailures.WithLabelValues(shard).Inc()
		},
	}
}

// DeliveryHooks returns the callbacks expected by worker.NewDeliveryWorker.
func (m *Metrics) DeliveryHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnDequeued:         func(wait time.Duration) { m.QueueWait.Observe(wait.Seconds()) },
		OnDelivered:        func(latency time.Duration) { m.TracesDelivered.Inc(); m.DeliveryLatency.Observe(latency.Seconds()) },
		OnRetry:            m.DeliveryRetries.Inc,
		OnSkipped:          m.RecordsSkipped.Inc,
		OnDeadLettered:     m.RecordsDeadLetters.Inc,
		OnDeadLetterFailed: m.DeadLetterFailures.Inc,
	}
}

// SetQueueDepth matches worker.NewStatsReporter's onDepth callback.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}
