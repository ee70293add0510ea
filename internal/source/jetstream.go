package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/domain"
)

// JetStreamConfig locates the stream and subjects to consume.
type JetStreamConfig struct {
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
}

// JetStream consumes a NATS JetStream stream with one durable pull consumer
// per shard. A shard is a subject suffix; checkpointing a batch double-acks
// every message in it.
type JetStream struct {
	js     jetstream.JetStream
	cfg    JetStreamConfig
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialJetStream connects to NATS and opens a JetStream context.
func DialJetStream(url, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

func NewJetStream(js jetstream.JetStream, cfg JetStreamConfig, opts Options, logger *zap.Logger) *JetStream {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "logs"
	}
	return &JetStream{js: js, cfg: cfg, opts: opts.withDefaults(), logger: logger}
}

// Subject returns the filter subject for a shard.
func (s *JetStream) Subject(shard string) string {
	return s.cfg.SubjectPrefix + "." + shard
}

// DurableName returns the durable consumer name for a shard. Dots and
// wildcards are not allowed in consumer names.
func (s *JetStream) DurableName(shard string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(s.opts.Group + "-" + shard)
}

func (s *JetStream) Start(ctx context.Context, h Handler) error {
	deliver := jetstream.DeliverAllPolicy
	if s.opts.StartFromLatest {
		deliver = jetstream.DeliverNewPolicy
	}

	consumers := make(map[string]jetstream.Consumer, len(s.opts.Shards))
	for _, shard := range s.opts.Shards {
		cons, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
			Durable:       s.DurableName(shard),
			FilterSubject: s.Subject(shard),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       s.cfg.AckWait,
			DeliverPolicy: deliver,
		})
		if err != nil {
			return fmt.Errorf("create consumer for shard %s: %w", shard, err)
		}
		consumers[shard] = cons
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("jetstream source already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for shard, cons := range consumers {
		s.wg.Add(1)
		go func(shard string, cons jetstream.Consumer) {
			defer s.wg.Done()
			s.consume(pollCtx, shard, cons, h)
		}(shard, cons)
	}
	s.logger.Info("jetstream source started",
		zap.String("stream", s.cfg.Stream),
		zap.Strings("shards", s.opts.Shards))
	return nil
}

func (s *JetStream) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return waitGroupDone(ctx, &s.wg)
}

func (s *JetStream) consume(ctx context.Context, shard string, cons jetstream.Consumer, h Handler) {
	log := s.logger.With(zap.String("shard", shard))
	log.Info("shard consumer started")
	defer log.Info("shard consumer stopped")

	for ctx.Err() == nil {
		fetched, err := cons.Fetch(s.opts.BatchSize, jetstream.FetchMaxWait(s.opts.PollInterval))
		if err != nil {
			log.Warn("fetch failed", zap.Error(err))
			if !waitPoll(ctx, s.opts.PollInterval) {
				return
			}
			continue
		}

		var msgs []jetstream.Msg
		for msg := range fetched.Messages() {
			msgs = append(msgs, msg)
		}
		if err := fetched.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			log.Debug("fetch completed with error", zap.Error(err))
		}
		if len(msgs) == 0 {
			continue
		}

		batch := Batch{Shard: shard, Records: make([]domain.RawRecord, 0, len(msgs))}
		for _, msg := range msgs {
			batch.Records = append(batch.Records, DecodeRecord(msg.Data()))
		}

		h(context.WithoutCancel(ctx), batch, newMsgAcker(msgs))
	}
}

// DecodeRecord parses a JSON object payload. Anything else yields an empty
// record, which the ingestion filter treats as ineligible.
func DecodeRecord(data []byte) domain.RawRecord {
	var rec domain.RawRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		return domain.RawRecord{}
	}
	return rec
}

// msgAcker double-acks a batch, remembering how far it got so a retried
// checkpoint resumes instead of re-acking.
type msgAcker struct {
	msgs  []jetstream.Msg
	acked int
}

func newMsgAcker(msgs []jetstream.Msg) *msgAcker {
	return &msgAcker{msgs: msgs}
}

func (a *msgAcker) Checkpoint(ctx context.Context) error {
	for a.acked < len(a.msgs) {
		if err := a.msgs[a.acked].DoubleAck(ctx); err != nil {
			return fmt.Errorf("ack message %d of %d: %w", a.acked+1, len(a.msgs), err)
		}
		a.acked++
	}
	return nil
}

var _ Source = (*JetStream)(nil)
