package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/domain"
)

// RedisStreams consumes Redis Streams through a consumer group. Each shard
// is one stream key; checkpointing a batch XACKs its entry IDs. Entries left
// unacknowledged for ClaimIdle, by this process or a dead one, are claimed
// and delivered again before new entries are read.
type RedisStreams struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStreams wraps an existing client. The caller owns the client.
func NewRedisStreams(client *redis.Client, opts Options, logger *zap.Logger) *RedisStreams {
	return &RedisStreams{client: client, opts: opts.withDefaults(), logger: logger}
}

// DialRedis parses url and verifies connectivity.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// EnsureGroup creates the consumer group on every shard, creating the stream
// when missing. An existing group is not an error.
func (s *RedisStreams) EnsureGroup(ctx context.Context) error {
	start := "0"
	if s.opts.StartFromLatest {
		start = "$"
	}
	for _, key := range s.opts.Shards {
		err := s.client.XGroupCreateMkStream(ctx, key, s.opts.Group, start).Err()
		switch {
		case err == nil:
			s.logger.Info("consumer group created", zap.String("stream", key), zap.String("group", s.opts.Group))
		case strings.Contains(err.Error(), "BUSYGROUP"):
			s.logger.Info("consumer group already exists", zap.String("stream", key), zap.String("group", s.opts.Group))
		default:
			return fmt.Errorf("create consumer group on %s: %w", key, err)
		}
	}
	return nil
}

func (s *RedisStreams) Start(ctx context.Context, h Handler) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	s.PruneConsumers(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("redis source already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, key := range s.opts.Shards {
		s.wg.Add(1)
		go func(shard string) {
			defer s.wg.Done()
			s.consume(pollCtx, shard, h)
		}(key)
	}
	s.logger.Info("redis source started",
		zap.Strings("shards", s.opts.Shards),
		zap.String("consumer", s.opts.Consumer))
	return nil
}

func (s *RedisStreams) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return waitGroupDone(ctx, &s.wg)
}

func (s *RedisStreams) consume(ctx context.Context, shard string, h Handler) {
	log := s.logger.With(zap.String("shard", shard))
	log.Info("shard consumer started")
	defer log.Info("shard consumer stopped")

	for ctx.Err() == nil {
		msgs, err := s.claimStale(ctx, shard)
		switch {
		case err != nil:
		case len(msgs) > 0:
			log.Info("reclaimed unacknowledged entries", zap.Int("count", len(msgs)))
		default:
			msgs, err = s.readNew(ctx, shard)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("read from stream failed", zap.Error(err))
			if !waitPoll(ctx, s.opts.PollInterval) {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			if !waitPoll(ctx, s.opts.PollInterval) {
				return
			}
			continue
		}

		batch := Batch{Shard: shard, Records: make([]domain.RawRecord, 0, len(msgs))}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			batch.Records = append(batch.Records, domain.RawRecord(m.Values))
			ids = append(ids, m.ID)
		}

		// A received batch finishes even when shutdown starts mid-way.
		h(context.WithoutCancel(ctx), batch, s.acker(shard, ids))
	}
}

// claimStale takes over entries that some consumer in the group read but
// did not acknowledge within ClaimIdle.
func (s *RedisStreams) claimStale(ctx context.Context, shard string) ([]redis.XMessage, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   shard,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(s.opts.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim on %s: %w", shard, err)
	}
	return msgs, nil
}

func (s *RedisStreams) readNew(ctx context.Context, shard string) ([]redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{shard, ">"},
		Count:    int64(s.opts.BatchSize),
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xreadgroup on %s: %w", shard, err)
	}
	var msgs []redis.XMessage
	for _, st := range streams {
		msgs = append(msgs, st.Messages...)
	}
	return msgs, nil
}

// PruneConsumers removes group members left behind by earlier processes:
// those idle for at least ClaimIdle with nothing pending. Failures are
// logged and otherwise ignored.
func (s *RedisStreams) PruneConsumers(ctx context.Context) {
	for _, key := range s.opts.Shards {
		consumers, err := s.client.XInfoConsumers(ctx, key, s.opts.Group).Result()
		if err != nil {
			s.logger.Warn("list consumers failed", zap.String("stream", key), zap.Error(err))
			continue
		}
		for _, c := range consumers {
			if c.Name == s.opts.Consumer || c.Pending > 0 || c.Idle < s.opts.ClaimIdle {
				continue
			}
			if err := s.client.XGroupDelConsumer(ctx, key, s.opts.Group, c.Name).Err(); err != nil {
				s.logger.Warn("remove stale consumer failed",
					zap.String("stream", key), zap.String("consumer", c.Name), zap.Error(err))
				continue
			}
			s.logger.Info("removed stale consumer",
				zap.String("stream", key), zap.String("consumer", c.Name), zap.Duration("idle", c.Idle))
		}
	}
}

func (s *RedisStreams) acker(shard string, ids []string) Checkpointer {
	acked := false
	return CheckpointFunc(func(ctx context.Context) error {
		if acked {
			return nil
		}
		if err := s.client.XAck(ctx, shard, s.opts.Group, ids...).Err(); err != nil {
			return fmt.Errorf("xack %d entries on %s: %w", len(ids), shard, err)
		}
		acked = true
		return nil
	})
}

// waitGroupDone waits for wg or returns ctx.Err() first.
func waitGroupDone(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for shard consumers: %w", ctx.Err())
	}
}

var _ Source = (*RedisStreams)(nil)
