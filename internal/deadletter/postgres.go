package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loghub/trace-relay/internal/domain"
)

// DB is the subset of *pgxpool.Pool the postgres sink needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DefaultAppendTimeout bounds a single dead-letter insert.
const DefaultAppendTimeout = 5 * time.Second

// PostgresSink appends entries to the dead_letters table.
type PostgresSink struct {
	mu            sync.Mutex
	db            DB
	appendTimeout time.Duration
	// closeFn releases the pool when the sink owns it.
	closeFn func()
}

// NewPostgresSink wraps db. closeFn may be nil when the caller owns db.
func NewPostgresSink(db DB, closeFn func()) *PostgresSink {
	return &PostgresSink{db: db, appendTimeout: DefaultAppendTimeout, closeFn: closeFn}
}

// WithAppendTimeout replaces the per-insert deadline. Non-positive values
// keep the current one.
func (s *PostgresSink) WithAppendTimeout(d time.Duration) *PostgresSink {
	if d > 0 {
		s.appendTimeout = d
	}
	return s
}

func (s *PostgresSink) Append(ctx context.Context, entry domain.DeadLetterEntry) error {
	record, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// The delivery worker calls this on a context that is never cancelled.
	ctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(ctx, `
		INSERT INTO dead_letters (failed_at, shard, reason, attempts, record)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.FailedAt, entry.Shard, entry.Reason, entry.Attempts, record,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the newest entries first.
func (s *PostgresSink) List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT failed_at, shard, reason, attempts, record
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		var (
			e   domain.DeadLetterEntry
			raw []byte
		)
		if err := rows.Scan(&e.FailedAt, &e.Shard, &e.Reason, &e.Attempts, &raw); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Record); err != nil {
			return nil, fmt.Errorf("decode dead letter record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var _ Sink = (*PostgresSink)(nil)
