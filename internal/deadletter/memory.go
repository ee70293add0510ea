package deadletter

import (
	"context"
	"sync"

	"github.com/loghub/trace-relay/internal/domain"
)

// MemorySink is an in-memory Sink used in unit tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry

	// AppendErr, when set, is returned by every Append and nothing is stored.
	AppendErr error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(_ context.Context, entry domain.DeadLetterEntry) error {
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *MemorySink) Entries() []domain.DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetterEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemorySink) Close() error { return nil }

var _ Sink = (*MemorySink)(nil)
