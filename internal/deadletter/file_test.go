package deadletter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
)

func entry(token string) domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		FailedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Shard:    "logs-0",
		Reason:   "retries exhausted: status 502",
		Attempts: 3,
		Record:   domain.RawRecord{"trace_id": token, "status": "502"},
	}
}

func TestFileSink_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dlq.jsonl")
	sink, err := deadletter.OpenFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, entry("trace-aaaaaaaa")))
	require.NoError(t, sink.Append(ctx, entry("trace-bbbbbbbb")))
	assert.Equal(t, uint64(2), sink.Written())
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(raw))

	got, err := deadletter.ReadFile(path, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trace-aaaaaaaa", got[0].Record.String("trace_id"))
	assert.Equal(t, "trace-bbbbbbbb", got[1].Record.String("trace_id"))
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, "logs-0", got[0].Shard)
	assert.True(t, got[0].FailedAt.Equal(entry("").FailedAt))
}

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	ctx := context.Background()

	for _, tok := range []string{"first-token-1", "second-token-2"} {
		sink, err := deadletter.OpenFile(path)
		require.NoError(t, err)
		require.NoError(t, sink.Append(ctx, entry(tok)))
		require.NoError(t, sink.Close())
	}

	got, err := deadletter.ReadFile(path, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first-token-1", got[0].Record.String("trace_id"))
}

func TestFileSink_AppendAfterClose(t *testing.T) {
	sink, err := deadletter.OpenFile(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.Append(context.Background(), entry("x")), os.ErrClosed)
}

func TestReadFile_Limit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	sink, err := deadletter.OpenFile(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Append(context.Background(), entry("token-0123456789")))
	}
	require.NoError(t, sink.Close())

	got, err := deadletter.ReadFile(path, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReadFile_MissingFile(t *testing.T) {
	got, err := deadletter.ReadFile(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFile_MalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	content := `{"failed_at":"2025-03-01T12:00:00Z","reason":"x","attempts":3,"record":{}}` + "\n" +
		"\n" +
		"not json\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := deadletter.ReadFile(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Len(t, got, 1)
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestFileSink_ListNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	sink, err := deadletter.OpenFile(path)
	require.NoError(t, err)
	defer sink.Close()

	for _, tok := range []string{"token-one-1111", "token-two-2222", "token-three-333"} {
		require.NoError(t, sink.Append(context.Background(), entry(tok)))
	}

	got, err := sink.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "token-three-333", got[0].Record.String("trace_id"))
	assert.Equal(t, "token-two-2222", got[1].Record.String("trace_id"))

	all, err := deadletter.Tail(path, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
