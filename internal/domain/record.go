package domain

import (
	"time"

	"github.com/spf13/cast"
)

// Truncate shortens s to at most n runes for log output, appending "..."
// when anything was cut.
func Truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

// RawRecord is one log entry as delivered by the upstream stream:
// field name to string or number. It is never mutated after it is read.
type RawRecord map[string]any

// String returns the field as a string, or "" when absent or not scalar.
func (r RawRecord) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

// RelayRecord is the unit placed on the relay queue. Whoever holds it owns it;
// ownership moves from the ingestion side to the delivery side through the queue.
type RelayRecord struct {
	Raw        RawRecord
	Shard      string
	EnqueuedAt time.Time
}

// Level is the downstream severity of a generation.
type Level string

const (
	LevelDefault Level = "DEFAULT"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelDebug   Level = "DEBUG"
)

// Usage holds token counters. Absent counters stay nil rather than zero.
type Usage struct {
	Input  *int `json:"input,omitempty"`
	Output *int `json:"output,omitempty"`
	Total  *int `json:"total,omitempty"`
}

// TransformedPayload is a RawRecord mapped into the trace-ingestion schema.
type TransformedPayload struct {
	TraceName        string         `json:"trace_name"`
	TraceInput       string         `json:"trace_input"`
	TraceOutput      string         `json:"trace_output"`
	GenerationName   string         `json:"generation_name"`
	GenerationInput  string         `json:"generation_input"`
	GenerationOutput string         `json:"generation_output"`
	Level            Level          `json:"level"`
	StatusMessage    string         `json:"status_message"`
	Tags             []string       `json:"tags"`
	UserID           string         `json:"user_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	Model            string         `json:"model,omitempty"`
	Usage            *Usage         `json:"usage_details,omitempty"`
	StartTime        string         `json:"start_time,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DeadLetterEntry is what the dead-letter sink persists for a record that
// could not be delivered. It is terminal: the relay never reads it back.
type DeadLetterEntry struct {
	FailedAt time.Time `json:"failed_at"`
	Shard    string    `json:"shard,omitempty"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	Record   RawRecord `json:"record"`
}
