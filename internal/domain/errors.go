package domain

import "errors"

// Sentinel errors used throughout the relay.
// Callers match them with errors.Is; wrapped context is added at each layer.
var (
	ErrQueueFull        = errors.New("relay queue is at capacity")
	ErrSendFailed       = errors.New("downstream rejected the trace")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	ErrUnknownSource    = errors.New("unknown source kind: must be redis or jetstream")
	ErrUnknownProvider  = errors.New("unknown provider kind: must be langfuse or otlp")
	ErrUnknownBackend   = errors.New("unknown dead-letter backend: must be file or postgres")
)
