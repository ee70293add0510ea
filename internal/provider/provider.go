package provider

import (
	"context"

	"github.com/loghub/trace-relay/internal/domain"
)

// Provider abstracts the downstream trace-ingestion service.
// Mocking this interface in tests gives full control over delivery outcomes
// without making real network calls.
type Provider interface {
	// Send delivers one trace with its generation. A non-nil error means the
	// attempt failed; the caller decides whether to retry.
	Send(ctx context.Context, p domain.TransformedPayload) error
	// Flush forces out anything the client has buffered.
	Flush(ctx context.Context) error
}
