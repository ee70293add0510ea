package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket capping downstream sends per second.
// Burst is the rate rounded up, so no extra burst capacity is allowed
// beyond the configured per-second maximum. A nil *Limiter never blocks.
type Limiter struct {
	l *rate.Limiter
}

// New returns nil when ratePerSec is zero or negative.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	burst := int(ratePerSec)
	if float64(burst) < ratePerSec {
		burst++
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until a token is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.l.Wait(ctx)
}
