package reminders

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of sends allowed per second.
	Rate float64
	// Burst is the maximum number of sends released at once.
	Burst int
	// JitterMax spreads sends that become due on the same tick.
	JitterMax time.Duration
}

// DefaultRateLimiterConfig returns the default configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:      5,
		Burst:     10,
		JitterMax: 150 * time.Millisecond,
	}
}

// RateLimiter paces outgoing reminders across all channels.
type RateLimiter struct {
	limiter   *rate.Limiter
	jitterMax time.Duration
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = DefaultRateLimiterConfig().Rate
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		jitterMax: config.JitterMax,
	}
}

// Wait blocks until a send is allowed or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.jitterMax > 0 {
		jitter := time.Duration(rand.Int64N(int64(r.jitterMax)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.limiter.Wait(ctx)
}
