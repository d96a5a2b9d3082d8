// Package ratelimit gates outbound API requests. It combines a local token
// bucket (configured ceiling per rolling window plus minimum inter-request
// spacing) with a Redis-backed tracker of the server-reported request budget
// shared across ingestor processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var acquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "govinfo_rate_limit_wait_seconds",
	Help:    "Time spent waiting for a rate limit token",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
})

// Limiter throttles outbound requests to a configured ceiling over a rolling
// window while enforcing a minimum spacing between consecutive requests.
//
// Both gates are continuous-refill token buckets, so fractional tokens accrue
// over time instead of resetting in discrete ticks. Waiters are served in
// arrival order.
type Limiter struct {
	spacing *rate.Limiter
	budget  *rate.Limiter
}

// NewLimiter creates a Limiter allowing at most ceiling requests per window,
// with at least minInterval between consecutive grants.
func NewLimiter(ceiling int, window time.Duration, minInterval time.Duration) (*Limiter, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("rate ceiling must be positive (got %d)", ceiling)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive (got %v)", window)
	}
	if minInterval < 0 {
		minInterval = 0
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if minInterval > 0 {
		spacing = rate.NewLimiter(rate.Every(minInterval), 1)
	}

	// Burst of 1 keeps the rolling-window bound tight: at most
	// ceiling+1 grants can fit in any window of the configured length.
	budget := rate.NewLimiter(rate.Limit(float64(ceiling)/window.Seconds()), 1)

	return &Limiter{spacing: spacing, budget: budget}, nil
}

// Acquire blocks until a token is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	defer func() {
		acquireWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	if err := l.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter spacing wait: %w", err)
	}
	if err := l.budget.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter budget wait: %w", err)
	}
	return nil
}
