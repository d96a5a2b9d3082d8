package ingest

import (
	"math/rand"
	"time"
)

// RetryConfig holds the fetch retry policy for transient page failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of fetch attempts per page
	// (including the initial request).
	MaxAttempts int

	// BaseBackoff is the backoff before the first retry.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default fetch retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// backoffFor computes the delay before retrying the given attempt:
// base * 2^attempt plus up to 20% jitter, capped at MaxBackoff.
// Attempt numbering starts at 0 for the first retry.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	backoff := c.BaseBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			backoff = c.MaxBackoff
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
	delay := backoff + jitter
	if delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}
	return delay
}
