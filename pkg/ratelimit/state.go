package ratelimit

import (
	"time"
)

// Redis keys for the shared server-budget state. The budget is global per
// API key, so every ingestor process reads and writes the same keys.
const (
	RedisKeyRemaining  = "govinfo:rate_limit:remaining"
	RedisKeyLimit      = "govinfo:rate_limit:limit"
	RedisKeyLastUpdate = "govinfo:rate_limit:last_update"
)

// Thresholds for server-budget decisions.
const (
	// RemainingCritical blocks all requests when the server-reported
	// remaining budget falls below this value. Stopping just short of the
	// limit avoids a hard 429 lockout for the rest of the window.
	RemainingCritical = 10

	// RemainingWarning throttles requests when the remaining budget falls
	// below this value.
	RemainingWarning = 50
)

// BudgetState is the server-reported request budget, shared across all
// ingestor processes via Redis.
type BudgetState struct {
	// Remaining is the number of requests left in the current window,
	// from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// Limit is the total window budget, from the X-RateLimit-Limit header.
	Limit int `json:"limit"`

	// LastUpdate is when this state was last refreshed from a response.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale reports whether the state is older than maxAge. The API resets its
// budget every window, so stale state is treated as healthy rather than
// blocking on an exhausted budget from a previous window.
func (s *BudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock reports whether requests should be blocked outright.
func (s *BudgetState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingCritical
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *BudgetState) NeedsThrottling() bool {
	return s.Remaining < RemainingWarning && !s.NeedsCriticalBlock()
}
