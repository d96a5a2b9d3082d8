package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for server-budget tracking.
var (
	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govinfo_budget_remaining",
		Help: "Server-reported requests remaining in the current rate limit window",
	})

	budgetBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govinfo_budget_blocks_total",
		Help: "Total requests blocked due to critically low server budget",
	})

	budgetThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govinfo_budget_throttles_total",
		Help: "Total requests throttled due to low server budget",
	})
)

// staleAfter is how long tracker state stays authoritative. The API budget
// resets hourly, so older state must not block requests.
const staleAfter = time.Hour

// Tracker monitors the API's X-RateLimit-* response headers and gates
// requests when the shared budget runs low. State lives in Redis so multiple
// ingestor processes draw down the same budget.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a server-budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current budget state from Redis.
// Returns a healthy default when no state has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*BudgetState, error) {
	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget remaining: %w", err)
	}
	if err == redis.Nil {
		t.logger.Debug().Msg("No budget state in Redis, assuming healthy")
		return &BudgetState{
			Remaining:  1000,
			Limit:      1000,
			LastUpdate: time.Now(),
		}, nil
	}

	limit, err := t.redis.Get(ctx, RedisKeyLimit).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget limit: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse budget last update: %w", err)
		}
	}

	return &BudgetState{
		Remaining:  remaining,
		Limit:      limit,
		LastUpdate: lastUpdate,
	}, nil
}

// UpdateFromHeaders parses rate limit headers from an API response and
// stores the new state in Redis. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	state := &BudgetState{
		Remaining:  remaining,
		Limit:      limit,
		LastUpdate: time.Now(),
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal budget last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, remaining, staleAfter)
	pipe.Set(ctx, RedisKeyLimit, limit, staleAfter)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, staleAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store budget state in redis: %w", err)
	}

	budgetRemaining.Set(float64(remaining))

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", remaining).
			Msg("API request budget CRITICAL - requests will be blocked")
	} else if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", remaining).
			Msg("API request budget low - requests will be throttled")
	} else {
		t.logger.Debug().
			Int("remaining", remaining).
			Int("limit", limit).
			Msg("API request budget updated")
	}

	return nil
}

// ShouldAllowRequest checks whether a request should proceed given the shared
// budget. Returns false when the budget is critically low; sleeps briefly
// when it is merely low.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get budget state: %w", err)
	}

	if state.IsStale(staleAfter) {
		return true, nil
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Msg("API request budget critical - blocking request")
		budgetBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("API request budget low - throttling request")
		budgetThrottlesTotal.Inc()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}
