package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for fetch retries.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_fetch_retries_total",
		Help: "Total page fetch retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_fetch_retry_backoff_seconds",
		Help:    "Backoff duration before fetch retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetch_retry_exhausted_total",
		Help: "Total pages that exhausted their fetch retry budget",
	})
)

// pageOutcome is the terminal result of one page task: a parsed page or a
// classified error after the retry budget was spent.
type pageOutcome struct {
	task PageTask
	page *Page
	err  error
}

// worker drains the task queue, fetching pages until the queue closes or
// dispatch is cancelled. Each outcome is delivered exactly once.
func (o *Orchestrator) worker(ctx context.Context, id int, tasks <-chan PageTask, results chan<- pageOutcome) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			o.logger.Debug().Int("worker_id", id).Msg("Worker stopping (dispatch cancelled)")
			return
		default:
		}

		outcome := o.fetchWithRetry(ctx, task)

		select {
		case results <- outcome:
		case <-ctx.Done():
			return
		}
	}
}

// fetchWithRetry performs a page task, retrying transient failures with
// capped exponential backoff and jitter. The task's attempt counter is
// incremented on each retry. Non-transient errors end the task immediately.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, task PageTask) pageOutcome {
	var lastErr error

	for task.Attempt < o.config.Retry.MaxAttempts {
		page, err := o.fetcher.FetchPage(ctx, task.Collection, task.Offset, task.Limit)
		if err == nil {
			if task.Attempt > 0 {
				o.logger.Info().
					Str("collection", task.Collection).
					Int64("offset", task.Offset).
					Int("attempt", task.Attempt+1).
					Msg("Page fetch succeeded after retry")
			}
			task.Attempt++
			return pageOutcome{task: task, page: page}
		}

		lastErr = err
		kind := KindOf(err)
		task.Attempt++

		if !shouldRetry(kind) || task.Attempt >= o.config.Retry.MaxAttempts {
			break
		}

		delay := o.config.Retry.backoffFor(task.Attempt - 1)
		retriesTotal.WithLabelValues(string(kind)).Inc()
		retryBackoffSeconds.Observe(delay.Seconds())

		o.logger.Debug().
			Str("collection", task.Collection).
			Int64("offset", task.Offset).
			Int("attempt", task.Attempt).
			Dur("backoff", delay).
			Str("kind", string(kind)).
			Msg("Retrying page fetch after backoff")

		select {
		case <-ctx.Done():
			return pageOutcome{task: task, err: fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())}
		case <-o.sleep(delay):
		}
	}

	if KindOf(lastErr) == KindTransient {
		retryExhaustedTotal.Inc()
		o.logger.Warn().
			Str("collection", task.Collection).
			Int64("offset", task.Offset).
			Int("attempts", task.Attempt).
			Msg("Page fetch retry budget exhausted")
		lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, task.Attempt, lastErr)
	}

	return pageOutcome{task: task, err: lastErr}
}

// isPermanentPageFailure reports whether an error fails just the one page
// (validation, exhausted retries) rather than the whole run.
func isPermanentPageFailure(err error) bool {
	if errors.Is(err, ErrRetryExhausted) {
		return true
	}
	return KindOf(err) == KindValidation
}
