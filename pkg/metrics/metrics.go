// Package metrics provides the centralized Prometheus registry reference for
// the ingestion engine. Metrics themselves are defined in their owning
// packages (govinfo, ingest, ratelimit) via promauto to keep them next to
// the code that drives them.
//
// This package documents the available metrics in one place.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registerer used by the engine.
// All metrics auto-register through promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving all registered engine metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// API Client Metrics (pkg/govinfo):
//   - govinfo_requests_total{collection, status} (Counter): API requests by collection and HTTP status
//   - govinfo_request_duration_seconds{collection} (Histogram): API request duration
//   - govinfo_errors_total{kind} (Counter): API errors by kind (transient, fatal, validation)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - govinfo_rate_limit_wait_seconds (Histogram): Time spent waiting for a local token
//   - govinfo_budget_remaining (Gauge): Server-reported requests remaining in the window
//   - govinfo_budget_blocks_total (Counter): Requests blocked on critical server budget
//   - govinfo_budget_throttles_total (Counter): Requests throttled on low server budget
//
// Engine Metrics (pkg/ingest):
//   - ingest_fetch_retries_total{kind} (Counter): Page fetch retries by error kind
//   - ingest_fetch_retry_backoff_seconds (Histogram): Backoff before fetch retries
//   - ingest_fetch_retry_exhausted_total (Counter): Pages that exhausted their retry budget
//   - ingest_pages_total{collection, outcome} (Counter): Committed pages by outcome (ok, failed)
//   - ingest_records_total{collection, result} (Counter): Written records by dedup result
//   - ingest_runs_total{collection, status} (Counter): Finished runs by status
//
// Example Prometheus Queries:
//
//   # Page failure rate
//   sum(rate(ingest_pages_total{outcome="failed"}[5m])) /
//   sum(rate(ingest_pages_total[5m]))
//
//   # Net new records per minute
//   sum(rate(ingest_records_total{result="inserted"}[1m]))
//
//   # Budget headroom
//   govinfo_budget_remaining < 50
//
//   # P95 API latency
//   histogram_quantile(0.95, rate(govinfo_request_duration_seconds_bucket[5m]))
