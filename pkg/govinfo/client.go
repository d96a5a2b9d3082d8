// Package govinfo provides the HTTP client for the GovInfo bulk data API:
// authenticated page fetches, response classification, and page parsing.
package govinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cbwinslow/congress-api-ingestion/pkg/ingest"
	"github.com/cbwinslow/congress-api-ingestion/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govinfo_requests_total",
		Help: "Total API requests by collection and status",
	}, []string{"collection", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "govinfo_request_duration_seconds",
		Help:    "API request duration in seconds by collection",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"collection"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govinfo_errors_total",
		Help: "Total API errors by kind",
	}, []string{"kind"})
)

// DefaultBaseURL is the production GovInfo API endpoint.
const DefaultBaseURL = "https://api.govinfo.gov"

// maxPageSize is the largest page the API accepts.
const maxPageSize = 1000

// Config holds the API client configuration.
type Config struct {
	// BaseURL of the API (DefaultBaseURL if empty).
	BaseURL string

	// APIKey is sent in the X-Api-Key header. Required.
	APIKey string

	// UserAgent identifies this ingestor to the API.
	UserAgent string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// StartDate / EndDate optionally restrict package listings (YYYY-MM-DD).
	StartDate string
	EndDate   string
}

// Client fetches pages from the GovInfo API through the local rate limiter
// and the shared server-budget tracker.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// New creates an API client. The tracker may be nil when no Redis is
// available; the local limiter alone then bounds the request rate.
func New(cfg Config, limiter *ratelimit.Limiter, tracker *ratelimit.Tracker) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "congress-api-ingestion/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		tracker: tracker,
		config:  cfg,
		logger:  log.With().Str("component", "govinfo-client").Logger(),
	}, nil
}

// FetchPage fetches one page of a collection's package listing and parses it
// into records. Implements ingest.PageFetcher.
func (c *Client) FetchPage(ctx context.Context, collection string, offset int64, limit int) (*ingest.Page, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("pageSize", strconv.Itoa(limit))
	if c.config.StartDate != "" {
		params.Set("startDate", c.config.StartDate)
	}
	if c.config.EndDate != "" {
		params.Set("endDate", c.config.EndDate)
	}

	endpoint := fmt.Sprintf("/collections/%s", url.PathEscape(collection))
	body, err := c.get(ctx, collection, endpoint, params, offset)
	if err != nil {
		return nil, err
	}

	var page packagesPage
	if err := json.Unmarshal(body, &page); err != nil {
		errorsTotal.WithLabelValues(string(ingest.KindValidation)).Inc()
		return nil, &ingest.Error{
			Kind:    ingest.KindValidation,
			Offset:  offset,
			Message: "unparseable page body",
			Err:     err,
		}
	}

	records := make([]ingest.Record, 0, len(page.Packages))
	for _, raw := range page.Packages {
		var stub packageStub
		if err := json.Unmarshal(raw, &stub); err != nil || stub.PackageID == "" {
			errorsTotal.WithLabelValues(string(ingest.KindValidation)).Inc()
			return nil, &ingest.Error{
				Kind:    ingest.KindValidation,
				Offset:  offset,
				Message: "package entity missing packageId",
				Err:     err,
			}
		}
		records = append(records, ingest.Record{
			ExternalID: stub.PackageID,
			Payload:    raw,
		})
	}

	result := &ingest.Page{
		Offset:  offset,
		Limit:   limit,
		Records: records,
		Total:   page.Count,
	}

	// A short page ends the collection. The reported total is honored too,
	// for APIs that pad the final page exactly to the limit.
	if len(records) < limit {
		result.Terminal = true
	}
	if page.Count > 0 && offset+int64(len(records)) >= page.Count {
		result.Terminal = true
	}

	c.logger.Debug().
		Str("collection", collection).
		Int64("offset", offset).
		Int("records", len(records)).
		Int64("total", page.Count).
		Bool("terminal", result.Terminal).
		Msg("Page fetched")

	return result, nil
}

// Collections fetches the collection catalog.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	body, err := c.get(ctx, "catalog", "/collections", nil, 0)
	if err != nil {
		return nil, err
	}

	var resp collectionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		errorsTotal.WithLabelValues(string(ingest.KindValidation)).Inc()
		return nil, &ingest.Error{
			Kind:    ingest.KindValidation,
			Message: "unparseable collections body",
			Err:     err,
		}
	}
	return resp.Collections, nil
}

// get performs one rate-limited, authenticated GET and returns the body of a
// 2xx response. Non-2xx statuses and transport failures are classified into
// the engine's error kinds.
func (c *Client) get(ctx context.Context, collection, endpoint string, params url.Values, offset int64) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, &ingest.Error{
			Kind:    ingest.KindTransient,
			Offset:  offset,
			Message: "rate limiter wait aborted",
			Err:     err,
		}
	}

	if c.tracker != nil {
		allowed, err := c.tracker.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Budget tracker check failed, proceeding")
		} else if !allowed {
			requestsTotal.WithLabelValues(collection, "budget_blocked").Inc()
			return nil, &ingest.Error{
				Kind:    ingest.KindTransient,
				Offset:  offset,
				Message: "shared request budget exhausted",
			}
		}
	}

	reqURL := c.config.BaseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.config.APIKey)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())

	if err != nil {
		// Timeouts and transport failures follow the same path as a 5xx.
		errorsTotal.WithLabelValues(string(ingest.KindTransient)).Inc()
		requestsTotal.WithLabelValues(collection, "network_error").Inc()
		return nil, &ingest.Error{
			Kind:    ingest.KindTransient,
			Offset:  offset,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if c.tracker != nil {
		if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update budget from headers")
		}
	}

	requestsTotal.WithLabelValues(collection, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ingest.KindTransient)).Inc()
			return nil, &ingest.Error{
				Kind:    ingest.KindTransient,
				Offset:  offset,
				Message: "read response body",
				Err:     err,
			}
		}
		return body, nil
	}

	kind := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(kind)).Inc()

	c.logger.Warn().
		Str("collection", collection).
		Int64("offset", offset).
		Int("status", resp.StatusCode).
		Str("kind", string(kind)).
		Msg("API request error")

	return nil, &ingest.Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Offset:     offset,
		Message:    resp.Status,
	}
}

// classifyStatus maps a non-2xx HTTP status to an error kind. 429 and 5xx
// are transient; any other 4xx (401, 403, 404, ...) is fatal for the run,
// since retrying would burn the budget against an unrecoverable condition.
func classifyStatus(status int) ingest.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ingest.KindTransient
	case status >= 500:
		return ingest.KindTransient
	default:
		return ingest.KindFatal
	}
}
