// Package ingest implements the core ingestion engine: a pool of rate-limited
// fetch workers draining paginated API collections into durable, deduplicated
// storage with checkpointed, resumable progress.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is one entity extracted from a page, identified by a stable
// external id. Payload holds the raw JSON entity.
type Record struct {
	ExternalID string
	Payload    json.RawMessage
}

// Page is the parsed result of a single page fetch.
type Page struct {
	Offset  int64
	Limit   int
	Records []Record

	// Total is the collection size reported by the API, when present.
	Total int64

	// Terminal is set when the page signals the end of the collection
	// (fewer records than requested, or offset+len reaching Total).
	Terminal bool
}

// PageTask is one unit of work for the fetch worker pool. Tasks are ephemeral
// and live only in the run's queue; their terminal outcome lands in the
// ingestion log.
type PageTask struct {
	Collection string
	Offset     int64
	Limit      int
	Attempt    int
}

// PageFetcher fetches a single page of a remote collection.
type PageFetcher interface {
	FetchPage(ctx context.Context, collection string, offset int64, limit int) (*Page, error)
}

// CheckpointStore persists per-collection pagination cursors and run state.
type CheckpointStore interface {
	// Begin transitions the collection to in_progress and returns the
	// cursor to resume from (0 if the collection was never started).
	Begin(ctx context.Context, collection string) (int64, error)

	// Advance moves the cursor forward. Called only after the page's
	// records have been durably committed. Never moves the cursor backward.
	Advance(ctx context.Context, collection string, cursor int64) error

	Complete(ctx context.Context, collection string) error
	Fail(ctx context.Context, collection string, reason string) error
}

// BatchResult reports the dedup accounting for one committed page batch.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// RecordWriter applies a page batch of records idempotently.
type RecordWriter interface {
	// WriteBatch upserts all records in a single transaction. Re-applying
	// the same batch converges to the same stored state.
	WriteBatch(ctx context.Context, collection string, records []Record) (BatchResult, error)
}

// PageLogEntry is one append-only ingestion log row for a terminal page outcome.
type PageLogEntry struct {
	RunID      uuid.UUID
	Collection string
	Offset     int64
	Limit      int
	Outcome    string // "ok" or "failed"
	ErrorKind  string
	ErrorMsg   string
	Attempts   int
}

// RunLog records run-level and page-level outcomes.
type RunLog interface {
	StartRun(ctx context.Context, runID uuid.UUID, collection string) error
	FinishRun(ctx context.Context, runID uuid.UUID, status RunStatus, s Summary) error
	LogPage(ctx context.Context, entry PageLogEntry) error
}

// RunStatus is the terminal status of an ingestion run.
type RunStatus string

const (
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
)

// Summary accumulates run-level counters.
type Summary struct {
	RunID       uuid.UUID
	Collection  string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      RunStatus
	Fetched     int
	Inserted    int
	Updated     int
	Skipped     int
	FailedPages int
	ErrorText   string
}
