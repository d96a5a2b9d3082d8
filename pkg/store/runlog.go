package store

import (
	"context"
	"fmt"

	"github.com/cbwinslow/congress-api-ingestion/pkg/ingest"
	"github.com/google/uuid"
)

// StartRun appends a running ingestion_runs row. Rows are append-only: one
// per orchestrator invocation, finalized exactly once.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID, collection string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_runs (id, collection_code, status)
		VALUES ($1, $2, 'running')`,
		runID, collection)
	if err != nil {
		return fmt.Errorf("insert run row: %w", err)
	}
	return nil
}

// FinishRun records the run's terminal status and counters.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status ingest.RunStatus, sum ingest.Summary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_runs
		SET finished_at = now(), status = $2,
		    fetched = $3, inserted = $4, updated = $5, skipped = $6,
		    failed_pages = $7, error_summary = $8
		WHERE id = $1`,
		runID, string(status),
		sum.Fetched, sum.Inserted, sum.Updated, sum.Skipped,
		sum.FailedPages, sum.ErrorText)
	if err != nil {
		return fmt.Errorf("finalize run row: %w", err)
	}
	return nil
}

// LogPage appends one terminal page outcome to the ingestion log. Entries
// carry enough detail (offset, error kind, attempts) to replay just the
// failed pages by hand.
func (s *Store) LogPage(ctx context.Context, entry ingest.PageLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_log
			(run_id, collection_code, page_offset, page_limit,
			 outcome, error_kind, error_message, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.RunID, entry.Collection, entry.Offset, entry.Limit,
		entry.Outcome, entry.ErrorKind, entry.ErrorMsg, entry.Attempts)
	if err != nil {
		return fmt.Errorf("append ingestion log: %w", err)
	}
	return nil
}
