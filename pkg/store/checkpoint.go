package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Checkpoint state machine per collection:
// not_started -> in_progress -> {completed, failed}, with completed/failed
// collections eligible for a fresh in_progress transition on the next run.

// Begin transitions the collection's checkpoint to in_progress and returns
// the cursor to resume from. A collection that was never started resumes
// from 0. The single UPDATE keeps concurrent runners from both claiming the
// same in_progress transition mid-statement; the row lock serializes them.
func (s *Store) Begin(ctx context.Context, collection string) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `
		UPDATE checkpoints
		SET state = 'in_progress', failure_reason = '', updated_at = now()
		WHERE collection_code = $1
		RETURNING cursor`,
		collection).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if err != nil {
		return 0, fmt.Errorf("begin checkpoint: %w", err)
	}

	s.logger.Debug().
		Str("collection", collection).
		Int64("cursor", cursor).
		Msg("Checkpoint in progress")

	return cursor, nil
}

// Advance moves the cursor forward after the page's records have been
// durably committed. The conditional update guarantees the stored cursor
// never moves backward, so a crash-and-replay of an old page is a no-op.
func (s *Store) Advance(ctx context.Context, collection string, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE checkpoints
		SET cursor = $2, updated_at = now()
		WHERE collection_code = $1 AND cursor < $2`,
		collection, cursor)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// Complete marks the collection's ingestion as finished.
func (s *Store) Complete(ctx context.Context, collection string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE checkpoints
		SET state = 'completed', updated_at = now()
		WHERE collection_code = $1`,
		collection)
	if err != nil {
		return fmt.Errorf("complete checkpoint: %w", err)
	}
	return nil
}

// Fail marks the collection's ingestion as failed. The cursor keeps its last
// successfully advanced value so the next run resumes there.
func (s *Store) Fail(ctx context.Context, collection string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE checkpoints
		SET state = 'failed', failure_reason = $2, updated_at = now()
		WHERE collection_code = $1`,
		collection, reason)
	if err != nil {
		return fmt.Errorf("fail checkpoint: %w", err)
	}
	return nil
}
