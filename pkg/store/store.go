// Package store persists ingested records, checkpoints, and run audit rows
// in PostgreSQL via pgx. It implements the engine's CheckpointStore,
// RecordWriter, and RunLog contracts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// schema is the fixed storage layout the writer targets.
const schema = `
CREATE TABLE IF NOT EXISTS collections (
	code          TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
	collection_code TEXT PRIMARY KEY REFERENCES collections(code),
	cursor          BIGINT NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'not_started'
	                CHECK (state IN ('not_started', 'in_progress', 'completed', 'failed')),
	failure_reason  TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	collection_code TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	payload         JSONB NOT NULL,
	fingerprint     TEXT NOT NULL,
	first_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection_code, external_id)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id              UUID PRIMARY KEY,
	collection_code TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ,
	status          TEXT NOT NULL DEFAULT 'running'
	                CHECK (status IN ('running', 'succeeded', 'partially_failed', 'failed')),
	fetched         INT NOT NULL DEFAULT 0,
	inserted        INT NOT NULL DEFAULT 0,
	updated         INT NOT NULL DEFAULT 0,
	skipped         INT NOT NULL DEFAULT 0,
	failed_pages    INT NOT NULL DEFAULT 0,
	error_summary   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ingestion_log (
	id              BIGSERIAL PRIMARY KEY,
	run_id          UUID NOT NULL,
	collection_code TEXT NOT NULL,
	page_offset     BIGINT NOT NULL,
	page_limit      INT NOT NULL,
	outcome         TEXT NOT NULL CHECK (outcome IN ('ok', 'failed')),
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	attempts        INT NOT NULL DEFAULT 0,
	logged_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ErrUnknownCollection is returned when an operation references a collection
// that was never registered.
var ErrUnknownCollection = errors.New("unknown collection")

// Store wraps a bounded PostgreSQL connection pool. Workers block on the
// pool instead of opening unbounded connections.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to PostgreSQL and ensures the schema exists. maxConns bounds
// the pool size shared by all fetch workers.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: log.With().Str("component", "store").Logger(),
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CollectionMeta describes one collection from the remote catalog.
type CollectionMeta struct {
	Code         string
	Name         string
	Description  string
	LastModified string
}

// UpsertCollection registers a collection (and its checkpoint row) or
// refreshes its catalog metadata.
func (s *Store) UpsertCollection(ctx context.Context, meta CollectionMeta) error {
	if meta.Code == "" {
		return fmt.Errorf("collection code is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO collections (code, name, description, last_modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			last_modified = EXCLUDED.last_modified,
			updated_at = now()`,
		meta.Code, meta.Name, meta.Description, meta.LastModified)
	if err != nil {
		return fmt.Errorf("upsert collection: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (collection_code)
		VALUES ($1)
		ON CONFLICT (collection_code) DO NOTHING`,
		meta.Code)
	if err != nil {
		return fmt.Errorf("ensure checkpoint row: %w", err)
	}

	return tx.Commit(ctx)
}

// CollectionStatus is the operational status surface for one collection.
type CollectionStatus struct {
	Code          string
	Cursor        int64
	State         string
	FailureReason string
	UpdatedAt     time.Time
	LastRun       *RunSummaryRow
}

// RunSummaryRow is one ingestion_runs row.
type RunSummaryRow struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
	Fetched     int
	Inserted    int
	Updated     int
	Skipped     int
	FailedPages int
	ErrorText   string
}

// Status returns the collection's checkpoint and most recent run summary.
func (s *Store) Status(ctx context.Context, collection string) (*CollectionStatus, error) {
	st := &CollectionStatus{Code: collection}

	err := s.pool.QueryRow(ctx, `
		SELECT cursor, state, failure_reason, updated_at
		FROM checkpoints WHERE collection_code = $1`,
		collection).Scan(&st.Cursor, &st.State, &st.FailureReason, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var run RunSummaryRow
	err = s.pool.QueryRow(ctx, `
		SELECT id, started_at, finished_at, status,
		       fetched, inserted, updated, skipped, failed_pages, error_summary
		FROM ingestion_runs
		WHERE collection_code = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		collection).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status,
		&run.Fetched, &run.Inserted, &run.Updated, &run.Skipped,
		&run.FailedPages, &run.ErrorText)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load last run: %w", err)
	}
	if err == nil {
		st.LastRun = &run
	}

	return st, nil
}
