package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cbwinslow/congress-api-ingestion/pkg/ingest"
	"github.com/jackc/pgx/v5"
)

// WriteBatch applies one page's records in a single transaction with the
// three-way dedup policy:
//
//   - no row for the external id        -> insert
//   - row exists, fingerprint differs   -> update payload + last_seen
//   - row exists, fingerprint identical -> touch last_seen only
//
// Re-applying the same batch any number of times converges to the same
// stored state; only the first application counts as a net change.
func (s *Store) WriteBatch(ctx context.Context, collection string, records []ingest.Record) (ingest.BatchResult, error) {
	var result ingest.BatchResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, rec := range records {
		fp, normalized, err := Fingerprint(rec.Payload)
		if err != nil {
			return ingest.BatchResult{}, fmt.Errorf("fingerprint record %s: %w", rec.ExternalID, err)
		}

		var oldFP string
		err = tx.QueryRow(ctx, `
			SELECT fingerprint FROM records
			WHERE collection_code = $1 AND external_id = $2
			FOR UPDATE`,
			collection, rec.ExternalID).Scan(&oldFP)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := tx.Exec(ctx, `
				INSERT INTO records (collection_code, external_id, payload, fingerprint)
				VALUES ($1, $2, $3, $4)`,
				collection, rec.ExternalID, normalized, fp); err != nil {
				return ingest.BatchResult{}, fmt.Errorf("insert record %s: %w", rec.ExternalID, err)
			}
			result.Inserted++

		case err != nil:
			return ingest.BatchResult{}, fmt.Errorf("look up record %s: %w", rec.ExternalID, err)

		case oldFP != fp:
			if _, err := tx.Exec(ctx, `
				UPDATE records
				SET payload = $3, fingerprint = $4, last_seen = now()
				WHERE collection_code = $1 AND external_id = $2`,
				collection, rec.ExternalID, normalized, fp); err != nil {
				return ingest.BatchResult{}, fmt.Errorf("update record %s: %w", rec.ExternalID, err)
			}
			result.Updated++

		default:
			if _, err := tx.Exec(ctx, `
				UPDATE records
				SET last_seen = now()
				WHERE collection_code = $1 AND external_id = $2`,
				collection, rec.ExternalID); err != nil {
				return ingest.BatchResult{}, fmt.Errorf("touch record %s: %w", rec.ExternalID, err)
			}
			result.Skipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ingest.BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

// Fingerprint hashes a normalized form of the payload. Normalization
// round-trips the JSON so key order and whitespace differences between
// fetches of the same entity produce the same hash. Returns the hex digest
// and the normalized bytes that get stored.
func Fingerprint(payload json.RawMessage) (string, []byte, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", nil, fmt.Errorf("parse payload: %w", err)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("normalize payload: %w", err)
	}

	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), normalized, nil
}
