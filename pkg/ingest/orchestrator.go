package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for run progress.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_total",
		Help: "Total committed pages by outcome",
	}, []string{"collection", "outcome"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_total",
		Help: "Total written records by dedup result",
	}, []string{"collection", "result"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Total finished runs by status",
	}, []string{"collection", "status"})
)

// Config holds orchestrator tuning.
type Config struct {
	// Workers is the size of the fetch worker pool.
	Workers int

	// PageSize is the number of records requested per page (API max 1000).
	PageSize int

	// MaxRecords bounds how many records one run ingests. 0 means no bound.
	MaxRecords int64

	// Retry is the transient fetch retry policy.
	Retry RetryConfig

	// StorageRetries is the number of write attempts per page batch.
	StorageRetries int

	// StorageRetryBackoff is the delay between write attempts.
	StorageRetryBackoff time.Duration

	// StorageFailureLimit aborts the run after this many consecutive pages
	// fail their writes; the storage layer itself is likely down.
	StorageFailureLimit int
}

// DefaultConfig returns safe orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		PageSize:            100,
		Retry:               DefaultRetryConfig(),
		StorageRetries:      3,
		StorageRetryBackoff: 2 * time.Second,
		StorageFailureLimit: 5,
	}
}

// Orchestrator drives one ingestion run end to end: it resumes from the
// collection's checkpoint, feeds page tasks to the fetch worker pool, commits
// results in offset order, and records run-level outcome.
type Orchestrator struct {
	fetcher     PageFetcher
	checkpoints CheckpointStore
	writer      RecordWriter
	runs        RunLog
	config      Config
	logger      zerolog.Logger

	// sleep is replaceable in tests to avoid real backoff delays.
	sleep func(time.Duration) <-chan time.Time
}

// New creates an Orchestrator.
func New(fetcher PageFetcher, checkpoints CheckpointStore, writer RecordWriter, runs RunLog, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = 3
	}
	if cfg.StorageFailureLimit <= 0 {
		cfg.StorageFailureLimit = 5
	}

	return &Orchestrator{
		fetcher:     fetcher,
		checkpoints: checkpoints,
		writer:      writer,
		runs:        runs,
		config:      cfg,
		logger:      log.With().Str("component", "orchestrator").Logger(),
		sleep:       time.After,
	}
}

// runState tracks commit-side bookkeeping for one run.
type runState struct {
	summary                *Summary
	consecutiveStorageFail int
	terminalSeen           bool
}

// Run executes one ingestion run for the collection. Cancellation is
// cooperative through ctx: no new page task is issued and no checkpoint is
// advanced once ctx is done, but in-flight HTTP calls finish on their own
// timeout. Returns the run summary and a non-nil error when the run failed.
func (o *Orchestrator) Run(ctx context.Context, collection string) (*Summary, error) {
	summary := &Summary{
		RunID:      uuid.New(),
		Collection: collection,
		StartedAt:  time.Now(),
		Status:     RunRunning,
	}

	if err := o.runs.StartRun(ctx, summary.RunID, collection); err != nil {
		return summary, fmt.Errorf("start run: %w", err)
	}

	cursor, err := o.checkpoints.Begin(ctx, collection)
	if err != nil {
		o.finalize(summary, RunFailed, err)
		return summary, fmt.Errorf("begin checkpoint: %w", err)
	}

	o.logger.Info().
		Str("collection", collection).
		Str("run_id", summary.RunID.String()).
		Int64("resume_cursor", cursor).
		Int("workers", o.config.Workers).
		Msg("Starting ingestion run")

	runErr := o.drain(ctx, collection, cursor, summary)

	switch {
	case runErr != nil:
		o.finalize(summary, RunFailed, runErr)
	case summary.FailedPages > 0:
		o.finalize(summary, RunPartiallyFailed, nil)
	default:
		o.finalize(summary, RunSucceeded, nil)
	}

	return summary, runErr
}

// drain fetches and commits all remaining pages of the collection. The first
// page is fetched synchronously to learn the collection size; the rest go
// through the worker pool and are committed strictly in offset order.
func (o *Orchestrator) drain(ctx context.Context, collection string, cursor int64, summary *Summary) error {
	state := &runState{summary: summary}
	pageSize := o.config.PageSize

	first := o.fetchWithRetry(ctx, PageTask{Collection: collection, Offset: cursor, Limit: pageSize})
	if first.err != nil {
		// Without the first page there is no work range to schedule, so
		// even a single-page failure ends the run here.
		o.logPage(first, summary)
		return fmt.Errorf("fetch first page: %w", first.err)
	}

	if err := o.commit(ctx, first, state); err != nil {
		return err
	}
	if first.page.Terminal {
		return nil
	}

	offsets := remainingOffsets(cursor, first.page, o.config.MaxRecords, pageSize)
	if len(offsets) == 0 {
		return nil
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	tasks := make(chan PageTask)
	results := make(chan pageOutcome, o.config.Workers)

	go func() {
		defer close(tasks)
		for _, off := range offsets {
			select {
			case tasks <- PageTask{Collection: collection, Offset: off, Limit: pageSize}:
			case <-dispatchCtx.Done():
				return
			}
		}
	}()

	var g errgroup.Group
	for i := 0; i < o.config.Workers; i++ {
		id := i
		g.Go(func() error {
			o.worker(dispatchCtx, id, tasks, results)
			return nil
		})
	}
	go func() {
		g.Wait() //nolint:errcheck // workers report through the results channel
		close(results)
	}()

	// Ordered-commit barrier: completions arrive in arbitrary order, but
	// each page commits only after every lower offset has committed.
	pending := make(map[int64]pageOutcome)
	next := 0
	var runErr error

	for outcome := range results {
		pending[outcome.task.Offset] = outcome

		for next < len(offsets) {
			oc, ok := pending[offsets[next]]
			if !ok {
				break
			}
			delete(pending, offsets[next])
			next++

			if runErr != nil {
				continue // draining after abort, nothing commits
			}
			if err := o.commit(ctx, oc, state); err != nil {
				runErr = err
				stopDispatch()
				break
			}
			if state.terminalSeen {
				stopDispatch()
			}
		}
	}

	return runErr
}

// commit applies one terminal page outcome: a successful page is written in a
// single transaction and the checkpoint advanced past it; a permanently
// failed page is logged and skipped. Fatal conditions abort the run.
func (o *Orchestrator) commit(ctx context.Context, oc pageOutcome, state *runState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}

	summary := state.summary
	collection := oc.task.Collection

	if oc.err != nil {
		if !isPermanentPageFailure(oc.err) {
			o.logPage(oc, summary)
			return oc.err
		}

		// The page is lost to this run but recorded for manual replay.
		// The cursor moves past it so later pages still commit in order.
		summary.FailedPages++
		pagesTotal.WithLabelValues(collection, "failed").Inc()
		o.logPage(oc, summary)

		o.logger.Warn().
			Str("collection", collection).
			Int64("offset", oc.task.Offset).
			Err(oc.err).
			Msg("Page permanently failed, continuing run")

		return o.advance(ctx, collection, oc.task.Offset+int64(oc.task.Limit))
	}

	page := oc.page
	result, err := o.writeWithRetry(ctx, collection, page.Records)
	if err != nil {
		state.consecutiveStorageFail++
		summary.FailedPages++
		pagesTotal.WithLabelValues(collection, "failed").Inc()
		oc.err = &Error{Kind: KindStorage, Offset: page.Offset, Message: "page batch write failed", Err: err}
		o.logPage(oc, summary)

		if state.consecutiveStorageFail >= o.config.StorageFailureLimit {
			return fmt.Errorf("%w: %d consecutive pages failed to write: %v",
				ErrStorageDown, state.consecutiveStorageFail, err)
		}
		return o.advance(ctx, collection, page.Offset+int64(page.Limit))
	}

	state.consecutiveStorageFail = 0
	summary.Fetched += len(page.Records)
	summary.Inserted += result.Inserted
	summary.Updated += result.Updated
	summary.Skipped += result.Skipped
	if page.Terminal {
		state.terminalSeen = true
	}

	pagesTotal.WithLabelValues(collection, "ok").Inc()
	recordsTotal.WithLabelValues(collection, "inserted").Add(float64(result.Inserted))
	recordsTotal.WithLabelValues(collection, "updated").Add(float64(result.Updated))
	recordsTotal.WithLabelValues(collection, "skipped").Add(float64(result.Skipped))

	o.logPage(oc, summary)

	o.logger.Info().
		Str("collection", collection).
		Int64("offset", page.Offset).
		Int("records", len(page.Records)).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Msg("Page committed")

	return o.advance(ctx, collection, page.Offset+int64(len(page.Records)))
}

// advance moves the checkpoint cursor, re-checking cancellation first.
func (o *Orchestrator) advance(ctx context.Context, collection string, cursor int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	if err := o.checkpoints.Advance(ctx, collection, cursor); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// writeWithRetry commits one page batch, retrying storage failures a bounded
// number of times. The pool reconnects on its own between attempts.
func (o *Orchestrator) writeWithRetry(ctx context.Context, collection string, records []Record) (BatchResult, error) {
	var lastErr error
	for attempt := 0; attempt < o.config.StorageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return BatchResult{}, ctx.Err()
			case <-o.sleep(o.config.StorageRetryBackoff):
			}
		}

		result, err := o.writer.WriteBatch(ctx, collection, records)
		if err == nil {
			return result, nil
		}
		lastErr = err

		o.logger.Warn().
			Str("collection", collection).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Page batch write failed")
	}
	return BatchResult{}, fmt.Errorf("write batch after %d attempts: %w", o.config.StorageRetries, lastErr)
}

// logPage appends the page's terminal outcome to the ingestion log.
// Log failures are reported but never fail the run.
func (o *Orchestrator) logPage(oc pageOutcome, summary *Summary) {
	entry := PageLogEntry{
		RunID:      summary.RunID,
		Collection: oc.task.Collection,
		Offset:     oc.task.Offset,
		Limit:      oc.task.Limit,
		Outcome:    "ok",
		Attempts:   oc.task.Attempt,
	}
	if oc.err != nil {
		entry.Outcome = "failed"
		entry.ErrorKind = string(KindOf(oc.err))
		entry.ErrorMsg = oc.err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.runs.LogPage(ctx, entry); err != nil {
		o.logger.Error().Err(err).
			Str("collection", entry.Collection).
			Int64("offset", entry.Offset).
			Msg("Failed to append ingestion log entry")
	}
}

// finalize records the terminal run state. It uses a detached context so a
// cancelled run can still write its outcome.
func (o *Orchestrator) finalize(summary *Summary, status RunStatus, runErr error) {
	summary.Status = status
	summary.FinishedAt = time.Now()
	if runErr != nil {
		summary.ErrorText = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch status {
	case RunFailed:
		reason := "run failed"
		if runErr != nil {
			reason = runErr.Error()
		}
		if err := o.checkpoints.Fail(ctx, summary.Collection, reason); err != nil {
			o.logger.Error().Err(err).Msg("Failed to mark checkpoint failed")
		}
	default:
		if err := o.checkpoints.Complete(ctx, summary.Collection); err != nil {
			o.logger.Error().Err(err).Msg("Failed to mark checkpoint completed")
		}
	}

	if err := o.runs.FinishRun(ctx, summary.RunID, status, *summary); err != nil {
		o.logger.Error().Err(err).Msg("Failed to finalize run record")
	}

	runsTotal.WithLabelValues(summary.Collection, string(status)).Inc()

	o.logger.Info().
		Str("collection", summary.Collection).
		Str("run_id", summary.RunID.String()).
		Str("status", string(status)).
		Int("fetched", summary.Fetched).
		Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed_pages", summary.FailedPages).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Ingestion run finished")
}

// remainingOffsets computes the page offsets still to fetch after the first
// page, bounded by the reported collection size and the optional max-records
// limit for this run.
func remainingOffsets(cursor int64, first *Page, maxRecords int64, pageSize int) []int64 {
	end := first.Total
	if maxRecords > 0 && cursor+maxRecords < end {
		end = cursor + maxRecords
	}

	var offsets []int64
	for off := cursor + int64(len(first.Records)); off < end; off += int64(pageSize) {
		offsets = append(offsets, off)
	}
	return offsets
}
