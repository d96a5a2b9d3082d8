package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// fakeFetcher serves synthetic pages for a collection of `total` records,
// with scripted per-offset failures and delays.
type fakeFetcher struct {
	mu        sync.Mutex
	total     int64
	errQueue  map[int64][]error
	alwaysErr map[int64]error
	delays    map[int64]time.Duration
	calls     map[int64]int
}

func newFakeFetcher(total int64) *fakeFetcher {
	return &fakeFetcher{
		total:     total,
		errQueue:  make(map[int64][]error),
		alwaysErr: make(map[int64]error),
		delays:    make(map[int64]time.Duration),
		calls:     make(map[int64]int),
	}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, collection string, offset int64, limit int) (*Page, error) {
	f.mu.Lock()
	f.calls[offset]++
	var err error
	if q := f.errQueue[offset]; len(q) > 0 {
		err = q[0]
		f.errQueue[offset] = q[1:]
	} else if e, ok := f.alwaysErr[offset]; ok {
		err = e
	}
	delay := f.delays[offset]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var records []Record
	for i := offset; i < offset+int64(limit) && i < f.total; i++ {
		id := fmt.Sprintf("BILLS-%06d", i)
		records = append(records, Record{
			ExternalID: id,
			Payload:    json.RawMessage(fmt.Sprintf(`{"packageId":%q}`, id)),
		})
	}

	page := &Page{Offset: offset, Limit: limit, Records: records, Total: f.total}
	if len(records) < limit || offset+int64(len(records)) >= f.total {
		page.Terminal = true
	}
	return page, nil
}

func (f *fakeFetcher) callCount(offset int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[offset]
}

// fakeStore implements CheckpointStore, RecordWriter, and RunLog in memory.
type fakeStore struct {
	mu          sync.Mutex
	cursor      int64
	advances    []int64
	firstIDs    []string
	completed   bool
	failedState bool
	failReason  string
	pageLogs    []PageLogEntry
	finalStatus RunStatus
	finished    bool
	writeErr    error
	onWrite     func()
	seen        map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool)}
}

func (s *fakeStore) Begin(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *fakeStore) Advance(ctx context.Context, collection string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.cursor {
		s.cursor = cursor
		s.advances = append(s.advances, cursor)
	}
	return nil
}

func (s *fakeStore) Complete(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

func (s *fakeStore) Fail(ctx context.Context, collection string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedState = true
	s.failReason = reason
	return nil
}

func (s *fakeStore) WriteBatch(ctx context.Context, collection string, records []Record) (BatchResult, error) {
	s.mu.Lock()
	onWrite := s.onWrite
	writeErr := s.writeErr
	s.mu.Unlock()

	if onWrite != nil {
		onWrite()
	}
	if writeErr != nil {
		return BatchResult{}, writeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var result BatchResult
	if len(records) > 0 {
		s.firstIDs = append(s.firstIDs, records[0].ExternalID)
	}
	for _, rec := range records {
		if s.seen[rec.ExternalID] {
			result.Skipped++
			continue
		}
		s.seen[rec.ExternalID] = true
		result.Inserted++
	}
	return result, nil
}

func (s *fakeStore) StartRun(ctx context.Context, runID uuid.UUID, collection string) error {
	return nil
}

func (s *fakeStore) FinishRun(ctx context.Context, runID uuid.UUID, status RunStatus, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalStatus = status
	s.finished = true
	return nil
}

func (s *fakeStore) LogPage(ctx context.Context, entry PageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageLogs = append(s.pageLogs, entry)
	return nil
}

func (s *fakeStore) advanceList() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.advances))
	copy(out, s.advances)
	return out
}

func instantSleep(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func newTestOrchestrator(f PageFetcher, s *fakeStore, cfg Config) *Orchestrator {
	o := New(f, s, s, s, cfg)
	o.sleep = instantSleep
	return o
}

func testConfig() Config {
	return Config{
		Workers:  2,
		PageSize: 100,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 1 * time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
		StorageRetries:      2,
		StorageRetryBackoff: 1 * time.Millisecond,
		StorageFailureLimit: 2,
	}
}

func TestRun_IngestsAllPages(t *testing.T) {
	fetcher := newFakeFetcher(250)
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Status != RunSucceeded {
		t.Errorf("Status = %v, want %v", summary.Status, RunSucceeded)
	}
	if summary.Fetched != 250 {
		t.Errorf("Fetched = %d, want 250", summary.Fetched)
	}
	if summary.Inserted != 250 {
		t.Errorf("Inserted = %d, want 250", summary.Inserted)
	}

	wantAdvances := []int64{100, 200, 250}
	advances := store.advanceList()
	if len(advances) != len(wantAdvances) {
		t.Fatalf("advances = %v, want %v", advances, wantAdvances)
	}
	for i, want := range wantAdvances {
		if advances[i] != want {
			t.Errorf("advances[%d] = %d, want %d", i, advances[i], want)
		}
	}

	if !store.completed {
		t.Error("checkpoint should be completed")
	}
	if store.finalStatus != RunSucceeded {
		t.Errorf("finalized run status = %v, want %v", store.finalStatus, RunSucceeded)
	}
	if len(store.pageLogs) != 3 {
		t.Errorf("page log entries = %d, want 3", len(store.pageLogs))
	}
}

func TestRun_OutOfOrderCompletionCommitsInOrder(t *testing.T) {
	fetcher := newFakeFetcher(300)
	// Page at offset 100 finishes well after the page at offset 200.
	fetcher.delays[100] = 150 * time.Millisecond
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != RunSucceeded {
		t.Errorf("Status = %v, want %v", summary.Status, RunSucceeded)
	}

	// Checkpoint advances must be strictly increasing despite completion order.
	advances := store.advanceList()
	for i := 1; i < len(advances); i++ {
		if advances[i] <= advances[i-1] {
			t.Errorf("advances not monotonic: %v", advances)
		}
	}
	if len(advances) != 3 || advances[2] != 300 {
		t.Errorf("advances = %v, want [100 200 300]", advances)
	}

	// Writes happen in offset order too: no page commits before its predecessor.
	wantFirst := []string{"BILLS-000000", "BILLS-000100", "BILLS-000200"}
	if len(store.firstIDs) != len(wantFirst) {
		t.Fatalf("committed pages = %v, want %v", store.firstIDs, wantFirst)
	}
	for i, want := range wantFirst {
		if store.firstIDs[i] != want {
			t.Errorf("commit order[%d] = %s, want %s", i, store.firstIDs[i], want)
		}
	}
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	fetcher := newFakeFetcher(300)
	store := newFakeStore()
	store.cursor = 100
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Fetched != 200 {
		t.Errorf("Fetched = %d, want 200", summary.Fetched)
	}

	if fetcher.callCount(0) != 0 {
		t.Error("pages before the resume cursor must never be re-issued")
	}
	if fetcher.callCount(100) != 1 || fetcher.callCount(200) != 1 {
		t.Error("pages at and after the resume cursor must each be fetched once")
	}
}

func TestRun_FatalAbortsWithoutRetry(t *testing.T) {
	fetcher := newFakeFetcher(500)
	fetcher.alwaysErr[100] = &Error{Kind: KindFatal, StatusCode: 401, Offset: 100, Message: "unauthorized"}
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err == nil {
		t.Fatal("Run() should fail on a fatal fetch error")
	}
	if summary.Status != RunFailed {
		t.Errorf("Status = %v, want %v", summary.Status, RunFailed)
	}

	var ie *Error
	if !errors.As(err, &ie) || ie.Kind != KindFatal {
		t.Errorf("error = %v, want fatal classification", err)
	}

	if got := fetcher.callCount(100); got != 1 {
		t.Errorf("fatal page fetched %d times, want 1 (no retries)", got)
	}

	// The cursor stays at the last successfully advanced value.
	advances := store.advanceList()
	if len(advances) != 1 || advances[0] != 100 {
		t.Errorf("advances = %v, want [100]", advances)
	}
	if !store.failedState {
		t.Error("checkpoint should be marked failed")
	}
	if store.finalStatus != RunFailed {
		t.Errorf("finalized run status = %v, want %v", store.finalStatus, RunFailed)
	}
}

func TestRun_TransientPageExhaustedContinues(t *testing.T) {
	fetcher := newFakeFetcher(300)
	fetcher.alwaysErr[100] = &Error{Kind: KindTransient, StatusCode: 429, Offset: 100, Message: "too many requests"}
	store := newFakeStore()
	cfg := testConfig()
	o := newTestOrchestrator(fetcher, store, cfg)

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v (a single bad page must not halt the run)", err)
	}

	if summary.Status != RunPartiallyFailed {
		t.Errorf("Status = %v, want %v", summary.Status, RunPartiallyFailed)
	}
	if summary.FailedPages != 1 {
		t.Errorf("FailedPages = %d, want 1", summary.FailedPages)
	}

	if got := fetcher.callCount(100); got != cfg.Retry.MaxAttempts {
		t.Errorf("failing page fetched %d times, want %d", got, cfg.Retry.MaxAttempts)
	}

	// The run advances past the failed page so later pages still commit.
	advances := store.advanceList()
	if len(advances) != 3 || advances[2] != 300 {
		t.Errorf("advances = %v, want [100 200 300]", advances)
	}

	var failedEntry *PageLogEntry
	for i := range store.pageLogs {
		if store.pageLogs[i].Outcome == "failed" {
			failedEntry = &store.pageLogs[i]
		}
	}
	if failedEntry == nil {
		t.Fatal("expected a failed page log entry")
	}
	if failedEntry.Offset != 100 {
		t.Errorf("failed entry offset = %d, want 100", failedEntry.Offset)
	}
	if failedEntry.ErrorKind != string(KindTransient) {
		t.Errorf("failed entry kind = %s, want %s", failedEntry.ErrorKind, KindTransient)
	}
	if failedEntry.Attempts != cfg.Retry.MaxAttempts {
		t.Errorf("failed entry attempts = %d, want %d", failedEntry.Attempts, cfg.Retry.MaxAttempts)
	}
}

func TestRun_TransientRetriesThenSucceeds(t *testing.T) {
	fetcher := newFakeFetcher(150)
	fetcher.errQueue[0] = []error{
		&Error{Kind: KindTransient, StatusCode: 429},
		&Error{Kind: KindTransient, StatusCode: 503},
	}
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != RunSucceeded {
		t.Errorf("Status = %v, want %v", summary.Status, RunSucceeded)
	}
	if got := fetcher.callCount(0); got != 3 {
		t.Errorf("first page fetched %d times, want 3", got)
	}
}

func TestRun_MaxRecordsBoundsWork(t *testing.T) {
	fetcher := newFakeFetcher(1000)
	store := newFakeStore()
	cfg := testConfig()
	cfg.MaxRecords = 250
	o := newTestOrchestrator(fetcher, store, cfg)

	if _, err := o.Run(context.Background(), "BILLS"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for offset := int64(300); offset < 1000; offset += 100 {
		if fetcher.callCount(offset) != 0 {
			t.Errorf("page at offset %d fetched despite max-records bound", offset)
		}
	}
}

func TestRun_StorageFailureEscalates(t *testing.T) {
	fetcher := newFakeFetcher(500)
	store := newFakeStore()
	store.writeErr = errors.New("connection refused")
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err == nil {
		t.Fatal("Run() should fail when storage stays down")
	}
	if !errors.Is(err, ErrStorageDown) {
		t.Errorf("error = %v, want ErrStorageDown", err)
	}
	if summary.Status != RunFailed {
		t.Errorf("Status = %v, want %v", summary.Status, RunFailed)
	}
}

func TestRun_CancellationStopsBeforeAdvance(t *testing.T) {
	fetcher := newFakeFetcher(500)
	store := newFakeStore()

	ctx, cancel := context.WithCancel(context.Background())
	store.onWrite = cancel // cancel lands between write commit and advance

	o := newTestOrchestrator(fetcher, store, testConfig())
	summary, err := o.Run(ctx, "BILLS")
	if err == nil {
		t.Fatal("Run() should report cancellation")
	}
	if !errors.Is(err, ErrRunCancelled) {
		t.Errorf("error = %v, want ErrRunCancelled", err)
	}
	if summary.Status != RunFailed {
		t.Errorf("Status = %v, want %v", summary.Status, RunFailed)
	}
	if advances := store.advanceList(); len(advances) != 0 {
		t.Errorf("advances = %v, want none after cancellation", advances)
	}
}

func TestRun_SinglePageCollection(t *testing.T) {
	fetcher := newFakeFetcher(40)
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Fetched != 40 {
		t.Errorf("Fetched = %d, want 40", summary.Fetched)
	}
	if advances := store.advanceList(); len(advances) != 1 || advances[0] != 40 {
		t.Errorf("advances = %v, want [40]", advances)
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	fetcher := newFakeFetcher(150)
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, store, testConfig())

	if _, err := o.Run(context.Background(), "BILLS"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// Rewind the cursor to force a full re-fetch; the writer must report
	// every record as already seen.
	store.mu.Lock()
	store.cursor = 0
	store.mu.Unlock()

	summary, err := o.Run(context.Background(), "BILLS")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Inserted != 0 {
		t.Errorf("Inserted on rerun = %d, want 0", summary.Inserted)
	}
	if summary.Skipped != 150 {
		t.Errorf("Skipped on rerun = %d, want 150", summary.Skipped)
	}
}
