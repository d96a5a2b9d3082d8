package govinfo

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cbwinslow/congress-api-ingestion/internal/testutil"
	"github.com/cbwinslow/congress-api-ingestion/pkg/ingest"
	"github.com/cbwinslow/congress-api-ingestion/pkg/ratelimit"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	limiter, err := ratelimit.NewLimiter(1000000, time.Hour, 0)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	client, err := New(Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	}, limiter, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestNew_Validation(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(1000, time.Hour, 0)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	if _, err := New(Config{}, limiter, nil); err == nil {
		t.Error("New() without api key should fail")
	}
	if _, err := New(Config{APIKey: "k"}, nil, nil); err == nil {
		t.Error("New() without rate limiter should fail")
	}

	client, err := New(Config{APIKey: "k"}, limiter, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.config.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", client.config.BaseURL, DefaultBaseURL)
	}
}

func TestFetchPage_ParsesRecords(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SeedCollection("BILLS", 250)

	client := newTestClient(t, mock.URL())

	page, err := client.FetchPage(context.Background(), "BILLS", 0, 100)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Records) != 100 {
		t.Errorf("records = %d, want 100", len(page.Records))
	}
	if page.Total != 250 {
		t.Errorf("Total = %d, want 250", page.Total)
	}
	if page.Terminal {
		t.Error("full first page of 250 should not be terminal")
	}
	if page.Records[0].ExternalID != "BILLS-000000" {
		t.Errorf("first record id = %s, want BILLS-000000", page.Records[0].ExternalID)
	}
	if len(page.Records[0].Payload) == 0 {
		t.Error("record payload should carry the raw package JSON")
	}
}

func TestFetchPage_TerminalConditions(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		offset   int64
		limit    int
		records  int
		terminal bool
	}{
		{
			name:     "short page ends collection",
			total:    250,
			offset:   200,
			limit:    100,
			records:  50,
			terminal: true,
		},
		{
			name:     "full page reaching reported total",
			total:    200,
			offset:   100,
			limit:    100,
			records:  100,
			terminal: true,
		},
		{
			name:     "full page mid-collection",
			total:    300,
			offset:   100,
			limit:    100,
			records:  100,
			terminal: false,
		},
		{
			name:     "empty page past the end",
			total:    100,
			offset:   100,
			limit:    100,
			records:  0,
			terminal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SeedCollection("BILLS", tt.total)

			client := newTestClient(t, mock.URL())
			page, err := client.FetchPage(context.Background(), "BILLS", tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("FetchPage() error = %v", err)
			}

			if len(page.Records) != tt.records {
				t.Errorf("records = %d, want %d", len(page.Records), tt.records)
			}
			if page.Terminal != tt.terminal {
				t.Errorf("Terminal = %v, want %v", page.Terminal, tt.terminal)
			}
		})
	}
}

func TestFetchPage_SendsAuthAndPagination(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var gotQuery map[string]string
	mock.SetHandler("/collections/BILLS", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"offset":   r.URL.Query().Get("offset"),
			"pageSize": r.URL.Query().Get("pageSize"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 0, "packages": []}`))
	})

	client := newTestClient(t, mock.URL())
	if _, err := client.FetchPage(context.Background(), "BILLS", 300, 100); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if gotQuery["offset"] != "300" {
		t.Errorf("offset param = %s, want 300", gotQuery["offset"])
	}
	if gotQuery["pageSize"] != "100" {
		t.Errorf("pageSize param = %s, want 100", gotQuery["pageSize"])
	}
	if got := mock.LastHeader.Get("X-Api-Key"); got != "test-key" {
		t.Errorf("X-Api-Key header = %s, want test-key", got)
	}
}

func TestFetchPage_DateWindowParams(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var gotQuery map[string]string
	mock.SetHandler("/collections/CREC", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"startDate": r.URL.Query().Get("startDate"),
			"endDate":   r.URL.Query().Get("endDate"),
		}
		w.Write([]byte(`{"count": 0, "packages": []}`))
	})

	limiter, err := ratelimit.NewLimiter(1000000, time.Hour, 0)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	client, err := New(Config{
		BaseURL:   mock.URL(),
		APIKey:    "test-key",
		StartDate: "2024-01-01",
		EndDate:   "2024-06-30",
	}, limiter, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := client.FetchPage(context.Background(), "CREC", 0, 100); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if gotQuery["startDate"] != "2024-01-01" {
		t.Errorf("startDate param = %s, want 2024-01-01", gotQuery["startDate"])
	}
	if gotQuery["endDate"] != "2024-06-30" {
		t.Errorf("endDate param = %s, want 2024-06-30", gotQuery["endDate"])
	}
}

func TestFetchPage_StatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected ingest.ErrorKind
	}{
		{http.StatusTooManyRequests, ingest.KindTransient},
		{http.StatusInternalServerError, ingest.KindTransient},
		{http.StatusServiceUnavailable, ingest.KindTransient},
		{http.StatusUnauthorized, ingest.KindFatal},
		{http.StatusForbidden, ingest.KindFatal},
		{http.StatusNotFound, ingest.KindFatal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/collections/BILLS", testutil.MockResponse{
				StatusCode: tt.status,
			})

			client := newTestClient(t, mock.URL())
			_, err := client.FetchPage(context.Background(), "BILLS", 0, 100)
			if err == nil {
				t.Fatalf("FetchPage() should fail on status %d", tt.status)
			}

			var ie *ingest.Error
			if !errors.As(err, &ie) {
				t.Fatalf("error = %v, want *ingest.Error", err)
			}
			if ie.Kind != tt.expected {
				t.Errorf("Kind = %v, want %v", ie.Kind, tt.expected)
			}
			if ie.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ie.StatusCode, tt.status)
			}
		})
	}
}

func TestFetchPage_MalformedBody(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/collections/BILLS", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"count": not json`,
	})

	client := newTestClient(t, mock.URL())
	_, err := client.FetchPage(context.Background(), "BILLS", 0, 100)
	if err == nil {
		t.Fatal("FetchPage() should fail on malformed JSON")
	}
	if kind := ingest.KindOf(err); kind != ingest.KindValidation {
		t.Errorf("KindOf() = %v, want %v", kind, ingest.KindValidation)
	}
}

func TestFetchPage_MissingPackageID(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/collections/BILLS", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"count": 1, "packages": [{"title": "no id"}]}`,
	})

	client := newTestClient(t, mock.URL())
	_, err := client.FetchPage(context.Background(), "BILLS", 0, 100)
	if err == nil {
		t.Fatal("FetchPage() should fail when a package has no packageId")
	}
	if kind := ingest.KindOf(err); kind != ingest.KindValidation {
		t.Errorf("KindOf() = %v, want %v", kind, ingest.KindValidation)
	}
}

func TestFetchPage_NetworkErrorIsTransient(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL()
	mock.Close() // nothing is listening anymore

	client := newTestClient(t, url)
	_, err := client.FetchPage(context.Background(), "BILLS", 0, 100)
	if err == nil {
		t.Fatal("FetchPage() should fail against a dead server")
	}
	if kind := ingest.KindOf(err); kind != ingest.KindTransient {
		t.Errorf("KindOf() = %v, want %v", kind, ingest.KindTransient)
	}
}

func TestCollections(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SeedCatalog("BILLS", "CREC", "FR")

	client := newTestClient(t, mock.URL())
	collections, err := client.Collections(context.Background())
	if err != nil {
		t.Fatalf("Collections() error = %v", err)
	}

	if len(collections) != 3 {
		t.Fatalf("collections = %d, want 3", len(collections))
	}
	if collections[0].Code != "BILLS" {
		t.Errorf("first code = %s, want BILLS", collections[0].Code)
	}
	if collections[0].Name == "" {
		t.Error("collection name should be populated")
	}
}
