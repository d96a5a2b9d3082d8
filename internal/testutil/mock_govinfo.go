// Package testutil provides testing utilities for the ingestion engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock GovInfo server for testing.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
	LastHeader   http.Header
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SeedCollection installs a paginating handler serving total synthetic
// packages for the collection, honoring offset and pageSize query params.
// Package ids follow the pattern "<code>-<index>".
func (m *MockAPI) SeedCollection(code string, total int) {
	m.SetHandler("/collections/"+code, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		if pageSize <= 0 {
			pageSize = 100
		}

		type pkg struct {
			PackageID string `json:"packageId"`
			Title     string `json:"title"`
		}
		var packages []pkg
		for i := offset; i < offset+pageSize && i < total; i++ {
			packages = append(packages, pkg{
				PackageID: fmt.Sprintf("%s-%06d", code, i),
				Title:     fmt.Sprintf("Package %d of %s", i, code),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.Header().Set("X-RateLimit-Remaining", "950")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":    total,
			"packages": packages,
		})
	})
}

// SeedCatalog installs a /collections handler listing the given codes.
func (m *MockAPI) SeedCatalog(codes ...string) {
	type coll struct {
		Code string `json:"collectionCode"`
		Name string `json:"collectionName"`
	}
	var collections []coll
	for _, code := range codes {
		collections = append(collections, coll{Code: code, Name: "Collection " + code})
	}

	m.SetHandler("/collections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"collections": collections,
		})
	})
}

// FailTimes wraps the current handler for path so the first n requests
// return the given status before falling through to the real handler.
func (m *MockAPI) FailTimes(path string, n int, status int) {
	m.mu.Lock()
	inner := m.handlers[path]
	m.mu.Unlock()

	var mu sync.Mutex
	remaining := n
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := remaining > 0
		if fail {
			remaining--
		}
		mu.Unlock()

		if fail {
			w.WriteHeader(status)
			return
		}
		if inner != nil {
			inner(w, r)
			return
		}
		http.NotFound(w, r)
	})
}
