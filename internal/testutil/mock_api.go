// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockPageResponse overrides the response of one page.
type MockPageResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockAPI is a configurable paginated collection API for testing.
// Collections are served at /api/{collection} and /api/{collection}?page={n}.
type MockAPI struct {
	server *httptest.Server
	mu     sync.RWMutex

	collections map[string][][]json.RawMessage
	counts      map[string]uint64
	overrides   map[string]map[int]MockPageResponse

	// Tracking
	requests map[string]int
}

// NewMockAPI creates and starts a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		collections: make(map[string][][]json.RawMessage),
		counts:      make(map[string]uint64),
		overrides:   make(map[string]map[int]MockPageResponse),
		requests:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the API root, e.g. http://127.0.0.1:12345/api.
func (m *MockAPI) URL() string {
	return m.server.URL + "/api"
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetCollection registers a collection. Each element of pages is the list of
// raw JSON records served on that page (pages[0] is page 1). The envelope
// count defaults to the number of records across all pages.
func (m *MockAPI) SetCollection(name string, pages ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	converted := make([][]json.RawMessage, len(pages))
	for i, page := range pages {
		converted[i] = make([]json.RawMessage, len(page))
		for j, rec := range page {
			converted[i][j] = json.RawMessage(rec)
		}
		total += uint64(len(page))
	}

	m.collections[name] = converted
	m.counts[name] = total
}

// SetCount overrides the total record count reported in envelopes.
func (m *MockAPI) SetCount(name string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] = count
}

// SetPageResponse overrides the response for one page of a collection.
func (m *MockAPI) SetPageResponse(name string, page int, resp MockPageResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overrides[name] == nil {
		m.overrides[name] = make(map[int]MockPageResponse)
	}
	m.overrides[name][page] = resp
}

// FailPage makes one page respond with the given status code.
func (m *MockAPI) FailPage(name string, page int, status int) {
	m.SetPageResponse(name, page, MockPageResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error": "page %d unavailable"}`, page),
	})
}

// RequestCount returns how often a page of a collection was requested.
func (m *MockAPI) RequestCount(name string, page int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[requestKey(name, page)]
}

// TotalRequests returns the number of requests made for a collection.
func (m *MockAPI) TotalRequests(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	prefix := name + "#"
	for key, n := range m.requests {
		if strings.HasPrefix(key, prefix) {
			total += n
		}
	}
	return total
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/")

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, `{"error": "invalid page"}`, http.StatusBadRequest)
			return
		}
		page = n
	}

	m.mu.Lock()
	m.requests[requestKey(name, page)]++
	pages, exists := m.collections[name]
	count := m.counts[name]
	override, overridden := m.overrides[name][page]
	m.mu.Unlock()

	if overridden {
		if override.Delay > 0 {
			time.Sleep(override.Delay)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(override.StatusCode)
		w.Write([]byte(override.Body))
		return
	}

	if !exists {
		http.Error(w, `{"error": "There is nothing here"}`, http.StatusNotFound)
		return
	}
	if page < 1 || (page > len(pages) && !(page == 1 && len(pages) == 0)) {
		http.Error(w, `{"error": "There is nothing here"}`, http.StatusNotFound)
		return
	}

	body, err := json.Marshal(envelope(m.URL()+"/"+name, count, pages, page))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

type mockInfo struct {
	Count uint64  `json:"count"`
	Pages int     `json:"pages"`
	Next  *string `json:"next"`
	Prev  *string `json:"prev"`
}

type mockEnvelope struct {
	Info    mockInfo          `json:"info"`
	Results []json.RawMessage `json:"results"`
}

func envelope(base string, count uint64, pages [][]json.RawMessage, page int) mockEnvelope {
	info := mockInfo{Count: count, Pages: len(pages)}
	if page < len(pages) {
		next := fmt.Sprintf("%s?page=%d", base, page+1)
		info.Next = &next
	}
	if page > 1 {
		prev := fmt.Sprintf("%s?page=%d", base, page-1)
		info.Prev = &prev
	}

	var results []json.RawMessage
	if page <= len(pages) {
		results = pages[page-1]
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	return mockEnvelope{Info: info, Results: results}
}

func requestKey(name string, page int) string {
	return name + "#" + strconv.Itoa(page)
}

// Character returns a raw character-shaped record for the given id.
func Character(id int, name string) string {
	return fmt.Sprintf(`{"id":%d,"name":%q,"status":"Alive","species":"Human","episode":["https://rickandmortyapi.com/api/episode/1"]}`, id, name)
}
