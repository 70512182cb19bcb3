package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/harvester/internal/testutil"
	"github.com/Sternrassler/harvester/pkg/client"
	"github.com/Sternrassler/harvester/pkg/endpoint"
	"github.com/Sternrassler/harvester/pkg/record"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func newAPIClient(t *testing.T) *client.Client {
	t.Helper()

	c, err := client.New(client.DefaultConfig("harvester-test/1.0"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func ids(records []record.Record) []uint64 {
	out := make([]uint64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnvelope_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantPages int
		wantCount uint64
		wantLen   int
		wantErr   bool
	}{
		{
			name:      "full envelope",
			input:     `{"info":{"count":3,"pages":2,"next":"http://api/character?page=2","prev":null},"results":[{"id":3},{"id":1}]}`,
			wantPages: 2,
			wantCount: 3,
			wantLen:   2,
		},
		{
			name:      "empty results",
			input:     `{"info":{"count":0,"pages":0},"results":[]}`,
			wantPages: 0,
			wantLen:   0,
		},
		{
			name:    "missing info",
			input:   `{"results":[{"id":1}]}`,
			wantErr: true,
		},
		{
			name:    "missing results",
			input:   `{"info":{"count":1,"pages":1}}`,
			wantErr: true,
		},
		{
			name:    "negative pages",
			input:   `{"info":{"count":1,"pages":-1},"results":[]}`,
			wantErr: true,
		},
		{
			name:    "more pages than records",
			input:   `{"info":{"count":3,"pages":1000000000000000},"results":[{"id":1}]}`,
			wantErr: true,
		},
		{
			name:    "pages without records",
			input:   `{"info":{"count":0,"pages":2},"results":[]}`,
			wantErr: true,
		},
		{
			name:    "record without id",
			input:   `{"info":{"count":1,"pages":1},"results":[{"name":"Jerry"}]}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			input:   `[1,2,3]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			err := json.Unmarshal([]byte(tt.input), &env)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if env.Info.Pages != tt.wantPages {
				t.Errorf("Pages = %d, want %d", env.Info.Pages, tt.wantPages)
			}
			if env.Info.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", env.Info.Count, tt.wantCount)
			}
			if len(env.Results) != tt.wantLen {
				t.Errorf("len(Results) = %d, want %d", len(env.Results), tt.wantLen)
			}
		})
	}
}

func TestEnvelope_MissingInfoIsMalformed(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"results":[]}`), &env)
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestEnvelope_TotalPages(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want int
	}{
		{name: "reported pages", env: Envelope{Info: Info{Pages: 42}}, want: 42},
		{name: "empty collection", env: Envelope{}, want: 0},
		{name: "records but zero pages", env: Envelope{Results: []record.Record{{ID: 1}}}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.TotalPages(); got != tt.want {
				t.Errorf("TotalPages() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFetchAllPages_ConcreteScenario(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("character",
		[]string{testutil.Character(3, "Summer Smith"), testutil.Character(1, "Rick Sanchez")},
		[]string{testutil.Character(2, "Morty Smith")},
	)

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	result, err := fetcher.FetchAllPages(context.Background(), "character")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}

	if result.Pages != 2 {
		t.Errorf("Pages = %d, want 2", result.Pages)
	}
	if result.ExpectedCount != 3 {
		t.Errorf("ExpectedCount = %d, want 3", result.ExpectedCount)
	}
	if !result.Complete() {
		t.Errorf("Expected complete result, got failures: %v", result.Failures)
	}

	// Page order, then in-page order; sorting happens downstream.
	if got := ids(result.Records); !equalIDs(got, []uint64{3, 1, 2}) {
		t.Errorf("record ids = %v, want [3 1 2]", got)
	}

	if n := api.RequestCount("character", 1); n != 1 {
		t.Errorf("page 1 requested %d times, want 1", n)
	}
	if n := api.RequestCount("character", 2); n != 1 {
		t.Errorf("page 2 requested %d times, want 1", n)
	}
}

func TestFetchAllPages_SinglePage(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("location", []string{`{"id":2,"name":"Abadango"}`, `{"id":1,"name":"Earth (C-137)"}`})

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	result, err := fetcher.FetchAllPages(context.Background(), "location")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}

	if len(result.Records) != 2 {
		t.Errorf("len(Records) = %d, want 2", len(result.Records))
	}
	if n := api.TotalRequests("location"); n != 1 {
		t.Errorf("TotalRequests = %d, want 1 (fan-out must be skipped)", n)
	}
}

func TestFetchAllPages_EmptyCollection(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("empty")

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	result, err := fetcher.FetchAllPages(context.Background(), "empty")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}
	if len(result.Records) != 0 {
		t.Errorf("len(Records) = %d, want 0", len(result.Records))
	}
	if result.Pages != 0 {
		t.Errorf("Pages = %d, want 0", result.Pages)
	}
}

func TestFetchAllPages_PartialFailure(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("flaky",
		[]string{`{"id":1}`, `{"id":2}`},
		[]string{`{"id":3}`, `{"id":4}`},
		[]string{`{"id":5}`, `{"id":6}`},
		[]string{`{"id":7}`},
	)
	api.FailPage("flaky", 3, http.StatusInternalServerError)

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	result, err := fetcher.FetchAllPages(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("FetchAllPages must not fail on a page error: %v", err)
	}

	if got := ids(result.Records); !equalIDs(got, []uint64{1, 2, 3, 4, 7}) {
		t.Errorf("record ids = %v, want [1 2 3 4 7]", got)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("len(Failures) = %d, want 1", len(result.Failures))
	}
	f := result.Failures[0]
	if f.Page != 3 {
		t.Errorf("failed page = %d, want 3", f.Page)
	}
	if f.Class != client.ErrorClassServer {
		t.Errorf("failure class = %q, want %q", f.Class, client.ErrorClassServer)
	}
	if n := api.RequestCount("flaky", 3); n != 1 {
		t.Errorf("failed page requested %d times, want 1 (no retry)", n)
	}

	if got := promtestutil.ToFloat64(pageFailuresTotal.WithLabelValues("flaky", "server")); got != 1 {
		t.Errorf("harvester_page_failures_total = %v, want 1", got)
	}
}

func TestFetchAllPages_MalformedPageIsDropped(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("episode",
		[]string{`{"id":1}`},
		[]string{`{"id":2}`},
	)
	api.SetPageResponse("episode", 2, testutil.MockPageResponse{
		StatusCode: http.StatusOK,
		Body:       `{"info":{"count":2,"pages":2},"results":[{"name":"no id"}]}`,
	})

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	result, err := fetcher.FetchAllPages(context.Background(), "episode")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}

	if got := ids(result.Records); !equalIDs(got, []uint64{1}) {
		t.Errorf("record ids = %v, want [1]", got)
	}
	if len(result.Failures) != 1 || result.Failures[0].Class != client.ErrorClassDecode {
		t.Errorf("Failures = %v, want one decode failure", result.Failures)
	}
}

func TestFetchAllPages_ProbeFailure(t *testing.T) {
	tests := []struct {
		name      string
		response  testutil.MockPageResponse
		wantClass client.ErrorClass
	}{
		{
			name:      "server error",
			response:  testutil.MockPageResponse{StatusCode: http.StatusServiceUnavailable, Body: `{}`},
			wantClass: client.ErrorClassServer,
		},
		{
			name:      "not found",
			response:  testutil.MockPageResponse{StatusCode: http.StatusNotFound, Body: `{}`},
			wantClass: client.ErrorClassClient,
		},
		{
			name:      "bad envelope",
			response:  testutil.MockPageResponse{StatusCode: http.StatusOK, Body: `{"results":[]}`},
			wantClass: client.ErrorClassDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := testutil.NewMockAPI()
			defer api.Close()

			api.SetCollection("character", []string{`{"id":1}`}, []string{`{"id":2}`})
			api.SetPageResponse("character", 1, tt.response)

			fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

			result, err := fetcher.FetchAllPages(context.Background(), "character")
			if err == nil {
				t.Fatal("Expected probe error, got nil")
			}
			if result != nil {
				t.Error("Expected nil result on probe failure")
			}
			if !errors.Is(err, ErrProbeFailed) {
				t.Errorf("error = %v, want ErrProbeFailed", err)
			}
			if got := client.Classify(err); got != tt.wantClass {
				t.Errorf("Classify = %q, want %q", got, tt.wantClass)
			}
			if n := api.RequestCount("character", 2); n != 0 {
				t.Errorf("page 2 requested %d times after probe failure, want 0", n)
			}
		})
	}
}

// stubFetcher serves a fixed envelope for page 1 and fails every other page.
type stubFetcher struct {
	first Envelope
	calls atomic.Int32
}

func (s *stubFetcher) GetJSON(ctx context.Context, url string, v any) error {
	s.calls.Add(1)
	if strings.Contains(url, "?page=") {
		return errors.New("unexpected page request")
	}
	*(v.(*Envelope)) = s.first
	return nil
}

func TestFetchAllPages_PageCountLimit(t *testing.T) {
	tests := []struct {
		name     string
		pages    int
		maxPages int
	}{
		{name: "huge page count with default limit", pages: 1_000_000_000_000_000},
		{name: "above configured limit", pages: 6, maxPages: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubFetcher{first: Envelope{
				Info:    Info{Count: uint64(tt.pages), Pages: tt.pages},
				Results: []record.Record{{ID: 1}},
			}}

			fetcher := NewBatchFetcher(stub, endpoint.New("http://api.test"), Config{
				MaxConcurrency: 2,
				MaxPages:       tt.maxPages,
			})

			result, err := fetcher.FetchAllPages(context.Background(), "character")
			if result != nil {
				t.Error("Expected nil result when the page count is rejected")
			}
			if !errors.Is(err, ErrTooManyPages) {
				t.Errorf("error = %v, want ErrTooManyPages", err)
			}
			if !errors.Is(err, ErrProbeFailed) {
				t.Errorf("error = %v, want ErrProbeFailed", err)
			}
			if n := stub.calls.Load(); n != 1 {
				t.Errorf("GetJSON called %d times, want 1", n)
			}
		})
	}
}

func TestFetchAllPages_AtPageLimit(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("character", []string{`{"id":2}`}, []string{`{"id":1}`}, []string{`{"id":3}`})

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), Config{MaxConcurrency: 1, MaxPages: 3})

	result, err := fetcher.FetchAllPages(context.Background(), "character")
	if err != nil {
		t.Fatalf("FetchAllPages: %v", err)
	}
	if got := ids(result.Records); !equalIDs(got, []uint64{2, 1, 3}) {
		t.Errorf("record ids = %v, want [2 1 3]", got)
	}
}

// gaugeFetcher records the peak number of concurrent GetJSON calls.
type gaugeFetcher struct {
	next     JSONFetcher
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (g *gaugeFetcher) GetJSON(ctx context.Context, url string, v any) error {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(g.delay)
	return g.next.GetJSON(ctx, url, v)
}

func TestFetchAllPages_ConcurrencyLimit(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	pages := make([][]string, 10)
	for i := range pages {
		pages[i] = []string{testutil.Character(i+1, "clone")}
	}
	api.SetCollection("character", pages...)

	gauge := &gaugeFetcher{next: newAPIClient(t), delay: 20 * time.Millisecond}
	fetcher := NewBatchFetcher(gauge, endpoint.New(api.URL()), Config{MaxConcurrency: 2, Timeout: 5 * time.Second})

	result, err := fetcher.FetchAllPages(context.Background(), "character")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}

	if len(result.Records) != 10 {
		t.Errorf("len(Records) = %d, want 10", len(result.Records))
	}
	if peak := gauge.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

// blockingFetcher answers the probe and holds every page fetch until released.
type blockingFetcher struct {
	next    JSONFetcher
	started sync.WaitGroup
	release chan struct{}
}

func (b *blockingFetcher) GetJSON(ctx context.Context, url string, v any) error {
	if err := b.next.GetJSON(ctx, url, v); err != nil {
		return err
	}
	if strings.Contains(url, "?page=") {
		b.started.Done()
		<-b.release
	}
	return nil
}

func TestFetchAllPages_FanOutIsUnbounded(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("character",
		[]string{`{"id":1}`}, []string{`{"id":2}`}, []string{`{"id":3}`}, []string{`{"id":4}`},
	)

	bf := &blockingFetcher{next: newAPIClient(t), release: make(chan struct{})}
	bf.started.Add(3)

	fetcher := NewBatchFetcher(bf, endpoint.New(api.URL()), DefaultConfig())

	done := make(chan *Result, 1)
	go func() {
		result, _ := fetcher.FetchAllPages(context.Background(), "character")
		done <- result
	}()

	// All three remaining pages must be in flight at once before any completes.
	waited := make(chan struct{})
	go func() {
		bf.started.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("remaining pages were not fetched concurrently")
	}
	close(bf.release)

	result := <-done
	if result == nil || len(result.Records) != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFetchAllPages_ContextCancelled(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	api.SetCollection("character", []string{`{"id":1}`}, []string{`{"id":2}`})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := NewBatchFetcher(newAPIClient(t), endpoint.New(api.URL()), DefaultConfig())

	_, err := fetcher.FetchAllPages(ctx, "character")
	if !errors.Is(err, ErrProbeFailed) {
		t.Errorf("error = %v, want ErrProbeFailed", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func TestAggregate(t *testing.T) {
	first := []record.Record{{ID: 10}, {ID: 5}}
	pageErr := &client.APIError{ErrorClass: client.ErrorClassNetwork, Message: "request failed"}

	outcomes := []PageResult{
		{}, // index 0 unused
		{}, // index 1 is the probe page
		{PageNumber: 2, Records: []record.Record{{ID: 7}}},
		{PageNumber: 3, URL: "http://api/x?page=3", Error: pageErr},
		{PageNumber: 4, Records: []record.Record{{ID: 1}, {ID: 7}}},
	}

	records, failures := Aggregate(first, outcomes)

	if got := ids(records); !equalIDs(got, []uint64{10, 5, 7, 1, 7}) {
		t.Errorf("record ids = %v, want [10 5 7 1 7]", got)
	}
	if len(failures) != 1 {
		t.Fatalf("len(failures) = %d, want 1", len(failures))
	}
	if failures[0].Page != 3 || failures[0].Class != client.ErrorClassNetwork {
		t.Errorf("failure = %+v, want page 3 network", failures[0])
	}
	if !errors.Is(failures[0], pageErr) {
		t.Error("PageFailure should unwrap to the fetch error")
	}
}
