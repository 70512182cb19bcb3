package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/harvester/pkg/client"
	"github.com/Sternrassler/harvester/pkg/endpoint"
	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_pages_fetched_total",
		Help: "Total pages fetched successfully by collection",
	}, []string{"collection"})

	pageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_page_failures_total",
		Help: "Total pages dropped after a failed fetch by collection and error class",
	}, []string{"collection", "class"})
)

// progressEvery controls how often fetch progress is logged.
const progressEvery = 50

// DefaultMaxPages caps the page count a probe may report.
const DefaultMaxPages = 10000

// ErrTooManyPages is returned when the probe reports more pages than
// Config.MaxPages allows.
var ErrTooManyPages = errors.New("page count exceeds limit")

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency caps simultaneous in-flight page fetches.
	// Zero or negative means one worker per remaining page.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages rejects collections reporting more pages. Zero or negative
	// means DefaultMaxPages.
	MaxPages int
}

// DefaultConfig returns the default configuration: unbounded fan-out, 15s per page.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 0,
		Timeout:        15 * time.Second,
		MaxPages:       DefaultMaxPages,
	}
}

// PageResult is the outcome of fetching a single page: records or an error.
type PageResult struct {
	PageNumber int
	URL        string
	Records    []record.Record
	Error      error
}

// PageFailure describes a page whose records were dropped.
type PageFailure struct {
	Page  int
	URL   string
	Class client.ErrorClass
	Err   error
}

// Error implements the error interface.
func (f PageFailure) Error() string {
	return fmt.Sprintf("page %d (%s): %v", f.Page, f.URL, f.Err)
}

// Unwrap returns the underlying fetch error.
func (f PageFailure) Unwrap() error {
	return f.Err
}

// Result is the aggregated, not yet sorted, content of a collection.
type Result struct {
	Collection string
	// Pages is the total page count reported by the probe
	Pages int
	// ExpectedCount is the total record count reported by the probe
	ExpectedCount uint64
	// Records in page order, then in-page order
	Records []record.Record
	// Failures lists every dropped page
	Failures []PageFailure
}

// Complete reports whether every page was fetched.
func (r *Result) Complete() bool {
	return len(r.Failures) == 0
}

// BatchFetcher probes a collection and fetches its remaining pages in parallel.
type BatchFetcher struct {
	fetcher  JSONFetcher
	resolver endpoint.Resolver
	config   Config
	logger   zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher JSONFetcher, resolver endpoint.Resolver, config Config) *BatchFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}

	return &BatchFetcher{
		fetcher:  fetcher,
		resolver: resolver,
		config:   config,
		logger:   log.With().Str("component", "batch-fetcher").Logger(),
	}
}

// FetchAllPages probes page 1, then fetches pages 2..N with a worker pool.
// Only a probe failure returns an error; failed pages are reported in
// Result.Failures and their records are left out.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, collection string) (*Result, error) {
	start := time.Now()
	logger := bf.logger.With().Str("collection", collection).Logger()

	first, err := Probe(ctx, bf.fetcher, bf.resolver.FirstPage(collection))
	if err != nil {
		return nil, err
	}

	totalPages := first.TotalPages()
	if totalPages > bf.config.MaxPages {
		return nil, fmt.Errorf("%w: %w: %d pages, limit %d", ErrProbeFailed, ErrTooManyPages, totalPages, bf.config.MaxPages)
	}
	pagesFetchedTotal.WithLabelValues(collection).Inc()

	logger.Info().
		Int("total_pages", totalPages).
		Uint64("total_count", first.Info.Count).
		Msg("Starting parallel page fetch")

	result := &Result{
		Collection:    collection,
		Pages:         totalPages,
		ExpectedCount: first.Info.Count,
	}

	// Single page optimization
	if totalPages <= 1 {
		result.Records = first.Results
		logger.Info().
			Int("pages", totalPages).
			Int("records", len(result.Records)).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return result, nil
	}

	outcomes := bf.fanOut(ctx, logger, collection, totalPages)
	result.Records, result.Failures = Aggregate(first.Results, outcomes)

	for _, f := range result.Failures {
		pageFailuresTotal.WithLabelValues(collection, string(f.Class)).Inc()
		logger.Warn().
			Err(f.Err).
			Int("page", f.Page).
			Str("url", f.URL).
			Str("error_class", string(f.Class)).
			Msg("Page dropped after failed fetch")
	}

	logger.Info().
		Int("pages", totalPages-len(result.Failures)).
		Int("total", totalPages).
		Int("failed", len(result.Failures)).
		Int("records", len(result.Records)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result, nil
}

// fanOut fetches pages 2..totalPages and returns one outcome per page,
// indexed by page number (indices 0 and 1 are unused).
func (bf *BatchFetcher) fanOut(ctx context.Context, logger zerolog.Logger, collection string, totalPages int) []PageResult {
	remaining := totalPages - 1

	workers := bf.config.MaxConcurrency
	if workers <= 0 || workers > remaining {
		workers = remaining
	}

	pageQueue := make(chan int, workers)
	pageResults := make(chan PageResult, workers)

	// Feed page queue (skip page 1, already fetched). Workers drain it even
	// after cancellation, so the producer never blocks forever.
	go func() {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			pageQueue <- page
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, logger, collection, pageQueue, pageResults, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(pageResults)
	}()

	outcomes := make([]PageResult, totalPages+1)
	done := 1 // First page already fetched
	for result := range pageResults {
		outcomes[result.PageNumber] = result
		done++

		if done%progressEvery == 0 {
			logger.Info().
				Int("fetched", done).
				Int("total", totalPages).
				Float64("progress_pct", float64(done)/float64(totalPages)*100).
				Msg("Fetch progress")
		}
	}

	return outcomes
}

// worker processes pages from the queue until it is drained. A failed page
// never stops the worker; once ctx is cancelled the remaining pages are
// reported as failed without being requested.
func (bf *BatchFetcher) worker(ctx context.Context, logger zerolog.Logger, collection string, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		url := bf.resolver.Page(collection, pageNum)

		if err := ctx.Err(); err != nil {
			results <- PageResult{PageNumber: pageNum, URL: url, Error: err}
			continue
		}

		// Fetch page with timeout
		pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		var env Envelope
		err := bf.fetcher.GetJSON(pageCtx, url, &env)
		cancel()

		if err != nil {
			logger.Debug().
				Err(err).
				Int("worker_id", workerID).
				Int("page", pageNum).
				Msg("Page fetch failed")
			results <- PageResult{PageNumber: pageNum, URL: url, Error: err}
			continue
		}

		pagesFetchedTotal.WithLabelValues(collection).Inc()
		results <- PageResult{PageNumber: pageNum, URL: url, Records: env.Results}
		pagesProcessed++
	}

	if pagesProcessed > 0 {
		logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}

// Aggregate flattens the first page and every successful outcome into one
// collection, in page order, and lists the failed pages. Outcomes with a zero
// page number are ignored.
func Aggregate(first []record.Record, outcomes []PageResult) ([]record.Record, []PageFailure) {
	total := len(first)
	for _, o := range outcomes {
		if o.Error == nil {
			total += len(o.Records)
		}
	}

	records := make([]record.Record, 0, total)
	records = append(records, first...)

	var failures []PageFailure
	for _, o := range outcomes {
		if o.PageNumber == 0 {
			continue
		}
		if o.Error != nil {
			failures = append(failures, PageFailure{
				Page:  o.PageNumber,
				URL:   o.URL,
				Class: client.Classify(o.Error),
				Err:   o.Error,
			})
			continue
		}
		records = append(records, o.Records...)
	}

	return records, failures
}
