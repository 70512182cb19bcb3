// Package metrics documents the harvester's Prometheus metrics and pushes
// them to a Pushgateway when a run ends.
// Metrics are defined in their respective packages (client, pagination, sink,
// harvest) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics pushed by Push.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// ErrNoJob is returned by Push when the job name is empty.
var ErrNoJob = errors.New("pushgateway job name is required")

// Push sends every registered metric to the Pushgateway at url, replacing the
// metrics previously pushed for the same job and run id. An empty runID pushes
// without the run_id grouping label.
func Push(ctx context.Context, url, job, runID string) error {
	if job == "" {
		return ErrNoJob
	}

	pusher := push.New(url, job).Gatherer(Gatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{endpoint, status} (Counter): Requests by collection endpoint and HTTP status
//   - harvester_request_duration_seconds{endpoint} (Histogram): Request duration by collection endpoint
//   - harvester_errors_total{class} (Counter): Errors by class (client, server, network, decode)
//
// Page Metrics (pkg/pagination):
//   - harvester_pages_fetched_total{collection} (Counter): Pages fetched successfully, probe included
//   - harvester_page_failures_total{collection, class} (Counter): Pages dropped after a failed fetch
//
// Sink Metrics (pkg/sink):
//   - harvester_sink_writes_total{sink, outcome} (Counter): Document writes by sink kind and outcome
//   - harvester_sink_bytes_written_total{sink} (Counter): Bytes written by sink kind
//
// Pipeline Metrics (pkg/harvest):
//   - harvester_collections_total{outcome} (Counter): Collections finished by outcome
//   - harvester_collection_duration_seconds{collection} (Gauge): Wall time of the last run per collection
//   - harvester_records_written{collection} (Gauge): Records in the last written document
//
// Example Prometheus Queries:
//
//   # Page failure ratio per collection
//   sum by (collection) (harvester_page_failures_total) /
//   sum by (collection) (harvester_pages_fetched_total + harvester_page_failures_total)
//
//   # Collections that failed in the last push
//   harvester_collections_total{outcome="failed"} > 0
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
