// Package sink persists encoded collection documents.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrWriteFailed wraps any persistence failure. It is fatal for the collection.
var ErrWriteFailed = errors.New("write failed")

var (
	// WritesTotal counts document writes by sink kind and outcome.
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_sink_writes_total",
			Help: "Total number of document writes by sink and outcome",
		},
		[]string{"sink", "outcome"}, // "file"/"redis", "ok"/"error"
	)

	// BytesWritten counts document bytes written by sink kind.
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_sink_bytes_written_total",
			Help: "Total number of document bytes written by sink",
		},
		[]string{"sink"},
	)
)

// Document is one encoded collection ready to be persisted.
type Document struct {
	Collection string
	RunID      string
	Records    int
	Pages      int
	Data       []byte
}

// Sink persists a document and returns where it was written.
type Sink interface {
	Write(ctx context.Context, doc Document) (location string, err error)
}

// multi writes to several sinks in order.
type multi []Sink

// Multi returns a sink writing to every given sink in order. The first
// failing sink aborts the write. Locations are joined with ", ".
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

// Write implements Sink.
func (m multi) Write(ctx context.Context, doc Document) (string, error) {
	var location string
	for _, s := range m {
		loc, err := s.Write(ctx, doc)
		if err != nil {
			return location, err
		}
		if location != "" {
			location += ", "
		}
		location += loc
	}
	return location, nil
}

func observe(kind string, doc Document, err error) error {
	if err != nil {
		WritesTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("%w: %s sink, collection %s: %w", ErrWriteFailed, kind, doc.Collection, err)
	}
	WritesTotal.WithLabelValues(kind, "ok").Inc()
	BytesWritten.WithLabelValues(kind).Add(float64(len(doc.Data)))
	return nil
}
