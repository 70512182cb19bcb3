package pagination

import (
	"context"
	"errors"
	"fmt"
)

// ErrProbeFailed wraps any failure of the first-page fetch.
// It is fatal for the collection being harvested.
var ErrProbeFailed = errors.New("page count probe failed")

// JSONFetcher fetches a URL and decodes its JSON body into v.
// *client.Client implements it.
type JSONFetcher interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Probe fetches the first page and returns its envelope, which carries the
// total page count, the total record count and the first page of records.
func Probe(ctx context.Context, fetcher JSONFetcher, url string) (*Envelope, error) {
	var env Envelope
	if err := fetcher.GetJSON(ctx, url, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return &env, nil
}
