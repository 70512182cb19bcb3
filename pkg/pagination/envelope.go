package pagination

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/harvester/pkg/record"
)

// ErrMalformedEnvelope indicates a page body without the info/results shape.
var ErrMalformedEnvelope = errors.New("malformed page envelope")

// Info is the pagination metadata of a page envelope.
type Info struct {
	// Count is the total number of records across all pages
	Count uint64 `json:"count"`

	// Pages is the total number of pages
	Pages int `json:"pages"`

	// Next and Prev link neighbouring pages. Pages are addressed by number
	// instead, so these are carried for completeness only.
	Next *string `json:"next"`
	Prev *string `json:"prev"`
}

// Envelope is one API response: pagination info plus one page of records.
type Envelope struct {
	Info    Info            `json:"info"`
	Results []record.Record `json:"results"`
}

// UnmarshalJSON enforces that both info and results are present.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		Info    *Info            `json:"info"`
		Results *[]record.Record `json:"results"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Info == nil {
		return fmt.Errorf("%w: missing info", ErrMalformedEnvelope)
	}
	if wire.Results == nil {
		return fmt.Errorf("%w: missing results", ErrMalformedEnvelope)
	}
	if wire.Info.Pages < 0 {
		return fmt.Errorf("%w: negative page count %d", ErrMalformedEnvelope, wire.Info.Pages)
	}
	// Every page holds at least one record, so pages can never exceed count.
	if uint64(wire.Info.Pages) > max(wire.Info.Count, 1) {
		return fmt.Errorf("%w: %d pages for %d records", ErrMalformedEnvelope, wire.Info.Pages, wire.Info.Count)
	}

	e.Info = *wire.Info
	e.Results = *wire.Results
	return nil
}

// TotalPages returns the number of pages to fetch. An envelope that carries
// records but reports zero pages counts as a single page.
func (e *Envelope) TotalPages() int {
	if e.Info.Pages == 0 && len(e.Results) > 0 {
		return 1
	}
	return e.Info.Pages
}
