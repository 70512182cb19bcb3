// Package record models a single API entity: a mandatory numeric id plus an
// open set of passthrough fields that are stored as raw JSON and never inspected.
package record

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// IDField is the JSON key carrying the record identifier.
const IDField = "id"

var (
	// ErrMissingID is returned when a record object has no id key.
	ErrMissingID = errors.New("record has no id")

	// ErrInvalidID is returned when the id is not a non-negative integer.
	ErrInvalidID = errors.New("record id is not a non-negative integer")
)

// Record is one entity returned by a collection endpoint.
type Record struct {
	// ID orders records within a collection.
	ID uint64

	// Fields holds every other key of the object, byte for byte.
	Fields map[string]json.RawMessage
}

// UnmarshalJSON splits the object into its id and the remaining fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("decode record: %w", ErrMissingID)
	}

	rawID, ok := fields[IDField]
	if !ok {
		return ErrMissingID
	}

	if bytes.Equal(bytes.TrimSpace(rawID), []byte("null")) {
		return fmt.Errorf("%w: null", ErrInvalidID)
	}

	var id uint64
	dec := json.NewDecoder(bytes.NewReader(rawID))
	if err := dec.Decode(&id); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, string(rawID))
	}

	delete(fields, IDField)
	r.ID = id
	r.Fields = fields
	return nil
}

// MarshalJSON emits a flat object with the id merged into the fields.
// Keys come out sorted, so equal records always encode to equal bytes.
// String values are not HTML-escaped.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[IDField] = json.RawMessage(fmt.Sprintf("%d", r.ID))
	return marshal(flat)
}

// SortByID orders records by id ascending. The sort is stable: records sharing
// an id keep the order in which they were aggregated.
func SortByID(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

// IsSorted reports whether records are in ascending id order.
func IsSorted(records []Record) bool {
	return slices.IsSortedFunc(records, func(a, b Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

// Encode serializes records as a JSON array without a trailing newline.
// A nil slice encodes as an empty array.
func Encode(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return data, nil
}

// marshal is json.Marshal without HTML escaping, so '&', '<' and '>' inside
// passthrough strings are written as received.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
