package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors (DNS, refused, timeout).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a body that does not match the expected shape.
	ErrorClassDecode ErrorClass = "decode"
)

// APIError represents a failed fetch with its classification.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	URL        string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d) %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d) %s: %s",
		e.ErrorClass, e.StatusCode, e.URL, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify returns the class of an error produced by this package,
// or an empty class for foreign errors.
func Classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// classifyStatus maps non-success status codes to a class.
// Success codes return an empty class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return ""
	case status >= http.StatusInternalServerError:
		return ErrorClassServer
	default:
		// 1xx/3xx that survive redirect handling are not usable bodies either.
		return ErrorClassClient
	}
}
