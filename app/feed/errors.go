package feed

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lysyi3m/rss-autorefresh/app/refresh"
)

// FetchError is a failed download, already classified.
type FetchError struct {
	URL        string
	StatusCode int
	Type       refresh.ErrorType
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failure to persist refresh results.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to store feed: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// TooManyRetriesError is the last failure of a retryable error after every
// attempt was used.
type TooManyRetriesError struct {
	Attempts int
	Err      error
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TooManyRetriesError) Unwrap() error {
	return e.Err
}

// ClassifyError maps any refresh failure onto the error taxonomy reported to
// clients.
func ClassifyError(err error) refresh.ErrorType {
	if err == nil {
		return ""
	}

	var retriesErr *TooManyRetriesError
	if errors.As(err, &retriesErr) {
		return refresh.ErrorTypeTooManyRetries
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Type
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return refresh.ErrorTypeParse
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return refresh.ErrorTypeDatabase
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return refresh.ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return refresh.ErrorTypeTimeout
		}
		return refresh.ErrorTypeNetwork
	}

	return refresh.ErrorTypeUnknown
}
