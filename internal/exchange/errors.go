package exchange

import (
	"errors"
	"fmt"
)

// ErrEmptyMarketData indicates the venue returned a well-formed but empty
// payload (no candles, no book levels).
var ErrEmptyMarketData = errors.New("empty market data")

// RetriableError wraps transient upstream failures (network errors, 5xx).
// Callers may retry with backoff.
type RetriableError struct {
	Op  string
	Err error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("retriable exchange error in %s: %v", e.Op, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// PermanentError wraps failures that retrying cannot fix (authentication,
// malformed responses, 4xx).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent exchange error in %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetriable reports whether err (or anything it wraps) is a transient
// upstream failure.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}
