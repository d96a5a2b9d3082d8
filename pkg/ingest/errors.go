package ingest

import (
	"errors"
	"fmt"
)

// Common errors returned by the ingestion engine.
var (
	// ErrRetryExhausted is returned when all retry attempts for a page are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRunCancelled is returned when a run is cancelled before completion.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrStorageDown is returned when storage failures persist across enough
	// consecutive pages that the run is aborted.
	ErrStorageDown = errors.New("persistent storage failure")
)

// ErrorKind classifies page-level errors and drives the retry/escalate policy.
type ErrorKind string

const (
	// KindTransient represents retryable errors: timeouts, 429, 5xx.
	KindTransient ErrorKind = "transient"

	// KindFatal represents errors that abort the whole run: 401/403,
	// malformed credentials.
	KindFatal ErrorKind = "fatal"

	// KindValidation represents unparseable page bodies. Not retried.
	KindValidation ErrorKind = "validation"

	// KindStorage represents database write failures.
	KindStorage ErrorKind = "storage"
)

// Error is a page-level ingestion error carrying its classification.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Offset     int64
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error at offset %d (status %d): %s: %v",
			e.Kind, e.Offset, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error at offset %d (status %d): %s",
		e.Kind, e.Offset, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
// Unclassified errors are treated as transient so a stray wrapped error
// never silently aborts a run.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindTransient
}

// shouldRetry reports whether an error kind is worth another fetch attempt.
func shouldRetry(kind ErrorKind) bool {
	switch kind {
	case KindTransient:
		return true
	case KindStorage:
		// Storage retries are handled by the commit path, not the fetch path.
		return false
	case KindFatal, KindValidation:
		return false
	default:
		return false
	}
}
