package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocked means the portal is rate limiting us. Never a task failure.
	ErrBlocked = errors.New("portal blocked the session")
	// ErrNotFound means the search returned no results for the region.
	ErrNotFound = errors.New("search returned no results")
	// ErrTransport covers navigation, timeout and download failures.
	ErrTransport = errors.New("portal transport failure")
	// ErrMalformedExport means the spreadsheet lacks the expected columns.
	ErrMalformedExport = errors.New("malformed export")
	// ErrQueueUnavailable wraps any failure talking to the queue table.
	ErrQueueUnavailable = errors.New("task queue unavailable")
	// ErrPersistence wraps any failure writing the location table.
	ErrPersistence = errors.New("result store rejected write")
	// ErrTaskNotFound means a status update matched no row.
	ErrTaskNotFound = errors.New("task not found")
)

// PersistenceError reports how far an upsert got before failing.
type PersistenceError struct {
	Committed int // records written in batches that committed
	Failed    int // records in the failing batch and after it
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v: %d committed, %d not written: %v", ErrPersistence, e.Committed, e.Failed, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsTaskLevel reports whether err should fail only the current task.
func IsTaskLevel(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransport) || errors.Is(err, ErrMalformedExport)
}

// IsInfrastructure reports whether err means the backing stores are unusable.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrQueueUnavailable) || errors.Is(err, ErrPersistence)
}
