package errors

import (
	"context"
	"errors"
	"fmt"
)

// StoreError is returned by cache store operations.
// Retryable tells the caller whether repeating the same operation may succeed
// (connection loss, serialization failure, shutdown of the database server).
type StoreError struct {
	// Op is the store operation, e.g. "upsert", "tombstone", "list"
	Op string
	// Key is the string form of the object key, empty for multi-key operations
	Key       string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Key != "" {
		return fmt.Sprintf("cache store %s of %s failed (%s): %v", e.Op, e.Key, kind, e.Err)
	}
	return fmt.Sprintf("cache store %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err, or any error it wraps, is worth retrying.
// Context cancellation is never retryable; a deadline only when a StoreError says so.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// a store timeout is flagged by the store itself
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		switch serviceErr.Code {
		case ErrorStoreUnavailable, ErrorClusterUnavailable, ErrorBrokerConnectionError:
			return true
		}
	}
	return false
}
