package logger

import (
	"context"
	"errors"
	"io"

	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// WithErrorField returns a context carrying the error message under "error".
// Unexpected errors also get a "stack_trace" field pointing at the caller.
// A nil error returns ctx unchanged.
func WithErrorField(ctx context.Context, err error) context.Context {
	if err == nil {
		return ctx
	}
	fields := LogFields{"error": err.Error()}
	if shouldCaptureStackTrace(err) {
		fields["stack_trace"] = GetStackTrace(1)
	}
	return WithLogFields(ctx, fields)
}

// shouldCaptureStackTrace is false for errors that are part of normal operation:
// cancellation, API server status responses, retryable store failures and
// service errors describing bad input or unavailable clusters.
func shouldCaptureStackTrace(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return false
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return false
	}

	var storeErr *apperrors.StoreError
	if errors.As(err, &storeErr) && storeErr.Retryable {
		return false
	}

	var serviceErr *apperrors.ServiceError
	if errors.As(err, &serviceErr) {
		return !serviceErr.IsExpected()
	}

	return true
}
