package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("known_code_formats_reason", func(t *testing.T) {
		err := New(ErrorClusterUnavailable, "cluster %s unreachable", "renkulab")
		assert.Equal(t, ErrorClusterUnavailable, err.Code)
		assert.Equal(t, http.StatusServiceUnavailable, err.HttpCode)
		assert.Equal(t, "renku-k8s-cache-14: cluster renkulab unreachable", err.Error())
	})

	t.Run("empty_reason_keeps_default", func(t *testing.T) {
		err := StoreUnavailable("")
		assert.Equal(t, "Cache store unavailable", err.Reason)
	})

	t.Run("unknown_code_falls_back_to_general", func(t *testing.T) {
		err := New(ServiceErrorCode(999), "")
		assert.Equal(t, ErrorGeneral, err.Code)
	})
}

func TestServiceErrorIsExpected(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected bool
	}{
		{"not_found", NotFound("x"), true},
		{"validation", Validation("x"), true},
		{"malformed_event", MalformedEvent("x"), true},
		{"watch_expired", WatchExpired("x"), true},
		{"kubernetes_error", KubernetesError("x"), false},
		{"general", GeneralError("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.IsExpected())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	cause := errors.New("connection reset by peer")

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"retryable_store_error", &StoreError{Op: "upsert", Retryable: true, Err: cause}, true},
		{"wrapped_retryable_store_error", fmt.Errorf("apply: %w", &StoreError{Op: "upsert", Retryable: true, Err: cause}), true},
		{"permanent_store_error", &StoreError{Op: "upsert", Err: cause}, false},
		{"store_unavailable", StoreUnavailable("db down"), true},
		{"validation", Validation("bad"), false},
		{"context_canceled", context.Canceled, false},
		{"store_error_wrapping_cancel", &StoreError{Op: "list", Retryable: true, Err: context.Canceled}, false},
		{"store_error_wrapping_deadline", &StoreError{Op: "upsert", Retryable: true, Err: context.DeadlineExceeded}, true},
		{"bare_deadline", context.DeadlineExceeded, false},
		{"plain", cause, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestStoreErrorMessage(t *testing.T) {
	err := &StoreError{Op: "tombstone", Key: "c1/ns/s1", Retryable: true, Err: errors.New("timeout")}
	assert.Equal(t, "cache store tombstone of c1/ns/s1 failed (retryable): timeout", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
