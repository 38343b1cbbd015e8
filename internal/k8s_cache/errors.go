package k8s_cache

import (
	"context"
	"errors"

	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// errCorruptManifest marks a stored manifest that is not a JSON object.
var errCorruptManifest = errors.New("failed to decode stored manifest")

// storeError wraps a driver error with its retry classification.
func storeError(op string, key string, err error) error {
	return &apperrors.StoreError{Op: op, Key: key, Retryable: isRetryablePgError(err), Err: err}
}

// isRetryablePgError classifies driver failures. Server-reported errors are
// retryable only for classes describing the connection or the server state;
// data and constraint errors would fail the same way again. Errors without a
// SQLSTATE come from the network or the pool and are retryable.
func isRetryablePgError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errCorruptManifest) {
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsTransactionRollback(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return true
		}
		return false
	}
	return true
}
