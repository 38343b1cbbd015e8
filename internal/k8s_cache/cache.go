// Package k8s_cache persists the last known state of watched Kubernetes objects.
//
// All writes are conditional on the resource version so that duplicate and
// out-of-order delivery converge to the newest state. Deletes always win and
// leave a tombstone until it is purged. A write that changed a record marks it
// pending until its notification is acknowledged, so undelivered changes
// survive a restart.
package k8s_cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for unknown and tombstoned keys.
var ErrNotFound = errors.New("cached object not found")

// Reader is the read side of the cache. Readers never block writers.
type Reader interface {
	// Get returns the live object for key, or ErrNotFound.
	Get(ctx context.Context, key ObjectKey) (*CachedObject, error)
	// List returns matching objects ordered by key.
	List(ctx context.Context, filter Filter) ([]CachedObject, error)
}

// ObjectCache is the persisted store the reconciler writes.
// Failures are returned as *errors.StoreError.
type ObjectCache interface {
	Reader

	// Upsert stores manifest at rv unless the stored record (live or
	// tombstoned) already has a version >= rv. Applied reports whether the
	// write happened. The check and the write are one atomic step.
	Upsert(ctx context.Context, key ObjectKey, manifest Manifest, rv ResourceVersion, userID string) (applied bool, err error)

	// Tombstone marks key deleted regardless of versions and raises the
	// stored version to at least rv. Unknown keys get a tombstone record.
	// Changed is false when the key was already tombstoned.
	Tombstone(ctx context.Context, key ObjectKey, rv ResourceVersion) (changed bool, err error)

	// Acknowledge clears the pending mark of key when it still refers to the
	// change written at rv (an upsert, or a tombstone when deleted is set).
	// Acknowledged is false when a newer change replaced it.
	Acknowledge(ctx context.Context, key ObjectKey, rv ResourceVersion, deleted bool) (acknowledged bool, err error)

	// PurgeTombstonesOlderThan removes tombstones not touched for age.
	PurgeTombstonesOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
