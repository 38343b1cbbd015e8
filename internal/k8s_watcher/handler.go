package k8s_watcher

import (
	"context"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
)

// ChangeType says whether a key now holds a new state or was deleted.
type ChangeType string

const (
	ChangeUpserted ChangeType = "upserted"
	ChangeDeleted  ChangeType = "deleted"
)

// Change is a state transition the cache applied.
type Change struct {
	Type            ChangeType
	UserID          string
	ResourceVersion k8s_cache.ResourceVersion
	// Manifest is the new state, or the last known state for deletions. Nil
	// for deletions seen only through a resync.
	Manifest k8s_cache.Manifest
}

// Handler is notified after a change is stored. Calls for one key never
// overlap. A failed call is retried, and a change not acknowledged before a
// restart is sent again, so implementations must be idempotent.
type Handler interface {
	OnChange(ctx context.Context, key k8s_cache.ObjectKey, change Change) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, key k8s_cache.ObjectKey, change Change) error

func (f HandlerFunc) OnChange(ctx context.Context, key k8s_cache.ObjectKey, change Change) error {
	return f(ctx, key, change)
}

// NopHandler discards every change.
var NopHandler Handler = HandlerFunc(func(context.Context, k8s_cache.ObjectKey, Change) error { return nil })
