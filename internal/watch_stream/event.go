package watch_stream

import (
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
)

// EventType is the kind of change carried by an Event.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
	// Bookmark only advances the resume point
	Bookmark EventType = "Bookmark"
	// Error reports a failed list or watch attempt; the stream retries on its own
	Error EventType = "Error"
	// Resynced follows the synthetic Added events of a (re)list and carries
	// the keys the listing contained
	Resynced EventType = "Resynced"
)

// Event is one element of a stream. Object is set for Added, Modified and
// Deleted; Listed for Resynced; Err and Degraded for Error.
type Event struct {
	Type            EventType
	Object          k8s_cache.Manifest
	ResourceVersion k8s_cache.ResourceVersion

	Listed map[k8s_cache.ObjectKey]struct{}

	Err error
	// Degraded is set once failures have lasted longer than the configured
	// threshold. It stays set on every Error until a list succeeds.
	Degraded bool
}
