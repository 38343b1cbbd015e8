package event_publisher

import (
	"context"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_watcher"
	"go.opentelemetry.io/otel/trace"
)

// Item is one queued change.
type Item struct {
	Key      k8s_cache.ObjectKey
	Change   k8s_watcher.Change
	Enqueued time.Time
	// span of the cache write, linked from the publish span
	span trace.SpanContext
}

// Queue is the Handler side of the publisher. OnChange blocks while the
// queue is full, which slows the watch loops down instead of losing changes.
type Queue struct {
	items chan Item
	now   func() time.Time
}

var _ k8s_watcher.Handler = (*Queue)(nil)

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{items: make(chan Item, size), now: time.Now}
}

func (q *Queue) OnChange(ctx context.Context, key k8s_cache.ObjectKey, change k8s_watcher.Change) error {
	item := Item{
		Key:      key,
		Change:   change,
		Enqueued: q.now(),
		span:     trace.SpanContextFromContext(ctx),
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of changes waiting to be published.
func (q *Queue) Len() int {
	return len(q.items)
}
