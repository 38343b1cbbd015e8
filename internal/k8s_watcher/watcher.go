// Package k8s_watcher reconciles watch streams into the object cache.
//
// One loop runs per target. Every event becomes a conditional cache write
// and, when the write changed the cache, a Handler call made while the key
// lock is held, so notifications for one key never overlap. Listings
// tombstone the cached objects they no longer contain and send again every
// change whose notification was never acknowledged, which makes delivery
// at-least-once across restarts.
package k8s_watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/watch_stream"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	pkgotel "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/otel"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/keymutex"
)

const tracerName = "k8s-cache-watcher"

type Option func(*Watcher)

// WithMetrics replaces the default unregistered metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithDeferredAck leaves acknowledging changes to the handler side, for
// handlers that accept a change before it is delivered, such as a queue.
func WithDeferredAck() Option {
	return func(w *Watcher) { w.deferredAck = true }
}

// WithClusterStateReporter reports aggregated cluster states, usually to the health server.
func WithClusterStateReporter(r ClusterStateReporter) Option {
	return func(w *Watcher) { w.reporter = r }
}

type Watcher struct {
	cfg        Config
	cache      k8s_cache.ObjectCache
	subscriber watch_stream.Subscriber
	handler    Handler
	log        logger.Logger

	metrics     *Metrics
	reporter    ClusterStateReporter
	status      *statusTracker
	locks       keymutex.KeyMutex
	deferredAck bool
	// handedOver holds, per target, the changes a deferring handler accepted
	// in this process. Listings do not send them again while they are in flight.
	handedOver map[Target]map[k8s_cache.ObjectKey]handover
}

type handover struct {
	rv      k8s_cache.ResourceVersion
	deleted bool
}

// New creates a Watcher. A nil handler discards changes.
func New(cfg Config, cache k8s_cache.ObjectCache, subscriber watch_stream.Subscriber, handler Handler, log logger.Logger, opts ...Option) (*Watcher, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("at least one watch target is required")
	}
	seen := make(map[string]struct{}, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if _, dup := seen[t.String()]; dup {
			return nil, fmt.Errorf("duplicate watch target %s", t)
		}
		seen[t.String()] = struct{}{}
	}
	if handler == nil {
		handler = NopHandler
	}

	cfg = cfg.withDefaults()
	w := &Watcher{
		cfg:        cfg,
		cache:      cache,
		subscriber: subscriber,
		handler:    handler,
		log:        log,
		// a handler blocked on backpressure also stalls the keys sharing its bucket
		locks: keymutex.NewHashed(cfg.LockBuckets),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	if w.deferredAck {
		w.handedOver = make(map[Target]map[k8s_cache.ObjectKey]handover, len(w.cfg.Targets))
		for _, t := range w.cfg.Targets {
			w.handedOver[t] = make(map[k8s_cache.ObjectKey]handover)
		}
	}
	w.status = newStatusTracker(w.cfg.Targets, w.reporter)
	return w, nil
}

// Run watches every target and purges old tombstones until ctx is done.
// It returns after all loops have stopped; writes in flight at cancellation
// finish within the write timeout.
func (w *Watcher) Run(ctx context.Context) error {
	w.status.reportAll()

	var wg sync.WaitGroup
	for _, t := range w.cfg.Targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			w.runTarget(ctx, t)
		}(t)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, w.purge, w.cfg.PurgeInterval)
	}()

	wg.Wait()
	w.log.Infof(ctx, "Stopped %d watch targets", len(w.cfg.Targets))
	return nil
}

// Status returns the state of every target in configuration order.
func (w *Watcher) Status() []TargetStatus {
	return w.status.snapshot()
}

// Stale reports whether the cached state of key may lag behind its cluster.
func (w *Watcher) Stale(key k8s_cache.ObjectKey) bool {
	return w.status.stale(key)
}

func (w *Watcher) runTarget(ctx context.Context, t Target) {
	ctx = logger.WithClusterID(ctx, string(t.Cluster))
	ctx = logger.WithResourceType(ctx, t.GVK.Kind)
	ctx = logger.WithNamespace(ctx, t.Namespace)

	events, err := w.subscriber.Subscribe(ctx, t.Cluster, t.GVK, t.Namespace)
	if err != nil {
		w.status.unavailable(t, err)
		w.metrics.setDegraded(t, true)
		w.log.Errorf(logger.WithErrorField(ctx, err), "Not watching %s", t)
		return
	}

	w.log.Infof(ctx, "Watching %s", t)
	for ev := range events {
		w.handle(ctx, t, ev)
	}
}

func (w *Watcher) handle(ctx context.Context, t Target, ev watch_stream.Event) {
	switch ev.Type {
	case watch_stream.Added, watch_stream.Modified:
		w.upsert(ctx, t, ev)
	case watch_stream.Deleted:
		w.delete(ctx, t, ev)
	case watch_stream.Bookmark:
		w.status.advance(t, ev.ResourceVersion)
	case watch_stream.Resynced:
		w.resync(ctx, t, ev)
	case watch_stream.Error:
		if w.status.failed(t, ev.Err, ev.Degraded) {
			w.metrics.setDegraded(t, true)
			w.log.Errorf(logger.WithErrorField(ctx, ev.Err), "Target %s degraded, cached objects are served as stale", t)
		}
	}
}

func (w *Watcher) upsert(ctx context.Context, t Target, ev watch_stream.Event) {
	key := k8s_cache.KeyFor(t.Cluster, ev.Object)
	userID := t.Owner.UserID(ev.Object)

	ctx, span := w.startSpan(ctx, "Upsert", key, ev.ResourceVersion)
	defer span.End()
	ctx = logger.WithUserID(ctx, userID)

	unlock := w.lock(key)
	defer unlock()

	var applied bool
	err := w.store(ctx, t, "upsert", func(sctx context.Context) error {
		var err error
		applied, err = w.cache.Upsert(sctx, key, ev.Object, ev.ResourceVersion, userID)
		return err
	})
	if err != nil {
		w.storeFailed(ctx, span, t, ev.Type, err)
		return
	}
	w.status.advance(t, ev.ResourceVersion)

	if !applied {
		w.metrics.event(t, string(ev.Type), resultStale)
		w.log.Debugf(ctx, "Discarding stale %s event at resource version %d", ev.Type, ev.ResourceVersion)
		return
	}
	w.metrics.event(t, string(ev.Type), resultApplied)
	w.dispatch(ctx, t, key, Change{
		Type:            ChangeUpserted,
		UserID:          userID,
		ResourceVersion: ev.ResourceVersion,
		Manifest:        ev.Object,
	})
}

func (w *Watcher) delete(ctx context.Context, t Target, ev watch_stream.Event) {
	key := k8s_cache.KeyFor(t.Cluster, ev.Object)

	ctx, span := w.startSpan(ctx, "Tombstone", key, ev.ResourceVersion)
	defer span.End()

	changed, err := w.remove(ctx, t, key, ev.ResourceVersion, t.Owner.UserID(ev.Object), ev.Object)
	switch {
	case err != nil:
		w.storeFailed(ctx, span, t, ev.Type, err)
	case changed:
		w.metrics.event(t, string(ev.Type), resultApplied)
	default:
		w.metrics.event(t, string(ev.Type), resultDuplicate)
		w.log.Debugf(ctx, "Object already deleted at resource version %d", ev.ResourceVersion)
	}
	w.status.advance(t, ev.ResourceVersion)
}

// remove tombstones key and sends a deletion notice when the key was not
// already tombstoned.
func (w *Watcher) remove(ctx context.Context, t Target, key k8s_cache.ObjectKey, rv k8s_cache.ResourceVersion, userID string, last k8s_cache.Manifest) (bool, error) {
	unlock := w.lock(key)
	defer unlock()

	var changed bool
	err := w.store(ctx, t, "tombstone", func(sctx context.Context) error {
		var err error
		changed, err = w.cache.Tombstone(sctx, key, rv)
		return err
	})
	if err != nil || !changed {
		return false, err
	}
	w.dispatch(ctx, t, key, Change{
		Type:            ChangeDeleted,
		UserID:          userID,
		ResourceVersion: rv,
		Manifest:        last,
	})
	return true, nil
}

// resync tombstones every live cached object of t the listing did not
// contain and sends the pending changes of the others again.
func (w *Watcher) resync(ctx context.Context, t Target, ev watch_stream.Event) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Resync", trace.WithAttributes(
		attribute.String("k8s_cache.target", t.String()),
		attribute.Int("k8s_cache.listed", len(ev.Listed)),
	))
	defer span.End()
	ctx = pkgotel.WithSpanLogFields(ctx)

	filter := t.filter()
	filter.IncludeDeleted = true

	var cached []k8s_cache.CachedObject
	err := w.store(ctx, t, "list", func(sctx context.Context) error {
		var err error
		cached, err = w.cache.List(sctx, filter)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache list failed")
		w.log.Errorf(logger.WithErrorField(ctx, err), "Resync of %s could not read the cache", t)
		return
	}

	w.forgetAcknowledged(t, cached)

	tombstoned, replayed := 0, 0
	for i := range cached {
		obj := &cached[i]
		objCtx := logger.WithObjectKey(ctx, obj.Key.String())
		if _, listed := ev.Listed[obj.Key]; listed || obj.Deleted {
			if obj.Pending && !w.inFlight(t, obj) {
				w.replay(objCtx, t, obj)
				replayed++
			}
			continue
		}
		changed, err := w.remove(objCtx, t, obj.Key, max(ev.ResourceVersion, obj.ResourceVersion), obj.UserID, nil)
		if err != nil {
			w.storeFailed(objCtx, span, t, watch_stream.Resynced, err)
			continue
		}
		if changed {
			tombstoned++
			w.log.Infof(objCtx, "Object disappeared while %s was not watched", t)
		}
	}

	w.metrics.resync(t, tombstoned)
	w.metrics.replay(t, replayed)
	if w.status.synced(t, ev.ResourceVersion) {
		w.metrics.setDegraded(t, false)
		w.log.Infof(ctx, "Target %s recovered", t)
	}
	w.log.Infof(ctx, "Resynced %s at resource version %d: %d listed, %d tombstoned, %d unacknowledged changes sent again",
		t, ev.ResourceVersion, len(ev.Listed), tombstoned, replayed)
}

// inFlight reports whether the pending change of obj was accepted by a
// deferring handler in this process.
func (w *Watcher) inFlight(t Target, obj *k8s_cache.CachedObject) bool {
	h, ok := w.handedOver[t][obj.Key]
	return ok && h.rv == obj.PendingVersion && h.deleted == obj.Deleted
}

// forgetAcknowledged drops the handovers of t whose change is no longer pending.
func (w *Watcher) forgetAcknowledged(t Target, cached []k8s_cache.CachedObject) {
	handed := w.handedOver[t]
	if len(handed) == 0 {
		return
	}
	pending := make(map[k8s_cache.ObjectKey]struct{})
	for i := range cached {
		if cached[i].Pending {
			pending[cached[i].Key] = struct{}{}
		}
	}
	for key := range handed {
		if _, ok := pending[key]; !ok {
			delete(handed, key)
		}
	}
}

// replay dispatches the pending change of obj. Its earlier notification
// failed or was lost before being acknowledged.
func (w *Watcher) replay(ctx context.Context, t Target, obj *k8s_cache.CachedObject) {
	unlock := w.lock(obj.Key)
	defer unlock()

	change := Change{
		Type:            ChangeUpserted,
		UserID:          obj.UserID,
		ResourceVersion: obj.PendingVersion,
		Manifest:        obj.Manifest,
	}
	if obj.Deleted {
		change.Type = ChangeDeleted
		if len(obj.Manifest) == 0 {
			change.Manifest = nil
		}
		if change.UserID == "" {
			change.UserID = t.Owner.UserID(obj.Manifest)
		}
	}
	w.log.Infof(ctx, "Sending unacknowledged %s change at resource version %d again", change.Type, change.ResourceVersion)
	w.dispatch(ctx, t, obj.Key, change)
}

// store runs fn on a context detached from ctx cancellation and bounded by
// the write timeout, retrying retryable failures until ctx is done.
func (w *Watcher) store(ctx context.Context, t Target, op string, fn func(context.Context) error) error {
	attempt := func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
		defer cancel()
		err := fn(sctx)
		if err != nil && !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		w.metrics.storeRetry(t, op)
		w.log.Warnf(logger.WithErrorField(ctx, err), "Cache %s failed, retrying in %s", op, next)
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(w.newBackOff(), ctx), notify)
}

// dispatch calls the handler until it succeeds or ctx is done, then clears
// the pending mark unless the handler side acknowledges on its own. A change
// given up on stays pending and is sent again after the next listing.
func (w *Watcher) dispatch(ctx context.Context, t Target, key k8s_cache.ObjectKey, change Change) {
	attempt := func() error {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
		defer cancel()
		return w.handler.OnChange(hctx, key, change)
	}
	notify := func(err error, next time.Duration) {
		w.metrics.handlerRetry(t)
		w.log.Warnf(logger.WithErrorField(ctx, err), "Change handler failed, retrying in %s", next)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(w.newBackOff(), ctx), notify); err != nil {
		w.log.Warnf(logger.WithErrorField(ctx, err), "Deferring %s notification for %s to the next listing", change.Type, key)
		return
	}
	if w.deferredAck {
		w.handedOver[t][key] = handover{rv: change.ResourceVersion, deleted: change.Type == ChangeDeleted}
		return
	}

	err := w.store(ctx, t, "acknowledge", func(sctx context.Context) error {
		_, err := w.cache.Acknowledge(sctx, key, change.ResourceVersion, change.Type == ChangeDeleted)
		return err
	})
	if err != nil {
		w.log.Warnf(logger.WithErrorField(ctx, err), "Delivered %s notification for %s stays pending", change.Type, key)
	}
}

func (w *Watcher) storeFailed(ctx context.Context, span trace.Span, t Target, eventType watch_stream.EventType, err error) {
	w.metrics.event(t, string(eventType), resultFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, "cache write failed")
	if ctx.Err() != nil {
		w.log.Warnf(logger.WithErrorField(ctx, err), "Abandoned %s event at shutdown", eventType)
		return
	}
	w.log.Errorf(logger.WithErrorField(ctx, err), "Dropping %s event, cache write failed", eventType)
}

func (w *Watcher) purge(ctx context.Context) {
	n, err := w.cache.PurgeTombstonesOlderThan(ctx, w.cfg.TombstoneTTL)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warnf(logger.WithErrorField(ctx, err), "Tombstone purge failed")
		}
		return
	}
	w.metrics.purged.Add(float64(n))
	if n > 0 {
		w.log.Infof(ctx, "Purged %d tombstones older than %s", n, w.cfg.TombstoneTTL)
	}
}

func (w *Watcher) startSpan(ctx context.Context, name string, key k8s_cache.ObjectKey, rv k8s_cache.ResourceVersion) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("k8s_cache.cluster", string(key.Cluster)),
		attribute.String("k8s_cache.key", key.String()),
		attribute.String("k8s_cache.resource_version", rv.String()),
	))
	ctx = logger.WithObjectKey(ctx, key.String())
	return pkgotel.WithSpanLogFields(ctx), span
}

func (w *Watcher) lock(key k8s_cache.ObjectKey) func() {
	id := key.String()
	w.locks.LockKey(id)
	return func() { _ = w.locks.UnlockKey(id) }
}

func (w *Watcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInitial
	b.MaxInterval = w.cfg.RetryMax
	b.MaxElapsedTime = 0
	return b
}
