// Package watch_stream turns the list and watch calls of a cluster into one
// unbounded, ordered stream of changes per (cluster, kind, namespace).
//
// A stream starts with a full list emitted as Added events followed by a
// Resynced marker, then watches from the list's resource version. Expired
// resource versions trigger a new list. Other failures are retried with
// exponential backoff and reported as Error events; the stream never ends
// before its context.
package watch_stream

import (
	"context"
	"fmt"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/cluster_registry"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// Defaults for Config fields left zero.
const (
	DefaultInitialBackoff   = 800 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultDegradedAfter    = 5 * time.Minute
	DefaultMinWatchDuration = time.Second
)

// Subscriber opens streams. The returned channel is closed only after ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, cluster k8s_cache.ClusterID, gvk schema.GroupVersionKind, namespace string) (<-chan Event, error)
}

type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DegradedAfter is how long failures may last before Error events are marked degraded
	DegradedAfter time.Duration
	// MinWatchDuration: a watch closing sooner without delivering an event counts as a failure
	MinWatchDuration time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = DefaultDegradedAfter
	}
	if c.MinWatchDuration <= 0 {
		c.MinWatchDuration = DefaultMinWatchDuration
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Streams subscribes to clusters of a registry.
type Streams struct {
	registry *cluster_registry.Registry
	cfg      Config
	log      logger.Logger
}

var _ Subscriber = (*Streams)(nil)

func NewStreams(registry *cluster_registry.Registry, cfg Config, log logger.Logger) *Streams {
	return &Streams{registry: registry, cfg: cfg.withDefaults(), log: log}
}

// Subscribe starts a stream for gvk on cluster. An empty namespace means the
// cluster's configured namespace. It fails only when the cluster is not
// available in the registry.
func (s *Streams) Subscribe(ctx context.Context, cluster k8s_cache.ClusterID, gvk schema.GroupVersionKind, namespace string) (<-chan Event, error) {
	c, err := s.registry.Get(cluster)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = c.Namespace
	}

	st := &stream{
		client:    c.Client,
		cluster:   cluster,
		gvk:       gvk,
		namespace: namespace,
		cfg:       s.cfg,
		log:       s.log,
		out:       make(chan Event),
	}
	ctx = logger.WithClusterID(ctx, string(cluster))
	ctx = logger.WithResourceType(ctx, gvk.Kind)
	ctx = logger.WithNamespace(ctx, namespace)
	go st.run(ctx)
	return st.out, nil
}

type stream struct {
	client    k8s_client.ListerWatcher
	cluster   k8s_cache.ClusterID
	gvk       schema.GroupVersionKind
	namespace string
	cfg       Config
	log       logger.Logger
	out       chan Event

	backoff      *backoff.ExponentialBackOff
	failingSince time.Time
}

func (s *stream) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *stream) run(ctx context.Context) {
	defer close(s.out)
	s.backoff = s.newBackOff()

	needList := true
	resumeFrom := ""
	for ctx.Err() == nil {
		if needList {
			rv, err := s.list(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !s.failed(ctx, fmt.Errorf("list %s: %w", s.gvk.Kind, err)) {
					return
				}
				continue
			}
			s.recovered()
			resumeFrom = rv
			needList = false
		}

		res := s.watch(ctx, resumeFrom)
		if ctx.Err() != nil {
			return
		}
		if res.lastRV != "" {
			resumeFrom = res.lastRV
		}

		switch {
		case res.expired:
			s.log.Infof(ctx, "Resource version %s of %s expired, re-listing", resumeFrom, s.gvk.Kind)
			needList = true
		case res.err != nil:
			if res.healthy {
				s.recovered()
			}
			if !s.failed(ctx, res.err) {
				return
			}
			// a degraded stream re-lists so its recovery shows up as a Resynced event
			if s.isDegraded() {
				needList = true
			}
		default:
			s.recovered()
			s.log.Debugf(ctx, "Watch of %s closed, resuming from %s", s.gvk.Kind, resumeFrom)
		}
	}
}

// failed emits an Error event and waits for the next backoff interval.
// It returns false when ctx is done.
func (s *stream) failed(ctx context.Context, err error) bool {
	now := s.cfg.Now()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	degraded := s.isDegraded()

	errCtx := logger.WithErrorField(ctx, err)
	if degraded {
		s.log.Errorf(errCtx, "Cluster %s degraded: %s stream failing since %s", s.cluster, s.gvk.Kind, s.failingSince.Format(time.RFC3339))
	} else {
		s.log.Warnf(errCtx, "Stream of %s failed, retrying", s.gvk.Kind)
	}

	if !s.emit(ctx, Event{Type: Error, Err: err, Degraded: degraded}) {
		return false
	}

	wait := s.backoff.NextBackOff()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *stream) isDegraded() bool {
	return !s.failingSince.IsZero() && s.cfg.Now().Sub(s.failingSince) >= s.cfg.DegradedAfter
}

func (s *stream) recovered() {
	s.failingSince = time.Time{}
	s.backoff.Reset()
}

func (s *stream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// list emits every listed object as Added, then Resynced, and returns the
// collection resource version to watch from.
func (s *stream) list(ctx context.Context) (string, error) {
	list, err := s.client.ListResources(ctx, s.gvk, s.namespace, "")
	if err != nil {
		return "", err
	}

	listed := make(map[k8s_cache.ObjectKey]struct{}, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		if item.GetKind() == "" {
			item.SetGroupVersionKind(s.gvk)
		}
		m := k8s_cache.ManifestFromUnstructured(item)
		listed[k8s_cache.KeyFor(s.cluster, m)] = struct{}{}

		rv, err := k8s_cache.ParseResourceVersion(m.ResourceVersion())
		if err != nil {
			s.malformed(ctx, m.Name(), err)
			continue
		}
		if !s.emit(ctx, Event{Type: Added, Object: m, ResourceVersion: rv}) {
			return "", ctx.Err()
		}
	}

	// the collection version is only a resume token; 0 when it is not numeric
	listRV, _ := k8s_cache.ParseResourceVersion(list.GetResourceVersion())
	if !s.emit(ctx, Event{Type: Resynced, Listed: listed, ResourceVersion: listRV}) {
		return "", ctx.Err()
	}
	s.log.Infof(ctx, "Listed %d %s objects at resource version %s", len(list.Items), s.gvk.Kind, list.GetResourceVersion())
	return list.GetResourceVersion(), nil
}

type watchResult struct {
	lastRV string
	// healthy: the watch delivered events or stayed open for MinWatchDuration
	healthy bool
	expired bool
	err     error
}

func (s *stream) watch(ctx context.Context, resourceVersion string) watchResult {
	w, err := s.client.WatchResources(ctx, s.gvk, s.namespace, resourceVersion)
	if err != nil {
		if isExpired(err) {
			return watchResult{expired: true}
		}
		return watchResult{err: fmt.Errorf("watch %s: %w", s.gvk.Kind, err)}
	}
	defer w.Stop()

	started := s.cfg.Now()
	var res watchResult
	for {
		select {
		case <-ctx.Done():
			return res
		case ev, ok := <-w.ResultChan():
			if !ok {
				if res.healthy || s.cfg.Now().Sub(started) >= s.cfg.MinWatchDuration {
					res.healthy = true
					return res
				}
				res.err = errors.ClusterUnavailable("watch of %s closed after %s without events", s.gvk.Kind, s.cfg.Now().Sub(started))
				return res
			}

			if ev.Type == watch.Error {
				statusErr := apierrors.FromObject(ev.Object)
				if isExpired(statusErr) {
					res.expired = true
					return res
				}
				res.err = fmt.Errorf("watch %s: %w", s.gvk.Kind, statusErr)
				return res
			}

			res.healthy = true
			out, rv, ok := s.convert(ctx, ev)
			if !ok {
				continue
			}
			res.lastRV = rv
			if !s.emit(ctx, out) {
				return res
			}
		}
	}
}

// convert maps a watch event. Malformed events are logged and skipped.
func (s *stream) convert(ctx context.Context, ev watch.Event) (Event, string, bool) {
	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		s.malformed(ctx, "", fmt.Errorf("unexpected object type %T", ev.Object))
		return Event{}, "", false
	}
	m := k8s_cache.ManifestFromUnstructured(obj)
	rv, err := k8s_cache.ParseResourceVersion(m.ResourceVersion())
	if err != nil {
		s.malformed(ctx, m.Name(), err)
		return Event{}, "", false
	}

	out := Event{ResourceVersion: rv}
	switch ev.Type {
	case watch.Added:
		out.Type = Added
	case watch.Modified:
		out.Type = Modified
	case watch.Deleted:
		out.Type = Deleted
	case watch.Bookmark:
		return Event{Type: Bookmark, ResourceVersion: rv}, m.ResourceVersion(), true
	default:
		s.malformed(ctx, m.Name(), fmt.Errorf("unknown watch event type %q", ev.Type))
		return Event{}, "", false
	}

	if obj.GetKind() == "" {
		obj.SetGroupVersionKind(s.gvk)
	}
	out.Object = m
	return out, m.ResourceVersion(), true
}

func (s *stream) malformed(ctx context.Context, name string, err error) {
	if name != "" {
		ctx = logger.WithResourceID(ctx, name)
	}
	errCtx := logger.WithErrorField(ctx, errors.MalformedEvent("%s event discarded: %v", s.gvk.Kind, err))
	s.log.Warn(errCtx, "Discarding malformed watch event")
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
