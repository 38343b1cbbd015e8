// Package event_publisher turns cache changes into CloudEvents.
//
// The reconciler hands changes to a Queue; a Publisher drains it and sends
// one event per change to a Sink, retrying failed sends. With an
// Acknowledger the cache keeps a change pending until its event is sent.
package event_publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_watcher"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	pkgotel "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/otel"
	"github.com/cenkalti/backoff/v4"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	DefaultDrainTimeout = 10 * time.Second
	DefaultRetryInitial = 500 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
	DefaultAckTimeout   = 5 * time.Second

	tracerName = "k8s-cache-publisher"
)

// ChangeData is the JSON payload of a change event.
type ChangeData struct {
	Cluster         string             `json:"cluster"`
	Namespace       string             `json:"namespace"`
	APIVersion      string             `json:"apiVersion"`
	Kind            string             `json:"kind"`
	Name            string             `json:"name"`
	UserID          string             `json:"userId"`
	ResourceVersion string             `json:"resourceVersion"`
	Deleted         bool               `json:"deleted"`
	Manifest        k8s_cache.Manifest `json:"manifest,omitempty"`
}

// EventType returns e.g. "io.renku.k8s.amaltheasession.upserted".
func EventType(kind string, change k8s_watcher.ChangeType) string {
	// a Caser is stateful, one per call
	return fmt.Sprintf("%s.%s.%s", constants.EventTypePrefix, cases.Lower(language.Und).String(kind), change)
}

// EventSource returns e.g. "renku-k8s-cache/renkulab".
func EventSource(cluster k8s_cache.ClusterID) string {
	return constants.EventSourcePrefix + "/" + string(cluster)
}

// BuildEvent creates the CloudEvent for one change.
func BuildEvent(key k8s_cache.ObjectKey, change k8s_watcher.Change, id string, at time.Time) (*event.Event, error) {
	evt := event.New()
	evt.SetID(id)
	evt.SetSource(EventSource(key.Cluster))
	evt.SetType(EventType(key.GVK.Kind, change.Type))
	evt.SetSubject(key.String())
	evt.SetTime(at)

	data := ChangeData{
		Cluster:         string(key.Cluster),
		Namespace:       key.Namespace,
		APIVersion:      key.GVK.GroupVersion().String(),
		Kind:            key.GVK.Kind,
		Name:            key.Name,
		UserID:          change.UserID,
		ResourceVersion: change.ResourceVersion.String(),
		Deleted:         change.Type == k8s_watcher.ChangeDeleted,
		Manifest:        change.Manifest,
	}
	if err := evt.SetData(event.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("failed to set event data: %w", err)
	}
	return &evt, nil
}

// Acknowledger clears the pending mark of a published change.
type Acknowledger interface {
	Acknowledge(ctx context.Context, key k8s_cache.ObjectKey, rv k8s_cache.ResourceVersion, deleted bool) (bool, error)
}

type Option func(*Publisher)

// WithAcknowledger acknowledges every published change to a, usually the object cache.
func WithAcknowledger(a Acknowledger) Option {
	return func(p *Publisher) { p.acks = a }
}

// WithDrainTimeout bounds publishing of queued changes after shutdown starts.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.drainTimeout = d }
}

func WithRetry(initial, maxInterval time.Duration) Option {
	return func(p *Publisher) {
		p.retryInitial = initial
		p.retryMax = maxInterval
	}
}

type Publisher struct {
	queue *Queue
	sink  Sink
	topic string
	log   logger.Logger
	acks  Acknowledger

	drainTimeout time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time
	newID        func() string
}

func New(queue *Queue, sink Sink, topic string, log logger.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		queue:        queue,
		sink:         sink,
		topic:        topic,
		log:          log,
		drainTimeout: DefaultDrainTimeout,
		retryInitial: DefaultRetryInitial,
		retryMax:     DefaultRetryMax,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run publishes queued changes until ctx is done, then drains the queue
// for at most the drain timeout and closes the sink.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Infof(ctx, "Publishing cache changes to topic %s", p.topic)
	for {
		select {
		case item := <-p.queue.items:
			p.publish(ctx, item)
		case <-ctx.Done():
			return p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
	defer cancel()

	drained := 0
	for dctx.Err() == nil {
		select {
		case item := <-p.queue.items:
			p.publish(dctx, item)
			drained++
			continue
		default:
		}
		break
	}
	if left := p.queue.Len(); left > 0 {
		p.log.Warnf(ctx, "Drain timeout reached, %d change events not published", left)
	} else if drained > 0 {
		p.log.Infof(ctx, "Published %d queued change events during shutdown", drained)
	}

	if err := p.sink.Close(); err != nil {
		return fmt.Errorf("failed to close event sink: %w", err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, item Item) {
	ctx = logger.WithObjectKey(ctx, item.Key.String())
	evt, err := BuildEvent(item.Key, item.Change, p.newID(), p.now())
	if err != nil {
		p.log.Errorf(logger.WithErrorField(ctx, err), "Dropping change event")
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithLinks(trace.Link{SpanContext: item.span}),
		trace.WithAttributes(
			attribute.String("cloudevents.event_id", evt.ID()),
			attribute.String("cloudevents.event_type", evt.Type()),
			attribute.String("messaging.destination.name", p.topic),
		))
	defer span.End()
	ctx = pkgotel.WithSpanLogFields(ctx)
	pkgotel.InjectTraceContextIntoCloudEvent(ctx, evt)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInitial
	b.MaxInterval = p.retryMax
	b.MaxElapsedTime = 0

	send := func() error { return p.sink.Publish(ctx, p.topic, evt) }
	notify := func(err error, next time.Duration) {
		p.log.Warnf(logger.WithErrorField(ctx, err), "Publishing %s failed, retrying in %s", evt.Type(), next)
	}
	if err := backoff.RetryNotify(send, backoff.WithContext(b, ctx), notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.log.Warnf(logger.WithErrorField(ctx, err), "Giving up on change event %s", evt.ID())
		return
	}
	p.log.Debugf(ctx, "Published %s id=%s queued for %s", evt.Type(), evt.ID(), p.now().Sub(item.Enqueued))
	p.acknowledge(ctx, item)
}

func (p *Publisher) acknowledge(ctx context.Context, item Item) {
	if p.acks == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultAckTimeout)
	defer cancel()
	deleted := item.Change.Type == k8s_watcher.ChangeDeleted
	if _, err := p.acks.Acknowledge(actx, item.Key, item.Change.ResourceVersion, deleted); err != nil {
		p.log.Warnf(logger.WithErrorField(ctx, err), "Published change stays pending and is sent again after the next listing")
	}
}
