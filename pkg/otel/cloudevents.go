package otel

import (
	"context"
	"fmt"

	"github.com/cloudevents/sdk-go/v2/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// cloudEventCarrier exposes CloudEvent extensions (traceparent, tracestate)
// as a propagation carrier, following the CloudEvents distributed tracing extension.
type cloudEventCarrier struct {
	evt *event.Event
}

var _ propagation.TextMapCarrier = cloudEventCarrier{}

func (c cloudEventCarrier) Get(key string) string {
	v, ok := c.evt.Extensions()[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c cloudEventCarrier) Set(key, value string) {
	// propagator keys are lowercase, which the SDK accepts as extension names
	c.evt.SetExtension(key, value)
}

func (c cloudEventCarrier) Keys() []string {
	keys := make([]string, 0, len(c.evt.Extensions()))
	for k := range c.evt.Extensions() {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContextIntoCloudEvent writes the active span of ctx into evt.
func InjectTraceContextIntoCloudEvent(ctx context.Context, evt *event.Event) {
	if evt == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, cloudEventCarrier{evt: evt})
}

// ExtractTraceContextFromCloudEvent returns ctx with the remote span carried by evt, if any.
func ExtractTraceContextFromCloudEvent(ctx context.Context, evt *event.Event) context.Context {
	if evt == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, cloudEventCarrier{evt: evt})
}
