package event_publisher

import (
	"context"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/cloudevents/sdk-go/v2/event"
)

// Sink delivers CloudEvents to a topic.
type Sink interface {
	Publish(ctx context.Context, topic string, evt *event.Event) error
	Close() error
}

// LogSink logs events instead of publishing them. It is used when
// publishing is disabled so that changes stay visible at debug level.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, topic string, evt *event.Event) error {
	s.log.Debugf(ctx, "Change event topic=%s id=%s type=%s subject=%s", topic, evt.ID(), evt.Type(), evt.Subject())
	return nil
}

func (s *LogSink) Close() error { return nil }
