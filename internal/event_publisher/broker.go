package event_publisher

import (
	"context"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/openshift-hyperfleet/hyperfleet-broker/broker"
)

// BrokerSink publishes through hyperfleet-broker. The broker library reads
// its configuration from the environment:
//   - BROKER_TYPE: "rabbitmq" or "googlepubsub"
//   - BROKER_RABBITMQ_URL: RabbitMQ URL (for rabbitmq)
//   - BROKER_GOOGLEPUBSUB_PROJECT_ID: GCP project ID (for googlepubsub)
type BrokerSink struct {
	publisher broker.Publisher
}

var _ Sink = (*BrokerSink)(nil)

func NewBrokerSink(log logger.Logger) (*BrokerSink, error) {
	publisher, err := broker.NewPublisher(log)
	if err != nil {
		return nil, errors.BrokerConnectionError("failed to create broker publisher: %v", err)
	}
	return &BrokerSink{publisher: publisher}, nil
}

func (s *BrokerSink) Publish(ctx context.Context, topic string, evt *event.Event) error {
	if err := s.publisher.Publish(ctx, topic, evt); err != nil {
		return errors.BrokerConnectionError("failed to publish %s to %s: %v", evt.ID(), topic, err)
	}
	return nil
}

func (s *BrokerSink) Close() error {
	return s.publisher.Close()
}
