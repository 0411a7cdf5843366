package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/propagation"

	"github.com/shopcore/api/internal/services"
)

var traceCarrier = propagation.TraceContext{}

// PubSubPublisher publishes order events to a Pub/Sub topic. Messages for the same order share an
// ordering key so consumers observe them in sequence.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher wraps topic, enabling message ordering on it.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderEvent satisfies services.OrderEventPublisher and returns the server message id.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) (string, error) {
	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}
	orderingKey := strconv.FormatInt(event.OrderID, 10)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  eventAttributes(ctx, event),
		OrderingKey: orderingKey,
	})
	id, err := result.Get(ctx)
	if err != nil {
		p.topic.ResumePublish(orderingKey)
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// eventAttributes lists routing attributes plus the W3C trace context of ctx.
func eventAttributes(ctx context.Context, event services.OrderEvent) map[string]string {
	attrs := propagation.MapCarrier{
		"eventId":   event.ID,
		"eventType": event.Type,
		"orderId":   strconv.FormatInt(event.OrderID, 10),
	}
	if event.Gateway != "" {
		attrs["gateway"] = event.Gateway
	}
	traceCarrier.Inject(ctx, attrs)
	return attrs
}
