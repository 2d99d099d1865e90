package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	infrapubsub "github.com/webitel/im-message-service/infra/pubsub"
	"github.com/webitel/im-message-service/internal/domain/event"
)

// EventDispatcher defines the high-level contract for outgoing events.
// This allows services to stay agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, ev event.Eventer) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
}

// NewEventDispatcher returns the interface instead of the concrete struct.
func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

// Publish serializes the event and hands it to the bus. Fire-and-forget
// from the caller's perspective: the outbox is the durable path, the bus
// is the latency optimization.
func (d *eventDispatcher) Publish(ctx context.Context, ev event.Eventer) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	exp, ok := ev.(event.Exportable)
	if !ok {
		return fmt.Errorf("event dispatcher: event %s is not exportable", ev.GetID())
	}
	topic := exp.GetRoutingKey()
	if topic == "" {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(infrapubsub.MetaRoutingKey, topic)

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
