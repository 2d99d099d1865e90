// Package pubsub builds the watermill transports behind the fan-out bus.
// Production runs on an AMQP topic exchange; tests and single-node
// deployments run on watermill's in-process GoChannel.
package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetaRoutingKey carries the original routing key on every bus message so
// handlers can route uniformly regardless of the underlying transport.
const MetaRoutingKey = "routing_key"

// Subscription pairs a subscriber with the concrete topic to consume from.
// The topic differs per transport: AMQP consumes the caller's binding
// pattern, GoChannel consumes the constant internal topic.
type Subscription struct {
	Subscriber message.Subscriber
	Topic      string
}

// Factory abstracts transport construction.
type Factory interface {
	// BuildPublisher returns a publisher that treats the publish topic as
	// the routing key.
	BuildPublisher() (message.Publisher, error)
	// BuildSubscriber binds a queue to the routing-key pattern.
	BuildSubscriber(queue, topicPattern string) (*Subscription, error)
	Close() error
}
