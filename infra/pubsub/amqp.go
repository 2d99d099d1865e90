package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// amqpFactory builds publishers and subscribers on one durable topic
// exchange. The watermill publish topic doubles as the AMQP routing key;
// subscriber queues bind with wildcard patterns
// (im_message.v1.#).
type amqpFactory struct {
	url      string
	exchange string
	logger   watermill.LoggerAdapter

	closers []interface{ Close() error }
}

func NewAMQPFactory(url, exchange string, logger watermill.LoggerAdapter) Factory {
	return &amqpFactory{url: url, exchange: exchange, logger: logger}
}

func (f *amqpFactory) config(queue string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(f.url, func(string) string { return queue })

	cfg.Exchange.GenerateName = func(string) string { return f.exchange }
	cfg.Exchange.Type = "topic"
	cfg.Exchange.Durable = true

	// The watermill topic is the routing key on both ends.
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }

	return cfg
}

func (f *amqpFactory) BuildPublisher() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(f.config(""), f.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp publisher: %w", err)
	}
	f.closers = append(f.closers, pub)
	return pub, nil
}

func (f *amqpFactory) BuildSubscriber(queue, topicPattern string) (*Subscription, error) {
	sub, err := amqp.NewSubscriber(f.config(queue), f.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp subscriber %s: %w", queue, err)
	}
	f.closers = append(f.closers, sub)
	return &Subscription{Subscriber: sub, Topic: topicPattern}, nil
}

func (f *amqpFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
