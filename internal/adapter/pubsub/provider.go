package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"
	infrapubsub "github.com/webitel/im-message-service/infra/pubsub"
)

// PublisherProvider builds bus publishers from the transport factory.
type PublisherProvider struct {
	factory infrapubsub.Factory
}

func NewPublisherProvider(f infrapubsub.Factory) *PublisherProvider {
	return &PublisherProvider{factory: f}
}

func (pp *PublisherProvider) Build() (message.Publisher, error) {
	return pp.factory.BuildPublisher()
}

// SubscriberProvider builds queue-bound subscribers from the transport
// factory.
type SubscriberProvider struct {
	factory infrapubsub.Factory
}

func NewSubscriberProvider(f infrapubsub.Factory) *SubscriberProvider {
	return &SubscriberProvider{factory: f}
}

func (sp *SubscriberProvider) Build(queue, topicPattern string) (*infrapubsub.Subscription, error) {
	return sp.factory.BuildSubscriber(queue, topicPattern)
}
