package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// internalTopic is the single GoChannel topic. GoChannel has no wildcard
// routing, so the in-process transport funnels everything through one
// topic and handlers route on the metadata key instead.
const internalTopic = "im_message.events"

type channelFactory struct {
	bus *gochannel.GoChannel
}

// NewChannelFactory builds the in-process transport. One shared GoChannel
// serves every publisher and subscriber so events cross goroutines, not
// sockets.
func NewChannelFactory(logger watermill.LoggerAdapter) Factory {
	return &channelFactory{
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

func (f *channelFactory) BuildPublisher() (message.Publisher, error) {
	return topicRewritePublisher{next: f.bus}, nil
}

func (f *channelFactory) BuildSubscriber(_, _ string) (*Subscription, error) {
	return &Subscription{Subscriber: f.bus, Topic: internalTopic}, nil
}

func (f *channelFactory) Close() error { return f.bus.Close() }

// topicRewritePublisher collapses routing-key topics onto the internal
// topic. The original key survives in message metadata.
type topicRewritePublisher struct {
	next message.Publisher
}

func (p topicRewritePublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(MetaRoutingKey) == "" {
			msg.Metadata.Set(MetaRoutingKey, topic)
		}
	}
	return p.next.Publish(internalTopic, messages...)
}

func (p topicRewritePublisher) Close() error { return nil }
