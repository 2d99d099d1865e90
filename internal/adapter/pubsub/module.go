package pubsub

import (
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub-adapter",
	fx.Provide(
		NewPublisherProvider,
		NewSubscriberProvider,
		func(pp *PublisherProvider) (EventDispatcher, error) {
			pub, err := pp.Build()
			if err != nil {
				return nil, err
			}
			return NewEventDispatcher(pub), nil
		},
	),
)
