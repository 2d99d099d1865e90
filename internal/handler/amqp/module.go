package amqp

import (
	"github.com/ThreeDotsLabs/watermill/message"
	pubsubadapter "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"go.uber.org/fx"
)

var Module = fx.Module("bus-handler",
	fx.Provide(
		NewFanoutHandler,
		NewWatermillRouter,
	),

	fx.Invoke(
		func(h *FanoutHandler, router *message.Router, subProvider *pubsubadapter.SubscriberProvider) error {
			return h.RegisterHandlers(router, subProvider)
		},
		RunRouter,
	),
)
