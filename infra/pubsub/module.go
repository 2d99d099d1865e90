package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/im-message-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub-infra",
	fx.Provide(
		func(logger *slog.Logger) watermill.LoggerAdapter {
			return watermill.NewSlogLogger(logger)
		},
		func(cfg *config.Config, logger watermill.LoggerAdapter) Factory {
			if cfg.Broker.URL == "" {
				return NewChannelFactory(logger)
			}
			return NewAMQPFactory(cfg.Broker.URL, cfg.Broker.Exchange, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, f Factory) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return f.Close()
			},
		})
	}),
)
