package outbox

import (
	"context"
	"log/slog"

	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/infra/client/membership"
	adapterpubsub "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/metrics"
	"github.com/webitel/im-message-service/internal/presence"
	"github.com/webitel/im-message-service/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(
		func(d adapterpubsub.EventDispatcher, logger *slog.Logger) Notifier {
			return NewBusNotifier(d.Publisher(), logger)
		},
		func(
			cfg *config.Config,
			store storage.OutboxStore,
			members membership.Resolver,
			unread storage.UnreadStore,
			reg presence.Registry,
			dispatcher adapterpubsub.EventDispatcher,
			notifier Notifier,
			set *metrics.Set,
			logger *slog.Logger,
		) *Processor {
			return NewProcessor(store, members, unread, reg, dispatcher, notifier, set, logger, Config{
				Workers:     cfg.Outbox.Workers,
				BatchSize:   cfg.Outbox.BatchSize,
				PollEvery:   cfg.Outbox.PollEvery,
				MaxAttempts: cfg.Outbox.MaxAttempts,
			})
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Processor) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				p.Start()
				return nil
			},
			OnStop: p.Stop,
		})
	}),
)
