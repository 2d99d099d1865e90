package ws

import (
	"log/slog"

	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/internal/metrics"
	"github.com/webitel/im-message-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ws-handler",
	fx.Provide(
		func(
			cfg *config.Config,
			verifier authn.Verifier,
			deliverer service.Deliverer,
			ingester service.Ingester,
			resyncer service.Resyncer,
			reader service.Reader,
			set *metrics.Set,
			logger *slog.Logger,
		) *Handler {
			return NewHandler(verifier, deliverer, ingester, resyncer, reader, set, logger,
				cfg.Gateway.HeartbeatInterval,
				cfg.Gateway.PublishRate,
				cfg.Gateway.PublishBurst,
			)
		},
	),
)
