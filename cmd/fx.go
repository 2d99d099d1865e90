package cmd

import (
	clientdi "github.com/webitel/im-message-service/infra/client/di"
	infrapubsub "github.com/webitel/im-message-service/infra/pubsub"
	httpsrv "github.com/webitel/im-message-service/infra/server/http"
	"github.com/webitel/im-message-service/config"
	pubsubadapter "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/dedup"
	"github.com/webitel/im-message-service/internal/domain/registry"
	amqphandler "github.com/webitel/im-message-service/internal/handler/amqp"
	resthandler "github.com/webitel/im-message-service/internal/handler/http"
	wshandler "github.com/webitel/im-message-service/internal/handler/ws"
	"github.com/webitel/im-message-service/internal/outbox"
	"github.com/webitel/im-message-service/internal/presence"
	"github.com/webitel/im-message-service/internal/service"
	"github.com/webitel/im-message-service/internal/storage/postgres"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideRedis,
			ProvideMetrics,
		),
		fx.WithLogger(ProvideFxLogger),

		postgres.Module,
		infrapubsub.Module,
		pubsubadapter.Module,
		clientdi.Module,
		dedup.Module,
		presence.Module,
		registry.Module,
		service.Module,
		outbox.Module,
		amqphandler.Module,
		resthandler.Module,
		wshandler.Module,
		httpsrv.Module,
	)
}
