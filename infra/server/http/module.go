package http

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/im-message-service/config"
	resthandler "github.com/webitel/im-message-service/internal/handler/http"
	wshandler "github.com/webitel/im-message-service/internal/handler/ws"
	"github.com/webitel/im-message-service/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("http-server",
	fx.Provide(
		func(
			cfg *config.Config,
			logger *slog.Logger,
			pool *pgxpool.Pool,
			set *metrics.Set,
			rest *resthandler.Handler,
			ws *wshandler.Handler,
		) *Server {
			return NewServer(cfg.HTTP.Addr, logger, pool, set, rest, ws)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: s.Stop,
		})
	}),
)
