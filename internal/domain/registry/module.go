package registry

import (
	"context"
	"time"

	"github.com/webitel/im-message-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config) *Hub {
			return NewHub(
				WithEvictionInterval(15*time.Minute),
				WithIdleTimeout(30*time.Minute),
				WithMailboxSize(cfg.Gateway.MailboxSize),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				return nil
			},
		})
	}),
)
