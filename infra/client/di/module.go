package clientdi

import (
	"context"

	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/infra/client/membership"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"external_clients",

	fx.Provide(
		func(cfg *config.Config) *membership.Client {
			return membership.New(
				cfg.Clients.MembershipURL,
				cfg.Clients.RequestTimeout,
				cfg.Clients.MembershipTTL,
			)
		},
		fx.Annotate(
			func(c *membership.Client) membership.Resolver { return c },
			fx.As(new(membership.Resolver)),
		),

		func(cfg *config.Config) authn.Verifier {
			if cfg.Clients.AuthURL == "" {
				return authn.InsecureVerifier{}
			}
			return authn.New(cfg.Clients.AuthURL, cfg.Clients.RequestTimeout)
		},
	),

	// [LIFECYCLE] Drain client connection pools on shutdown.
	fx.Invoke(func(lc fx.Lifecycle, client *membership.Client) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
	}),
)
