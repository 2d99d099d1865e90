package presence

import (
	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("presence",
	fx.Provide(
		func(cfg *config.Config, rdb *redis.Client) Registry {
			if rdb == nil {
				return NewMemoryRegistry(cfg.Gateway.HeartbeatInterval)
			}
			return NewRedisRegistry(rdb, cfg.Gateway.HeartbeatInterval)
		},
	),
)
