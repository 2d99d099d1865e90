package dedup

import (
	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("dedup",
	fx.Provide(
		func(cfg *config.Config, rdb *redis.Client) Cache {
			var shared Shared
			if rdb != nil {
				shared = NewRedisShared(rdb)
			}
			return New(cfg.Dedup.Size, cfg.Dedup.TTL, shared)
		},
	),
)
