package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Registry = (*redisRegistry)(nil)

// redisRegistry keeps one hash per user:
//
//	presence:user:<id> -> { "<gatewayID>/<connID>": lastPingUnixMilli }
//
// The whole hash carries a TTL refreshed on every write, so a crashed
// gateway's bindings disappear after three missed heartbeats without any
// explicit cleanup pass.
type redisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRegistry(rdb *redis.Client, heartbeat time.Duration) Registry {
	return &redisRegistry{rdb: rdb, ttl: entryTTL(heartbeat)}
}

func userKey(userID uuid.UUID) string { return "presence:user:" + userID.String() }

func field(gatewayID string, connID uuid.UUID) string {
	return gatewayID + "/" + connID.String()
}

func (r *redisRegistry) Bind(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	key := userKey(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, field(gatewayID, connID), time.Now().UnixMilli())
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: bind %s: %w", userID, err)
	}
	return nil
}

func (r *redisRegistry) Unbind(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	key := userKey(userID)
	if err := r.rdb.HDel(ctx, key, field(gatewayID, connID)).Err(); err != nil {
		return fmt.Errorf("presence: unbind %s: %w", userID, err)
	}
	return nil
}

func (r *redisRegistry) Touch(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	return r.Bind(ctx, userID, gatewayID, connID)
}

func (r *redisRegistry) Lookup(ctx context.Context, userID uuid.UUID) ([]string, error) {
	fields, err := r.rdb.HKeys(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: lookup %s: %w", userID, err)
	}

	seen := make(map[string]struct{}, len(fields))
	var gateways []string
	for _, f := range fields {
		for i := range f {
			if f[i] == '/' {
				gw := f[:i]
				if _, dup := seen[gw]; !dup {
					seen[gw] = struct{}{}
					gateways = append(gateways, gw)
				}
				break
			}
		}
	}
	return gateways, nil
}

func (r *redisRegistry) FilterOnline(ctx context.Context, users []uuid.UUID) ([]uuid.UUID, error) {
	if len(users) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(users))
	for i, u := range users {
		cmds[i] = pipe.Exists(ctx, userKey(u))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: filter online: %w", err)
	}

	var online []uuid.UUID
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, users[i])
		}
	}
	return online, nil
}
