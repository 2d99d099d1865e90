package dedup

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisShared implements the cross-process tier on a Redis string per key.
// Value format: "<msgId>|<seqId>". All failures degrade to a miss.
type redisShared struct {
	rdb *redis.Client
}

func NewRedisShared(rdb *redis.Client) Shared {
	return &redisShared{rdb: rdb}
}

func (s *redisShared) Get(ctx context.Context, key string) (Entry, bool) {
	val, err := s.rdb.Get(ctx, "dedup:"+key).Result()
	if err != nil {
		return Entry{}, false
	}

	msgStr, seqStr, ok := strings.Cut(val, "|")
	if !ok {
		return Entry{}, false
	}
	msgID, err := uuid.Parse(msgStr)
	if err != nil {
		return Entry{}, false
	}
	seqID, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{MsgID: msgID, SeqID: seqID}, true
}

func (s *redisShared) Set(ctx context.Context, key string, e Entry, ttl time.Duration) {
	val := e.MsgID.String() + "|" + strconv.FormatInt(e.SeqID, 10)
	// Fire-and-forget; the DB constraint backs this up.
	s.rdb.Set(ctx, "dedup:"+key, val, ttl)
}
