// Package dedup absorbs client retries on the ingest path. It is a lossy
// acceleration layer: a miss is always legal because the database unique
// constraint on (channel_id, client_msg_id) is the authoritative guard.
package dedup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is the prior ingest outcome remembered for a clientMsgId.
type Entry struct {
	MsgID uuid.UUID
	SeqID int64
}

// Cache maps clientMsgId to the prior {msgId, seqId}. Check is best-effort;
// Record failures are swallowed for the same reason.
type Cache interface {
	Check(ctx context.Context, channelID, clientMsgID uuid.UUID) (Entry, bool)
	Record(ctx context.Context, channelID, clientMsgID uuid.UUID, e Entry)
}

// tiered fronts a shared store with a per-process expirable LRU.
// The L1 hit path costs nothing on the network; the L2 keeps the retry
// window intact across gateway restarts and across nodes.
type tiered struct {
	local  *expirable.LRU[string, Entry]
	shared Shared
	ttl    time.Duration
}

// Shared is the optional cross-process tier. Nil disables it.
type Shared interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration)
}

func New(size int, ttl time.Duration, shared Shared) Cache {
	return &tiered{
		// [MEMORY_MANAGEMENT] Pre-sized LRU to keep hot retry keys resident.
		local:  expirable.NewLRU[string, Entry](size, nil, ttl),
		shared: shared,
		ttl:    ttl,
	}
}

// key scopes the idempotency key to the channel: the same clientMsgId may
// legally appear in different channels.
func key(channelID, clientMsgID uuid.UUID) string {
	return channelID.String() + ":" + clientMsgID.String()
}

func (c *tiered) Check(ctx context.Context, channelID, clientMsgID uuid.UUID) (Entry, bool) {
	k := key(channelID, clientMsgID)

	// [HOT_PATH] Local tier first.
	if e, ok := c.local.Get(k); ok {
		return e, true
	}

	if c.shared != nil {
		if e, ok := c.shared.Get(ctx, k); ok {
			c.local.Add(k, e)
			return e, true
		}
	}
	return Entry{}, false
}

func (c *tiered) Record(ctx context.Context, channelID, clientMsgID uuid.UUID, e Entry) {
	k := key(channelID, clientMsgID)
	c.local.Add(k, e)
	if c.shared != nil {
		c.shared.Set(ctx, k, e, c.ttl)
	}
}
