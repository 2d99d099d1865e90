package event

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/model"
)

var (
	_ Eventer    = (*MessageEvent)(nil)
	_ Exportable = (*MessageEvent)(nil)
)

// MessageEvent is the domain event behind the fan-out pattern.
//
// [STRATEGY]
// It distinguishes between:
//   - [BUSINESS_SCOPE] (Envelope.ChannelID): the conversation the message
//     belongs to (the "Where").
//   - [ROUTING_TARGET] (UserID): the physical recipient of this event
//     instance (the "Who"), assigned by the gateway's bus listener after
//     the membership lookup.
//
// The bus carries one channel-scoped event; each gateway node expands it
// into per-user instances for locally connected members only, which keeps
// horizontal scaling stateless.
type MessageEvent struct {
	ID       uuid.UUID       `json:"id"`
	Kind     EventKind       `json:"kind"`
	Envelope *model.Envelope `json:"envelope"`
	UserID   uuid.UUID       `json:"user_id"` // [PHYSICAL_RECIPIENT]

	// cache holds the encoded wire frame behind a shared pointer, so
	// every per-user clone reads and writes the same slot.
	cache *atomic.Value
}

// NewMessageEvent wraps a committed envelope for bus transport. The
// recipient is unresolved (uuid.Nil) until a gateway claims it locally.
func NewMessageEvent(kind EventKind, env *model.Envelope) *MessageEvent {
	return &MessageEvent{
		ID:       uuid.New(),
		Kind:     kind,
		Envelope: env,
		cache:    new(atomic.Value),
	}
}

// ForUser clones the event with a resolved physical recipient. The clone
// shares the envelope and the marshal cache, so the wire bytes are computed
// once per node regardless of how many members are connected.
func (e *MessageEvent) ForUser(userID uuid.UUID) *MessageEvent {
	// Events decoded off the bus arrive without a cache slot; attach one
	// before the first clone so all clones share it.
	if e.cache == nil {
		e.cache = new(atomic.Value)
	}
	clone := *e
	clone.UserID = userID
	return &clone
}

func (e *MessageEvent) GetID() string           { return e.ID.String() }
func (e *MessageEvent) GetKind() EventKind      { return e.Kind }
func (e *MessageEvent) GetUserID() uuid.UUID    { return e.UserID }
func (e *MessageEvent) GetChannelID() uuid.UUID { return e.Envelope.Channel() }
func (e *MessageEvent) GetSeqID() int64         { return e.Envelope.SeqID }
func (e *MessageEvent) GetOccurredAt() int64    { return e.Envelope.CreatedAt }
func (e *MessageEvent) GetPayload() any         { return e.Envelope }

func (e *MessageEvent) GetCached() any {
	if e.cache == nil {
		return nil
	}
	return e.cache.Load()
}

func (e *MessageEvent) SetCached(v any) {
	if e.cache != nil {
		e.cache.Store(v)
	}
}

func (e *MessageEvent) GetPriority() EventPriority { return PriorityHigh }

// GetRoutingKey generates the bus topic for this event.
// [PATTERN] im_message.v1.{tenant_id}.{channel_id}.{kind}
func (e *MessageEvent) GetRoutingKey() string {
	return fmt.Sprintf("im_message.v1.%s.%s.%s",
		e.Envelope.TenantID, e.Envelope.ChannelID, string(routingSuffix(e.Kind)))
}

func routingSuffix(k EventKind) model.OutboxKind {
	switch k {
	case MessageUpdated:
		return model.OutboxMessageUpdated
	case MessageDeleted:
		return model.OutboxMessageDeleted
	default:
		return model.OutboxMessageCreated
	}
}

// KindForOutbox maps a durable outbox kind back to the live event kind
// when the processor replays a row the fast path never published.
func KindForOutbox(k model.OutboxKind) EventKind {
	switch k {
	case model.OutboxMessageUpdated:
		return MessageUpdated
	case model.OutboxMessageDeleted:
		return MessageDeleted
	default:
		return MessageCreated
	}
}
