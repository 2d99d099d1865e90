package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus tracks the post-commit delivery lifecycle of a message.
//
//	pending -> broadcasting -> delivered -> done
//
// A transient failure re-enters pending with attempt++ and a backoff
// deadline; exhaustion of the retry budget parks the row in failed.
type OutboxStatus string

const (
	OutboxPending      OutboxStatus = "pending"
	OutboxBroadcasting OutboxStatus = "broadcasting"
	OutboxDelivered    OutboxStatus = "delivered"
	OutboxDone         OutboxStatus = "done"
	OutboxFailed       OutboxStatus = "failed"
)

// OutboxKind names the post-commit work a row represents. Created rows run
// the full unread/push pipeline; update and delete rows only re-broadcast.
type OutboxKind string

const (
	OutboxMessageCreated OutboxKind = "message.created"
	OutboxMessageUpdated OutboxKind = "message.updated"
	OutboxMessageDeleted OutboxKind = "message.deleted"
)

// OutboxRow is the durable record of work that must happen after a message
// commits: bus broadcast (if the fast path missed it), unread accounting
// and offline push. One row per message; the payload is the frozen
// Envelope so the processor never touches the messages table.
type OutboxRow struct {
	MsgID         uuid.UUID
	ChannelID     uuid.UUID
	SenderID      uuid.UUID
	TenantID      uuid.UUID
	Kind          OutboxKind
	Payload       []byte // marshaled Envelope
	SeqID         int64
	Status        OutboxStatus
	Published     bool // the fast path already put this payload on the bus
	Attempt       int32
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   time.Time
}
