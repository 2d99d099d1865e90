package event

import "github.com/google/uuid"

type EventKind int16

const (
	Connected EventKind = iota + 1 // [SYSTEM]
	Disconnected
	SessionKicked
	SessionTimeout
	MessageCreated // [BUSINESS]
	MessageUpdated
	MessageDeleted
)

var kindNames = map[EventKind]string{
	Connected:      "welcome",
	Disconnected:   "session_expired",
	SessionKicked:  "session_kicked",
	SessionTimeout: "session_timeout",
	MessageCreated: "message",
	MessageUpdated: "message_update",
	MessageDeleted: "message_delete",
}

// String returns the wire event name used over WebSocket frames.
func (k EventKind) String() string { return kindNames[k] }

type EventPriority int32

const (
	PriorityLow    EventPriority = 10
	PriorityNormal EventPriority = 20
	PriorityHigh   EventPriority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() EventKind
	GetUserID() uuid.UUID
	GetChannelID() uuid.UUID
	GetSeqID() int64
	GetPriority() EventPriority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}

// Exportable defines an event that should be re-published to the message bus.
type Exportable interface {
	// GetRoutingKey returns the topic only if the event is ready to be
	// exported. Empty string means the binder skips publishing.
	GetRoutingKey() string
}
