package event

import (
	"time"

	"github.com/google/uuid"
)

var _ Eventer = (*SystemEvent)(nil)

// SystemEvent carries connection lifecycle signals (welcome, kick, timeout)
// to a single session. System events never leave the node, so the Exportable
// interface is deliberately not implemented.
type SystemEvent struct {
	ID         uuid.UUID
	Kind       EventKind
	UserID     uuid.UUID
	Priority   EventPriority
	OccurredAt int64
	Payload    any
	Cached     any
}

func NewSystemEvent(userID uuid.UUID, kind EventKind, prio EventPriority, payload any) *SystemEvent {
	return &SystemEvent{
		ID:         uuid.New(),
		Kind:       kind,
		UserID:     userID,
		Priority:   prio,
		OccurredAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
}

func (e *SystemEvent) GetID() string              { return e.ID.String() }
func (e *SystemEvent) GetKind() EventKind         { return e.Kind }
func (e *SystemEvent) GetUserID() uuid.UUID       { return e.UserID }
func (e *SystemEvent) GetChannelID() uuid.UUID    { return uuid.Nil }
func (e *SystemEvent) GetSeqID() int64            { return 0 }
func (e *SystemEvent) GetPriority() EventPriority { return e.Priority }
func (e *SystemEvent) GetOccurredAt() int64       { return e.OccurredAt }
func (e *SystemEvent) GetPayload() any            { return e.Payload }
func (e *SystemEvent) GetCached() any             { return e.Cached }
func (e *SystemEvent) SetCached(v any)            { e.Cached = v }

// WelcomePayload is the handshake body sent after a successful hello.
type WelcomePayload struct {
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	ServerTime int64  `json:"serverTime"`
}

// ClosePayload explains a server-initiated close.
type ClosePayload struct {
	Reason string `json:"reason"`
}
