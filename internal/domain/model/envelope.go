package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical wire shape of a message. The exact same JSON
// travels over the bus, the WebSocket and the REST API, and is frozen into
// the outbox row at commit time so asynchronous consumers never need to
// re-read the messages table.
type Envelope struct {
	MsgID       string                `json:"msgId"`
	SeqID       int64                 `json:"seqId"`
	ClientMsgID string                `json:"clientMsgId,omitempty"`
	ChannelID   string                `json:"channelId"`
	TenantID    string                `json:"tenantId"`
	SenderID    string                `json:"senderId"`
	Type        string                `json:"type"`
	Content     string                `json:"content"`
	ParentID    string                `json:"parentId,omitempty"`
	Attachments []*EnvelopeAttachment `json:"attachments,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	CreatedAt   int64                 `json:"createdAt"` // epoch millis
	EditedAt    int64                 `json:"editedAt,omitempty"`
	Deleted     bool                  `json:"deleted,omitempty"`
}

type EnvelopeAttachment struct {
	FileKey  string `json:"fileKey"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// NewEnvelope freezes a committed message into its wire representation.
func NewEnvelope(m *Message) *Envelope {
	env := &Envelope{
		MsgID:     m.ID.String(),
		SeqID:     m.SeqID,
		ChannelID: m.ChannelID.String(),
		TenantID:  m.TenantID.String(),
		SenderID:  m.SenderID.String(),
		Type:      m.Type.String(),
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
	if m.ClientMsgID != uuid.Nil {
		env.ClientMsgID = m.ClientMsgID.String()
	}
	if m.ParentID != uuid.Nil {
		env.ParentID = m.ParentID.String()
	}
	if !m.EditedAt.IsZero() {
		env.EditedAt = m.EditedAt.UnixMilli()
	}
	// Tombstones keep ordering metadata but drop the user content.
	if m.IsDeleted {
		env.Deleted = true
		env.Content = ""
		return env
	}
	for _, a := range m.Attachments {
		env.Attachments = append(env.Attachments, &EnvelopeAttachment{
			FileKey:  a.FileKey,
			FileName: a.FileName,
			FileSize: a.FileSize,
			MimeType: a.MimeType,
		})
	}
	return env
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func (e *Envelope) Channel() uuid.UUID {
	id, _ := uuid.Parse(e.ChannelID)
	return id
}

func (e *Envelope) Sender() uuid.UUID {
	id, _ := uuid.Parse(e.SenderID)
	return id
}

func (e *Envelope) Msg() uuid.UUID {
	id, _ := uuid.Parse(e.MsgID)
	return id
}

func (e *Envelope) OccurredAt() time.Time { return time.UnixMilli(e.CreatedAt) }
