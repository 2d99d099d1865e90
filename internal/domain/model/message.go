package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageType int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	TypeText MessageType = iota + 1
	TypeFile
	TypeImage
	TypeSystem
)

var messageTypeNames = map[MessageType]string{
	TypeText:   "text",
	TypeFile:   "file",
	TypeImage:  "image",
	TypeSystem: "system",
}

var messageTypeValues = map[string]MessageType{
	"text":   TypeText,
	"file":   TypeFile,
	"image":  TypeImage,
	"system": TypeSystem,
}

func (t MessageType) String() string { return messageTypeNames[t] }

// ParseMessageType maps the wire name to the domain type. Unknown names
// fall back to TypeText so a malformed producer cannot poison the pipeline.
func ParseMessageType(s string) MessageType {
	if t, ok := messageTypeValues[s]; ok {
		return t
	}
	return TypeText
}

// [MESSAGE] CORE ENTITY REPRESENTING A CONVERSATION ELEMENT
//
// SeqID is the per-channel ordering primitive: strictly increasing and
// gap-free across committed rows while the channel stays in tight
// allocation mode. ClientMsgID absorbs client retries; it is unique
// per channel when present.
type Message struct {
	ID          uuid.UUID
	ChannelID   uuid.UUID
	TenantID    uuid.UUID
	SenderID    uuid.UUID
	SeqID       int64
	ClientMsgID uuid.UUID // uuid.Nil when the client did not supply one
	Type        MessageType
	Content     string
	ParentID    uuid.UUID // uuid.Nil for top-level messages
	Attachments []*Attachment
	Metadata    map[string]any
	CreatedAt   time.Time
	EditedAt    time.Time
	IsDeleted   bool
}

type Attachment struct {
	FileKey  string
	FileName string
	FileSize int64
	MimeType string
}

// HasClientID reports whether the sender supplied an idempotency key.
func (m *Message) HasClientID() bool { return m.ClientMsgID != uuid.Nil }

// CountsUnread reports whether the message participates in unread
// accounting. System messages broadcast but never bump counters.
func (m *Message) CountsUnread() bool { return m.Type != TypeSystem }

// IngestStatus discriminates a fresh persist from a recognized retry.
type IngestStatus string

const (
	StatusPersisted IngestStatus = "persisted"
	StatusDuplicate IngestStatus = "duplicate"
)

// IngestResult is the caller-visible outcome of CreateMessage.
type IngestResult struct {
	MsgID     uuid.UUID
	SeqID     int64
	Status    IngestStatus
	Timestamp time.Time
}
