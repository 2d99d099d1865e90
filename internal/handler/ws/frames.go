package ws

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-message-service/internal/domain/model"
)

// Client frame events.
const (
	frameHello       = "hello"
	framePublish     = "publish"
	frameAck         = "ack"
	framePing        = "ping"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// Server frame events not derived from domain event kinds.
const (
	frameAckResult   = "ack_result"
	framePong        = "pong"
	frameResyncBatch = "resync_batch"
	frameError       = "error"
)

// clientFrame is the union of every inbound frame. The event field selects
// which of the optional bodies is meaningful.
type clientFrame struct {
	Event string `json:"event"`

	// hello; lastSeenSeqByChannel asks for catch-up on each listed channel
	// right after authentication, before any live frame for it is delivered.
	Token                string           `json:"token,omitempty"`
	LastSeenSeqByChannel map[string]int64 `json:"lastSeenSeqByChannel,omitempty"`

	// publish
	ChannelID   string                      `json:"channelId,omitempty"`
	ClientMsgID string                      `json:"clientMsgId,omitempty"`
	Type        string                      `json:"type,omitempty"`
	Content     string                      `json:"content,omitempty"`
	ParentID    string                      `json:"parentId,omitempty"`
	Attachments []*model.EnvelopeAttachment `json:"attachments,omitempty"`
	Metadata    map[string]any              `json:"metadata,omitempty"`

	// ack; kind is "read" or "delivered", defaulting to read
	MsgID string `json:"msgId,omitempty"`
	Kind  string `json:"kind,omitempty"`

	// ping
	Ts int64 `json:"ts,omitempty"`

	// subscribe
	AfterSeq int64 `json:"afterSeq,omitempty"`
}

// serverFrame is the generic outbound wrapper. Payload is flattened next to
// the event tag so clients switch on one field.
type serverFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type ackResultPayload struct {
	MsgID       string `json:"msgId"`
	SeqID       int64  `json:"seqId"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Status      string `json:"status"`
}

type resyncBatchPayload struct {
	ChannelID string             `json:"channelId"`
	Messages  []*model.Envelope  `json:"messages"`
	HasMore   bool               `json:"hasMore"`
	MaxSeq    int64              `json:"maxSeq"`
}

type pongPayload struct {
	Ts         int64 `json:"ts,omitempty"`
	ServerTime int64 `json:"serverTime"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func encodeFrame(ev string, payload any) ([]byte, error) {
	return json.Marshal(serverFrame{Event: ev, Payload: payload})
}

func decodeFrame(raw []byte) (*clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ws: malformed frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("ws: frame missing event")
	}
	return &f, nil
}

func errorFrame(err error) []byte {
	raw, _ := encodeFrame(frameError, errorPayload{
		Kind:    string(model.KindOf(err)),
		Message: err.Error(),
	})
	return raw
}
