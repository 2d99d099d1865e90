package model

import "github.com/google/uuid"

// UnreadCursor is the per-(user, channel) read position. LastAppliedSeq is
// the watermark the outbox processor advances as it applies increments;
// reprocessing a row whose seqId is at or below the watermark is a no-op,
// which makes unread accounting idempotent across retries.
type UnreadCursor struct {
	UserID         uuid.UUID
	ChannelID      uuid.UUID
	LastReadSeqID  int64
	UnreadCount    int64
	LastAppliedSeq int64
}

// ChannelUnread is one entry of the reconnect summary.
type ChannelUnread struct {
	ChannelID   uuid.UUID `json:"channelId"`
	LastReadSeq int64     `json:"lastReadSeqId"`
	UnreadCount int64     `json:"unreadCount"`
	MaxSeq      int64     `json:"maxSeqId"`
}
