// Package storage declares the persistence contracts the core services
// depend on. The postgres subpackage is the production implementation;
// tests substitute in-memory fakes.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// MessageStore owns the messages table and the per-channel sequence rows.
type MessageStore interface {
	// CreateMessage runs the transactional write path: allocate seqId
	// (unless msg.SeqID is pre-assigned by a block allocator), insert the
	// message row and its outbox row, commit. On a
	// (channel_id, client_msg_id) conflict it returns KindDuplicate.
	CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error)

	GetMessage(ctx context.Context, msgID uuid.UUID) (*model.Message, error)
	GetByClientID(ctx context.Context, channelID, clientMsgID uuid.UUID) (*model.Message, error)

	// ListAfterSeq returns up to limit committed messages with
	// seqId > afterSeq in ascending seqId order.
	ListAfterSeq(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]*model.Message, error)
	MaxSeq(ctx context.Context, channelID uuid.UUID) (int64, error)

	// UpdateContent edits a message in place and upserts an outbox row of
	// kind message.updated. Only the sender may edit.
	UpdateContent(ctx context.Context, msgID, senderID uuid.UUID, content string) (*model.Message, error)
	// SoftDelete tombstones a message and upserts an outbox row of kind
	// message.deleted.
	SoftDelete(ctx context.Context, msgID, senderID uuid.UUID) (*model.Message, error)

	// ReserveSeqBlock checks out [first, last] for batched allocation.
	// Unused ids from a dead process become permanent gaps; callers opt in
	// per channel.
	ReserveSeqBlock(ctx context.Context, channelID uuid.UUID, n int64) (first, last int64, err error)

	// MarkPublished records that the fast path already put the outbox
	// row's payload on the bus, so the processor republishes only rows
	// whose broadcast is in doubt. Best-effort; losing the marker costs
	// one duplicate broadcast, never a lost one.
	MarkPublished(ctx context.Context, msgID uuid.UUID) error
}

// OutboxStore owns the outbox table lifecycle.
type OutboxStore interface {
	// ClaimBatch atomically moves due pending rows of the worker's channel
	// partition into broadcasting and returns them ordered by
	// (channel_id, seq_id). Partitioning guarantees one worker owns a
	// channel at a time.
	ClaimBatch(ctx context.Context, worker, totalWorkers, limit int) ([]*model.OutboxRow, error)
	MarkDelivered(ctx context.Context, msgID uuid.UUID) error
	MarkDone(ctx context.Context, msgID uuid.UUID) error
	// Retry re-enters pending with the given attempt count and deadline.
	Retry(ctx context.Context, msgID uuid.UUID, attempt int32, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, msgID uuid.UUID) error
	// RequeueStuck resets rows abandoned mid-flight by a crashed worker.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// UnreadStore owns the unread_cursor table.
type UnreadStore interface {
	// ApplyIncrement bumps the unread counter iff seqID is beyond the
	// user's watermark, then advances the watermark in the same statement.
	// Returns false when the watermark already covered seqID (reprocessing).
	ApplyIncrement(ctx context.Context, userID, channelID uuid.UUID, seqID int64) (bool, error)
	// MarkRead advances last_read_seq monotonically; never moves backwards.
	MarkRead(ctx context.Context, userID, channelID uuid.UUID, seqID int64) error
	Cursor(ctx context.Context, userID, channelID uuid.UUID) (*model.UnreadCursor, error)
	Summary(ctx context.Context, userID uuid.UUID) ([]*model.ChannelUnread, error)
}
