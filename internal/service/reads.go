package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/storage"
)

// Reader serves read receipts and unread counters.
type Reader interface {
	MarkRead(ctx context.Context, userID, msgID uuid.UUID) (*model.UnreadCursor, error)
	Summary(ctx context.Context, userID uuid.UUID) ([]*model.ChannelUnread, error)
}

type ReadService struct {
	store  storage.MessageStore
	unread storage.UnreadStore
}

func NewReadService(store storage.MessageStore, unread storage.UnreadStore) *ReadService {
	return &ReadService{store: store, unread: unread}
}

// MarkRead advances the user's read watermark to the referenced message.
// The watermark is monotonic: acknowledging an already-read message is a
// no-op and returns the current cursor.
func (s *ReadService) MarkRead(ctx context.Context, userID, msgID uuid.UUID) (*model.UnreadCursor, error) {
	msg, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if err := s.unread.MarkRead(ctx, userID, msg.ChannelID, msg.SeqID); err != nil {
		return nil, err
	}
	return s.unread.Cursor(ctx, userID, msg.ChannelID)
}

// Summary lists per-channel unread counters for the session bootstrap.
func (s *ReadService) Summary(ctx context.Context, userID uuid.UUID) ([]*model.ChannelUnread, error) {
	return s.unread.Summary(ctx, userID)
}
