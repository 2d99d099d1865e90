package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	adapterpubsub "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/storage"
)

// Mutator covers post-hoc message operations: edits and soft deletes.
// Both are sender-only and broadcast under the message's original seqId.
type Mutator interface {
	Edit(ctx context.Context, senderID, msgID uuid.UUID, content string) (*model.Envelope, error)
	Delete(ctx context.Context, senderID, msgID uuid.UUID) (*model.Envelope, error)
}

type MutateService struct {
	store      storage.MessageStore
	dispatcher adapterpubsub.EventDispatcher
	logger     *slog.Logger
}

func NewMutateService(store storage.MessageStore, dispatcher adapterpubsub.EventDispatcher, logger *slog.Logger) *MutateService {
	return &MutateService{store: store, dispatcher: dispatcher, logger: logger}
}

// Edit rewrites the message body. The store enforces sender ownership and
// refuses tombstoned rows; the outbox row it upserts carries the
// re-broadcast if the fast-path publish below is lost.
func (s *MutateService) Edit(ctx context.Context, senderID, msgID uuid.UUID, content string) (*model.Envelope, error) {
	if content == "" {
		return nil, model.NewError(model.KindBadRequest, "edited content must not be empty")
	}
	msg, err := s.store.UpdateContent(ctx, msgID, senderID, content)
	if err != nil {
		return nil, err
	}
	return s.announce(ctx, event.MessageUpdated, msg), nil
}

// Delete tombstones the message. The row keeps its seqId so resync clients
// see the tombstone in order.
func (s *MutateService) Delete(ctx context.Context, senderID, msgID uuid.UUID) (*model.Envelope, error) {
	msg, err := s.store.SoftDelete(ctx, msgID, senderID)
	if err != nil {
		return nil, err
	}
	return s.announce(ctx, event.MessageDeleted, msg), nil
}

func (s *MutateService) announce(ctx context.Context, kind event.EventKind, msg *model.Message) *model.Envelope {
	env := model.NewEnvelope(msg)
	if err := s.dispatcher.Publish(ctx, event.NewMessageEvent(kind, env)); err != nil {
		s.logger.Warn("BUS_PUBLISH_FAILED", "msg_id", msg.ID, "kind", kind.String(), "err", err)
	} else if err := s.store.MarkPublished(ctx, msg.ID); err != nil {
		s.logger.Warn("OUTBOX_MARK_PUBLISHED_FAILED", "msg_id", msg.ID, "err", err)
	}
	return env
}
