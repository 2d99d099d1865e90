package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/infra/client/membership"
	adapterpubsub "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/dedup"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/sequence"
	"github.com/webitel/im-message-service/internal/storage"
)

// CreateMessageInput is the transport-agnostic ingest request. Both the
// WebSocket publish frame and the REST endpoint map onto it.
type CreateMessageInput struct {
	ChannelID   uuid.UUID
	SenderID    uuid.UUID
	Content     string
	Type        model.MessageType
	ParentID    uuid.UUID
	ClientMsgID uuid.UUID
	Metadata    map[string]any
	Attachments []*model.Attachment
}

// Ingester is the primary interface of the transactional write path.
type Ingester interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (*model.IngestResult, error)
}

type IngestService struct {
	store      storage.MessageStore
	dedup      dedup.Cache
	members    membership.Resolver
	allocator  *sequence.Allocator
	dispatcher adapterpubsub.EventDispatcher
	logger     *slog.Logger
	timeout    time.Duration
}

func NewIngestService(
	store storage.MessageStore,
	cache dedup.Cache,
	members membership.Resolver,
	allocator *sequence.Allocator,
	dispatcher adapterpubsub.EventDispatcher,
	logger *slog.Logger,
	timeout time.Duration,
) *IngestService {
	return &IngestService{
		store:      store,
		dedup:      cache,
		members:    members,
		allocator:  allocator,
		dispatcher: dispatcher,
		logger:     logger,
		timeout:    timeout,
	}
}

// CreateMessage ingests one client-authored message exactly once.
//
// The write path: membership gate, dedup fast path, transactional
// {seq, message, outbox} insert, dedup record, bus publish. The bus
// publish after commit is an optimization only; if it fails the outbox
// processor re-broadcasts when it picks the row up.
func (s *IngestService) CreateMessage(ctx context.Context, in CreateMessageInput) (*model.IngestResult, error) {
	// Wall-clock budget for the whole call; exceeding it aborts the
	// transaction and the client retries with the same clientMsgId.
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ms, err := s.members.Resolve(ctx, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ms.Contains(in.SenderID) {
		return nil, model.NewError(model.KindForbidden, "sender is not a channel member")
	}

	if err := s.validate(ctx, &in); err != nil {
		return nil, err
	}

	// [FAST_PATH] Recognized retry: answer from cache without touching
	// the database.
	if in.ClientMsgID != uuid.Nil {
		if prior, ok := s.dedup.Check(ctx, in.ChannelID, in.ClientMsgID); ok {
			return &model.IngestResult{
				MsgID:     prior.MsgID,
				SeqID:     prior.SeqID,
				Status:    model.StatusDuplicate,
				Timestamp: time.Now(),
			}, nil
		}
	}

	msg := &model.Message{
		ChannelID:   in.ChannelID,
		TenantID:    ms.TenantID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Type:        in.Type,
		Content:     in.Content,
		ParentID:    in.ParentID,
		Metadata:    in.Metadata,
		Attachments: in.Attachments,
	}

	// Batched channels pre-assign the id from the block allocator; the
	// store then skips the in-transaction counter. Everyone else takes
	// the tight, gap-free path.
	if s.allocator != nil && s.allocator.Batched(in.ChannelID) {
		if msg.SeqID, err = s.allocator.Next(ctx, in.ChannelID); err != nil {
			return nil, err
		}
	}

	msg, err = s.store.CreateMessage(ctx, msg)
	if err != nil {
		if model.KindOf(err) == model.KindDuplicate {
			// The cache missed but the unique constraint held: load the
			// prior row and answer as a duplicate.
			return s.resolveDuplicate(ctx, in)
		}
		return nil, err
	}

	if msg.HasClientID() {
		s.dedup.Record(ctx, msg.ChannelID, msg.ClientMsgID, dedup.Entry{
			MsgID: msg.ID,
			SeqID: msg.SeqID,
		})
	}

	// [SYNC_FAST_PATH] Broadcast to online members. Failure is downgraded
	// to a warning because the outbox row guarantees eventual delivery.
	// Success flags the row so the processor does not broadcast it again.
	ev := event.NewMessageEvent(event.MessageCreated, model.NewEnvelope(msg))
	if err := s.dispatcher.Publish(ctx, ev); err != nil {
		s.logger.Warn("BUS_PUBLISH_FAILED",
			"msg_id", msg.ID,
			"channel_id", msg.ChannelID,
			"err", err,
		)
	} else if err := s.store.MarkPublished(ctx, msg.ID); err != nil {
		s.logger.Warn("OUTBOX_MARK_PUBLISHED_FAILED", "msg_id", msg.ID, "err", err)
	}

	return &model.IngestResult{
		MsgID:     msg.ID,
		SeqID:     msg.SeqID,
		Status:    model.StatusPersisted,
		Timestamp: msg.CreatedAt,
	}, nil
}

func (s *IngestService) resolveDuplicate(ctx context.Context, in CreateMessageInput) (*model.IngestResult, error) {
	prior, err := s.store.GetByClientID(ctx, in.ChannelID, in.ClientMsgID)
	if err != nil {
		return nil, model.WrapError(model.KindUnavailable, "duplicate detected but prior row unavailable", err)
	}

	s.dedup.Record(ctx, in.ChannelID, in.ClientMsgID, dedup.Entry{
		MsgID: prior.ID,
		SeqID: prior.SeqID,
	})

	return &model.IngestResult{
		MsgID:     prior.ID,
		SeqID:     prior.SeqID,
		Status:    model.StatusDuplicate,
		Timestamp: prior.CreatedAt,
	}, nil
}

func (s *IngestService) validate(ctx context.Context, in *CreateMessageInput) error {
	if in.Type == 0 {
		in.Type = model.TypeText
	}

	// Empty content is allowed only for attachment-bearing types.
	if in.Content == "" {
		if len(in.Attachments) == 0 || (in.Type != model.TypeFile && in.Type != model.TypeImage) {
			return model.NewError(model.KindBadRequest, "empty content requires file or image attachments")
		}
	}

	// A thread reply must reference an existing message in the same channel.
	if in.ParentID != uuid.Nil {
		parent, err := s.store.GetMessage(ctx, in.ParentID)
		if err != nil {
			return model.WrapError(model.KindNotFound, "parent message", err)
		}
		if parent.ChannelID != in.ChannelID {
			return model.NewError(model.KindNotFound, "parent message belongs to another channel")
		}
	}
	return nil
}
