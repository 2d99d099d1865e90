package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/infra/client/membership"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/storage"
)

// ResyncPage is one page of an offline catch-up. HasMore tells the client
// to keep paging from NextAfterSeq before trusting the live stream.
type ResyncPage struct {
	Messages     []*model.Envelope
	HasMore      bool
	NextAfterSeq int64
	MaxSeq       int64
}

// Resyncer replays the persisted history of a channel in sequence order.
type Resyncer interface {
	Resync(ctx context.Context, userID, channelID uuid.UUID, afterSeq int64, limit int) (*ResyncPage, error)
}

type ResyncService struct {
	store    storage.MessageStore
	members  membership.Resolver
	maxLimit int
}

func NewResyncService(store storage.MessageStore, members membership.Resolver, maxLimit int) *ResyncService {
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &ResyncService{store: store, members: members, maxLimit: maxLimit}
}

// Resync returns messages with seqId > afterSeq, oldest first. The page is
// fetched with one extra row to detect whether more history remains, so a
// client that drains pages until HasMore is false observes a gap-free
// prefix up to MaxSeq.
func (s *ResyncService) Resync(ctx context.Context, userID, channelID uuid.UUID, afterSeq int64, limit int) (*ResyncPage, error) {
	ms, err := s.members.Resolve(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ms.Contains(userID) {
		return nil, model.NewError(model.KindForbidden, "not a channel member")
	}

	if limit <= 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	rows, err := s.store.ListAfterSeq(ctx, channelID, afterSeq, limit+1)
	if err != nil {
		return nil, err
	}

	page := &ResyncPage{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}

	page.Messages = make([]*model.Envelope, 0, len(rows))
	for _, m := range rows {
		page.Messages = append(page.Messages, model.NewEnvelope(m))
	}
	if n := len(rows); n > 0 {
		page.NextAfterSeq = rows[n-1].SeqID
	} else {
		page.NextAfterSeq = afterSeq
	}

	if page.MaxSeq, err = s.store.MaxSeq(ctx, channelID); err != nil {
		return nil, err
	}
	return page, nil
}
