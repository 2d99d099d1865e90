package service

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/dedup"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// fakeStore is an in-memory MessageStore mirroring the transactional
// semantics the services rely on: tight sequence allocation and the
// client-id unique constraint.
type fakeStore struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*model.Message
	byClient  map[string]*model.Message
	nextSeq   map[uuid.UUID]int64
	reserved  map[uuid.UUID]int64
	published []uuid.UUID
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:     make(map[uuid.UUID]*model.Message),
		byClient: make(map[string]*model.Message),
		nextSeq:  make(map[uuid.UUID]int64),
		reserved: make(map[uuid.UUID]int64),
	}
}

func clientKey(channelID, clientMsgID uuid.UUID) string {
	return channelID.String() + ":" + clientMsgID.String()
}

func (s *fakeStore) CreateMessage(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}

	if msg.ClientMsgID != uuid.Nil {
		if _, dup := s.byClient[clientKey(msg.ChannelID, msg.ClientMsgID)]; dup {
			return nil, model.NewError(model.KindDuplicate, "client message id already used")
		}
	}

	m := *msg
	m.ID = uuid.New()
	if m.SeqID == 0 {
		s.nextSeq[m.ChannelID]++
		m.SeqID = s.nextSeq[m.ChannelID]
	} else if m.SeqID > s.nextSeq[m.ChannelID] {
		s.nextSeq[m.ChannelID] = m.SeqID
	}
	m.CreatedAt = time.Now()

	s.byID[m.ID] = &m
	if m.ClientMsgID != uuid.Nil {
		s.byClient[clientKey(m.ChannelID, m.ClientMsgID)] = &m
	}
	return &m, nil
}

func (s *fakeStore) GetMessage(_ context.Context, msgID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[msgID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, model.NewError(model.KindNotFound, "message not found")
}

func (s *fakeStore) GetByClientID(_ context.Context, channelID, clientMsgID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byClient[clientKey(channelID, clientMsgID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, model.NewError(model.KindNotFound, "message not found")
}

func (s *fakeStore) ListAfterSeq(_ context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for seq := afterSeq + 1; len(out) < limit; seq++ {
		if seq > s.nextSeq[channelID] {
			break
		}
		for _, m := range s.byID {
			if m.ChannelID == channelID && m.SeqID == seq {
				cp := *m
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) MaxSeq(_ context.Context, channelID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq[channelID], nil
}

func (s *fakeStore) UpdateContent(_ context.Context, msgID, senderID uuid.UUID, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[msgID]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "message not found")
	}
	if m.SenderID != senderID {
		return nil, model.NewError(model.KindForbidden, "only the sender may edit")
	}
	if m.IsDeleted {
		return nil, model.NewError(model.KindNotFound, "message deleted")
	}
	m.Content = content
	m.EditedAt = time.Now()
	cp := *m
	return &cp, nil
}

func (s *fakeStore) SoftDelete(_ context.Context, msgID, senderID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[msgID]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "message not found")
	}
	if m.SenderID != senderID {
		return nil, model.NewError(model.KindForbidden, "only the sender may delete")
	}
	m.IsDeleted = true
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ReserveSeqBlock(_ context.Context, channelID uuid.UUID, n int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.reserved[channelID] + 1
	s.reserved[channelID] += n
	return first, s.reserved[channelID], nil
}

func (s *fakeStore) MarkPublished(_ context.Context, msgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msgID)
	return nil
}

func (s *fakeStore) publishedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.published...)
}

// fakeResolver serves a static membership table.
type fakeResolver struct {
	memberships map[uuid.UUID]*model.Membership
	err         error
}

func (r *fakeResolver) Resolve(_ context.Context, channelID uuid.UUID) (*model.Membership, error) {
	if r.err != nil {
		return nil, r.err
	}
	if ms, ok := r.memberships[channelID]; ok {
		return ms, nil
	}
	return nil, model.NewError(model.KindNotFound, "channel not found")
}

func (r *fakeResolver) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	ms, err := r.Resolve(ctx, channelID)
	if err != nil {
		return false, err
	}
	return ms.Contains(userID), nil
}

// fakeDispatcher records published events.
type fakeDispatcher struct {
	mu     sync.Mutex
	events []event.Eventer
	err    error
}

func (d *fakeDispatcher) Publish(_ context.Context, ev event.Eventer) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *fakeDispatcher) Publisher() message.Publisher { return nil }

func (d *fakeDispatcher) published() []event.Eventer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.Eventer(nil), d.events...)
}

// fakeUnread tracks watermarked counters like the real table does.
type fakeUnread struct {
	mu      sync.Mutex
	cursors map[string]*model.UnreadCursor
}

func newFakeUnread() *fakeUnread {
	return &fakeUnread{cursors: make(map[string]*model.UnreadCursor)}
}

func cursorKey(userID, channelID uuid.UUID) string {
	return userID.String() + ":" + channelID.String()
}

func (u *fakeUnread) cursor(userID, channelID uuid.UUID) *model.UnreadCursor {
	k := cursorKey(userID, channelID)
	c, ok := u.cursors[k]
	if !ok {
		c = &model.UnreadCursor{UserID: userID, ChannelID: channelID}
		u.cursors[k] = c
	}
	return c
}

func (u *fakeUnread) ApplyIncrement(_ context.Context, userID, channelID uuid.UUID, seqID int64) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.cursor(userID, channelID)
	if c.LastAppliedSeq >= seqID {
		return false, nil
	}
	c.LastAppliedSeq = seqID
	c.UnreadCount++
	return true, nil
}

func (u *fakeUnread) MarkRead(_ context.Context, userID, channelID uuid.UUID, seqID int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.cursor(userID, channelID)
	if seqID <= c.LastReadSeqID {
		return nil
	}
	c.LastReadSeqID = seqID
	c.UnreadCount = max(0, c.LastAppliedSeq-seqID)
	return nil
}

func (u *fakeUnread) Cursor(_ context.Context, userID, channelID uuid.UUID) (*model.UnreadCursor, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := *u.cursor(userID, channelID)
	return &cp, nil
}

func (u *fakeUnread) Summary(_ context.Context, userID uuid.UUID) ([]*model.ChannelUnread, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*model.ChannelUnread
	for _, c := range u.cursors {
		if c.UserID == userID {
			out = append(out, &model.ChannelUnread{
				ChannelID:   c.ChannelID,
				LastReadSeq: c.LastReadSeqID,
				UnreadCount: c.UnreadCount,
				MaxSeq:      c.LastAppliedSeq,
			})
		}
	}
	return out, nil
}

// fakeCache is a map-backed dedup.Cache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]dedup.Entry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]dedup.Entry)}
}

func (c *fakeCache) Check(_ context.Context, channelID, clientMsgID uuid.UUID) (dedup.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[clientKey(channelID, clientMsgID)]
	return e, ok
}

func (c *fakeCache) Record(_ context.Context, channelID, clientMsgID uuid.UUID, e dedup.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[clientKey(channelID, clientMsgID)] = e
}
