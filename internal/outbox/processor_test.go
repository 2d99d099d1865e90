package outbox

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/metrics"
)

type fakeOutboxStore struct {
	mu        sync.Mutex
	batches   [][]*model.OutboxRow
	delivered []uuid.UUID
	done      []uuid.UUID
	failed    []uuid.UUID
	retries   []retryCall
}

type retryCall struct {
	msgID   uuid.UUID
	attempt int32
	at      time.Time
}

func (s *fakeOutboxStore) ClaimBatch(context.Context, int, int, int) ([]*model.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeOutboxStore) MarkDelivered(_ context.Context, msgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, msgID)
	return nil
}

func (s *fakeOutboxStore) MarkDone(_ context.Context, msgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, msgID)
	return nil
}

func (s *fakeOutboxStore) Retry(_ context.Context, msgID uuid.UUID, attempt int32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, retryCall{msgID: msgID, attempt: attempt, at: at})
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, msgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, msgID)
	return nil
}

func (s *fakeOutboxStore) RequeueStuck(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fakeResolver struct {
	membership *model.Membership
	err        error
}

func (r *fakeResolver) Resolve(context.Context, uuid.UUID) (*model.Membership, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.membership, nil
}

func (r *fakeResolver) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	ms, err := r.Resolve(ctx, channelID)
	if err != nil {
		return false, err
	}
	return ms.Contains(userID), nil
}

type fakeUnread struct {
	mu        sync.Mutex
	watermark map[string]int64
	counts    map[string]int64
	failSeq   int64 // the next ApplyIncrement for this seq fails once
}

func newFakeUnread() *fakeUnread {
	return &fakeUnread{watermark: make(map[string]int64), counts: make(map[string]int64)}
}

func key(userID, channelID uuid.UUID) string {
	return userID.String() + ":" + channelID.String()
}

func (u *fakeUnread) ApplyIncrement(_ context.Context, userID, channelID uuid.UUID, seqID int64) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failSeq != 0 && u.failSeq == seqID {
		u.failSeq = 0
		return false, model.NewError(model.KindUnavailable, "unread store down")
	}
	k := key(userID, channelID)
	if u.watermark[k] >= seqID {
		return false, nil
	}
	u.watermark[k] = seqID
	u.counts[k]++
	return true, nil
}

func (u *fakeUnread) MarkRead(context.Context, uuid.UUID, uuid.UUID, int64) error { return nil }

func (u *fakeUnread) Cursor(context.Context, uuid.UUID, uuid.UUID) (*model.UnreadCursor, error) {
	return &model.UnreadCursor{}, nil
}

func (u *fakeUnread) Summary(context.Context, uuid.UUID) ([]*model.ChannelUnread, error) {
	return nil, nil
}

func (u *fakeUnread) count(userID, channelID uuid.UUID) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[key(userID, channelID)]
}

type fakePresence struct {
	online map[uuid.UUID]bool
}

func (p *fakePresence) Bind(context.Context, uuid.UUID, string, uuid.UUID) error   { return nil }
func (p *fakePresence) Unbind(context.Context, uuid.UUID, string, uuid.UUID) error { return nil }
func (p *fakePresence) Touch(context.Context, uuid.UUID, string, uuid.UUID) error  { return nil }

func (p *fakePresence) Lookup(context.Context, uuid.UUID) ([]string, error) { return nil, nil }

func (p *fakePresence) FilterOnline(_ context.Context, users []uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, u := range users {
		if p.online[u] {
			out = append(out, u)
		}
	}
	return out, nil
}

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

type fakeNotifier struct {
	mu      sync.Mutex
	offline [][]uuid.UUID
}

func (n *fakeNotifier) NotifyOffline(_ context.Context, _ *model.Envelope, offline []uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = append(n.offline, offline)
	return nil
}

type processorFixture struct {
	proc       *Processor
	store      *fakeOutboxStore
	unread     *fakeUnread
	presence   *fakePresence
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	channel    uuid.UUID
	sender     uuid.UUID
	online     uuid.UUID
	offline    uuid.UUID
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	f := &processorFixture{
		store:      &fakeOutboxStore{},
		unread:     newFakeUnread(),
		dispatcher: &fakeDispatcher{},
		notifier:   &fakeNotifier{},
		channel:    uuid.New(),
		sender:     uuid.New(),
		online:     uuid.New(),
		offline:    uuid.New(),
	}
	f.presence = &fakePresence{online: map[uuid.UUID]bool{f.online: true}}
	resolver := &fakeResolver{membership: &model.Membership{
		ChannelID: f.channel,
		TenantID:  uuid.New(),
		Members:   []uuid.UUID{f.sender, f.online, f.offline},
	}}
	f.proc = NewProcessor(f.store, resolver, f.unread, f.presence, f.dispatcher, f.notifier,
		metrics.New(), slog.New(slog.DiscardHandler), Config{Workers: 1, MaxAttempts: 3})
	return f
}

func (f *processorFixture) row(t *testing.T, kind model.OutboxKind, msgType model.MessageType) *model.OutboxRow {
	return f.rowAtSeq(t, kind, msgType, 1)
}

func (f *processorFixture) rowAtSeq(t *testing.T, kind model.OutboxKind, msgType model.MessageType, seq int64) *model.OutboxRow {
	t.Helper()
	env := model.NewEnvelope(&model.Message{
		ID:        uuid.New(),
		ChannelID: f.channel,
		TenantID:  uuid.New(),
		SenderID:  f.sender,
		SeqID:     seq,
		Type:      msgType,
		Content:   "payload",
		CreatedAt: time.Now(),
	})
	payload, err := env.Marshal()
	require.NoError(t, err)
	return &model.OutboxRow{
		MsgID:     env.Msg(),
		ChannelID: f.channel,
		SenderID:  f.sender,
		Kind:      kind,
		Payload:   payload,
		SeqID:     seq,
		Status:    model.OutboxBroadcasting,
		CreatedAt: time.Now(),
	}
}

func TestProcessCreatedRowFullPipeline(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)

	f.proc.process(context.Background(), row)

	require.Len(t, f.dispatcher.events, 1)
	require.Equal(t, event.MessageCreated, f.dispatcher.events[0].GetKind())
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.delivered)
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.done)
	require.Empty(t, f.store.retries)

	// Both recipients got a counter bump; the sender did not.
	require.Equal(t, int64(1), f.unread.count(f.online, f.channel))
	require.Equal(t, int64(1), f.unread.count(f.offline, f.channel))
	require.Equal(t, int64(0), f.unread.count(f.sender, f.channel))

	// Only the offline member is pushed.
	require.Len(t, f.notifier.offline, 1)
	require.Equal(t, []uuid.UUID{f.offline}, f.notifier.offline[0])
}

func TestProcessPublishedRowSkipsRebroadcast(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)
	row.Published = true

	f.proc.process(context.Background(), row)

	// The fast path already broadcast this payload; only the accounting
	// stages run.
	require.Empty(t, f.dispatcher.events)
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.done)
	require.Equal(t, int64(1), f.unread.count(f.online, f.channel))
	require.Len(t, f.notifier.offline, 1)
}

func TestProcessIsIdempotentAcrossReruns(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)

	f.proc.process(context.Background(), row)
	// Crash-and-requeue scenario: the same row runs again.
	f.proc.process(context.Background(), row)

	require.Equal(t, int64(1), f.unread.count(f.online, f.channel),
		"the watermark must absorb the second application")
}

func TestProcessSystemMessageSkipsUnread(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageCreated, model.TypeSystem)

	f.proc.process(context.Background(), row)

	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.done)
	require.Equal(t, int64(0), f.unread.count(f.online, f.channel))
	require.Equal(t, int64(0), f.unread.count(f.offline, f.channel))
}

func TestProcessUpdatedRowOnlyRebroadcasts(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageUpdated, model.TypeText)

	f.proc.process(context.Background(), row)

	require.Len(t, f.dispatcher.events, 1)
	require.Equal(t, event.MessageUpdated, f.dispatcher.events[0].GetKind())
	require.Equal(t, int64(0), f.unread.count(f.online, f.channel))
	require.Empty(t, f.notifier.offline)
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.done)
}

func TestProcessPublishFailureSchedulesRetry(t *testing.T) {
	f := newProcessorFixture(t)
	f.dispatcher.err = model.NewError(model.KindUnavailable, "bus down")
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)

	before := time.Now()
	f.proc.process(context.Background(), row)

	require.Empty(t, f.store.done)
	require.Len(t, f.store.retries, 1)
	r := f.store.retries[0]
	require.Equal(t, int32(1), r.attempt)
	require.True(t, r.at.After(before), "next attempt must be in the future")
}

func TestProcessExhaustedAttemptsParksFailed(t *testing.T) {
	f := newProcessorFixture(t)
	f.dispatcher.err = model.NewError(model.KindUnavailable, "bus down")
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)
	row.Attempt = 2 // MaxAttempts is 3; this run is the last straw.

	f.proc.process(context.Background(), row)

	require.Empty(t, f.store.retries)
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.failed)
}

func TestProcessCorruptPayloadFailsImmediately(t *testing.T) {
	f := newProcessorFixture(t)
	row := f.row(t, model.OutboxMessageCreated, model.TypeText)
	row.Payload = []byte("{not json")

	f.proc.process(context.Background(), row)

	require.Empty(t, f.store.retries)
	require.Equal(t, []uuid.UUID{row.MsgID}, f.store.failed)
}

func TestDrainHoldsChannelBehindFailedRow(t *testing.T) {
	f := newProcessorFixture(t)
	first := f.rowAtSeq(t, model.OutboxMessageCreated, model.TypeText, 1)
	second := f.rowAtSeq(t, model.OutboxMessageCreated, model.TypeText, 2)

	// The first unread apply for seq 1 fails transiently. If seq 2 were
	// allowed to settle, the watermark would jump to 2 and the retried
	// seq-1 increment would be absorbed as a re-run.
	f.unread.failSeq = 1
	f.store.batches = append(f.store.batches, []*model.OutboxRow{first, second})
	f.proc.drain(context.Background(), 0)

	require.Empty(t, f.store.done)
	require.Len(t, f.store.retries, 2)

	head, tail := f.store.retries[0], f.store.retries[1]
	require.Equal(t, first.MsgID, head.msgID)
	require.Equal(t, int32(1), head.attempt)
	require.Equal(t, second.MsgID, tail.msgID)
	require.Equal(t, int32(0), tail.attempt, "held-back rows are not charged an attempt")
	require.False(t, tail.at.Before(head.at), "the tail comes due with its blocked head")

	// Retry round: both rows settle in order and no increment is lost.
	f.store.batches = append(f.store.batches, []*model.OutboxRow{first, second})
	f.proc.drain(context.Background(), 0)

	require.Equal(t, []uuid.UUID{first.MsgID, second.MsgID}, f.store.done)
	require.Equal(t, int64(2), f.unread.count(f.online, f.channel))
	require.Equal(t, int64(2), f.unread.count(f.offline, f.channel))
}

func TestDrainBlockedChannelDoesNotStallOthers(t *testing.T) {
	f := newProcessorFixture(t)
	blockedRow := f.rowAtSeq(t, model.OutboxMessageCreated, model.TypeText, 1)

	other := *f.rowAtSeq(t, model.OutboxMessageCreated, model.TypeText, 1)
	other.ChannelID = uuid.New()

	f.unread.failSeq = 1
	f.store.batches = append(f.store.batches, []*model.OutboxRow{blockedRow, &other})
	f.proc.drain(context.Background(), 0)

	// Only the channel with the failed head is held back.
	require.Equal(t, []uuid.UUID{other.MsgID}, f.store.done)
	require.Len(t, f.store.retries, 1)
	require.Equal(t, blockedRow.MsgID, f.store.retries[0].msgID)
}
