package service

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-service/internal/domain/model"
)

func seedChannel(t *testing.T, store *fakeStore, channel, sender uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.CreateMessage(context.Background(), &model.Message{
			ChannelID: channel,
			TenantID:  uuid.New(),
			SenderID:  sender,
			Type:      model.TypeText,
			Content:   fmt.Sprintf("msg %d", i+1),
		})
		require.NoError(t, err)
	}
}

func TestResyncPagesInOrder(t *testing.T) {
	channel, user := uuid.New(), uuid.New()
	store := newFakeStore()
	seedChannel(t, store, channel, user, 5)
	resolver := &fakeResolver{memberships: map[uuid.UUID]*model.Membership{
		channel: {ChannelID: channel, Members: []uuid.UUID{user}},
	}}
	svc := NewResyncService(store, resolver, 2)

	var got []int64
	afterSeq := int64(0)
	for {
		page, err := svc.Resync(context.Background(), user, channel, afterSeq, 2)
		require.NoError(t, err)
		for _, env := range page.Messages {
			got = append(got, env.SeqID)
		}
		require.Equal(t, int64(5), page.MaxSeq)
		if !page.HasMore {
			break
		}
		afterSeq = page.NextAfterSeq
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestResyncEmptyChannel(t *testing.T) {
	channel, user := uuid.New(), uuid.New()
	resolver := &fakeResolver{memberships: map[uuid.UUID]*model.Membership{
		channel: {ChannelID: channel, Members: []uuid.UUID{user}},
	}}
	svc := NewResyncService(newFakeStore(), resolver, 100)

	page, err := svc.Resync(context.Background(), user, channel, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page.Messages)
	require.False(t, page.HasMore)
	require.Equal(t, int64(0), page.NextAfterSeq)
}

func TestResyncForbiddenForNonMember(t *testing.T) {
	channel := uuid.New()
	resolver := &fakeResolver{memberships: map[uuid.UUID]*model.Membership{
		channel: {ChannelID: channel, Members: []uuid.UUID{uuid.New()}},
	}}
	svc := NewResyncService(newFakeStore(), resolver, 100)

	_, err := svc.Resync(context.Background(), uuid.New(), channel, 0, 10)
	require.Equal(t, model.KindForbidden, model.KindOf(err))
}

func TestResyncClampsLimit(t *testing.T) {
	channel, user := uuid.New(), uuid.New()
	store := newFakeStore()
	seedChannel(t, store, channel, user, 10)
	resolver := &fakeResolver{memberships: map[uuid.UUID]*model.Membership{
		channel: {ChannelID: channel, Members: []uuid.UUID{user}},
	}}
	svc := NewResyncService(store, resolver, 3)

	page, err := svc.Resync(context.Background(), user, channel, 0, 1000)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	require.True(t, page.HasMore)
}

func TestMarkReadAdvancesCursorMonotonically(t *testing.T) {
	channel, user := uuid.New(), uuid.New()
	store := newFakeStore()
	seedChannel(t, store, channel, user, 3)
	unread := newFakeUnread()
	for seq := int64(1); seq <= 3; seq++ {
		_, err := unread.ApplyIncrement(context.Background(), user, channel, seq)
		require.NoError(t, err)
	}
	svc := NewReadService(store, unread)

	var msg3 *model.Message
	for _, m := range store.byID {
		if m.SeqID == 3 {
			msg3 = m
		}
	}
	require.NotNil(t, msg3)

	cursor, err := svc.MarkRead(context.Background(), user, msg3.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor.LastReadSeqID)
	require.Equal(t, int64(0), cursor.UnreadCount)

	// Acknowledging an older message never moves the cursor back.
	var msg1 *model.Message
	for _, m := range store.byID {
		if m.SeqID == 1 {
			msg1 = m
		}
	}
	cursor, err = svc.MarkRead(context.Background(), user, msg1.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor.LastReadSeqID)
}

func TestMutateEditAndDeleteBroadcast(t *testing.T) {
	channel, sender := uuid.New(), uuid.New()
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	svc := NewMutateService(store, dispatcher, slog.New(slog.DiscardHandler))

	msg, err := store.CreateMessage(context.Background(), &model.Message{
		ChannelID: channel,
		TenantID:  uuid.New(),
		SenderID:  sender,
		Type:      model.TypeText,
		Content:   "original",
	})
	require.NoError(t, err)

	env, err := svc.Edit(context.Background(), sender, msg.ID, "edited")
	require.NoError(t, err)
	require.Equal(t, "edited", env.Content)
	require.Equal(t, msg.SeqID, env.SeqID, "edits keep the original ordering position")
	require.NotZero(t, env.EditedAt)

	// Only the sender may mutate.
	_, err = svc.Edit(context.Background(), uuid.New(), msg.ID, "hijack")
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	// Blanking the body is a client error, not a delete.
	_, err = svc.Edit(context.Background(), sender, msg.ID, "")
	require.Equal(t, model.KindBadRequest, model.KindOf(err))

	env, err = svc.Delete(context.Background(), sender, msg.ID)
	require.NoError(t, err)
	require.True(t, env.Deleted)
	require.Empty(t, env.Content, "tombstones carry no content")

	events := dispatcher.published()
	require.Len(t, events, 2)
	require.Equal(t, "message_update", events[0].GetKind().String())
	require.Equal(t, "message_delete", events[1].GetKind().String())
}
