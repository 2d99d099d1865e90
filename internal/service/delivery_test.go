package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/presence"
)

func newDeliveryFixture(singleSession bool) (*DeliveryService, *registry.Hub, presence.Registry) {
	hub := registry.NewHub()
	reg := presence.NewMemoryRegistry(30 * time.Second)
	svc := NewDeliveryService(hub, reg, slog.New(slog.DiscardHandler), "gw-test", 16, singleSession)
	return svc, hub, reg
}

func TestSubscribeDeliversWelcomeFirst(t *testing.T) {
	svc, hub, reg := newDeliveryFixture(false)
	defer hub.Shutdown()

	id := &model.Identity{UserID: uuid.New(), TenantID: uuid.New(), DeviceClass: "web"}
	conn, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{})
	require.NoError(t, err)
	defer svc.Unsubscribe(context.Background(), id.UserID, conn)

	select {
	case ev := <-conn.Recv():
		require.Equal(t, event.Connected, ev.GetKind())
		payload, ok := ev.GetPayload().(*event.WelcomePayload)
		require.True(t, ok)
		require.Equal(t, conn.GetID().String(), payload.SessionID)
	case <-time.After(time.Second):
		t.Fatal("welcome never arrived")
	}

	require.True(t, hub.IsConnected(id.UserID))
	online, err := reg.FilterOnline(context.Background(), []uuid.UUID{id.UserID})
	require.NoError(t, err)
	require.Len(t, online, 1)
}

func TestUnsubscribeGoesOffline(t *testing.T) {
	svc, hub, reg := newDeliveryFixture(false)
	defer hub.Shutdown()

	id := &model.Identity{UserID: uuid.New()}
	conn, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{})
	require.NoError(t, err)

	svc.Unsubscribe(context.Background(), id.UserID, conn)

	require.False(t, hub.IsConnected(id.UserID))
	online, err := reg.FilterOnline(context.Background(), []uuid.UUID{id.UserID})
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestSingleSessionKicksSameDeviceClass(t *testing.T) {
	svc, hub, _ := newDeliveryFixture(true)
	defer hub.Shutdown()

	id := &model.Identity{UserID: uuid.New(), DeviceClass: "mobile"}

	first, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{DeviceClass: "mobile"})
	require.NoError(t, err)
	firstRecv := first.Recv()
	<-firstRecv // drain welcome

	second, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{DeviceClass: "mobile"})
	require.NoError(t, err)
	defer svc.Unsubscribe(context.Background(), id.UserID, second)

	select {
	case ev := <-firstRecv:
		require.Equal(t, event.SessionKicked, ev.GetKind())
	case <-time.After(time.Second):
		t.Fatal("old session was never kicked")
	}

	require.Equal(t, 1, hub.Stats().ActiveSessions)
}

func TestSingleSessionSparesOtherDeviceClass(t *testing.T) {
	svc, hub, _ := newDeliveryFixture(true)
	defer hub.Shutdown()

	id := &model.Identity{UserID: uuid.New()}

	desktop, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{DeviceClass: "desktop"})
	require.NoError(t, err)
	defer svc.Unsubscribe(context.Background(), id.UserID, desktop)

	mobile, err := svc.Subscribe(context.Background(), id, registry.ConnectMetadata{DeviceClass: "mobile"})
	require.NoError(t, err)
	defer svc.Unsubscribe(context.Background(), id.UserID, mobile)

	require.Equal(t, 2, hub.Stats().ActiveSessions)
}
