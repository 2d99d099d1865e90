package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/presence"
)

// Deliverer owns the lifecycle of gateway sessions: registration in the
// local hub, cluster-wide presence, and the single-session policy.
type Deliverer interface {
	Subscribe(ctx context.Context, id *model.Identity, meta registry.ConnectMetadata) (registry.Connector, error)
	Unsubscribe(ctx context.Context, userID uuid.UUID, conn registry.Connector)
	Heartbeat(ctx context.Context, userID, connID uuid.UUID)
	Stats() model.HubStats
}

type DeliveryService struct {
	hub           registry.Hubber
	presence      presence.Registry
	logger        *slog.Logger
	gatewayID     string
	sendBuffer    int
	singleSession bool
}

func NewDeliveryService(
	hub registry.Hubber,
	reg presence.Registry,
	logger *slog.Logger,
	gatewayID string,
	sendBuffer int,
	singleSession bool,
) *DeliveryService {
	return &DeliveryService{
		hub:           hub,
		presence:      reg,
		logger:        logger,
		gatewayID:     gatewayID,
		sendBuffer:    sendBuffer,
		singleSession: singleSession,
	}
}

// Subscribe registers a fresh session for an authenticated identity and
// hands back the connector the transport pump drains. The welcome event is
// queued before any channel traffic can reach the session.
func (s *DeliveryService) Subscribe(ctx context.Context, id *model.Identity, meta registry.ConnectMetadata) (registry.Connector, error) {
	if meta.DeviceClass == "" {
		meta.DeviceClass = id.DeviceClass
	}

	conn := registry.NewConnector(ctx, id.UserID, meta, s.sendBuffer)
	s.hub.Register(conn)

	if s.singleSession {
		kick := event.NewSystemEvent(id.UserID, event.SessionKicked, event.PriorityHigh,
			&event.ClosePayload{Reason: "replaced by a newer session"})
		if n := s.hub.Kick(id.UserID, meta.DeviceClass, conn.GetID(), kick); n > 0 {
			s.logger.Info("SESSION_KICKED",
				"user_id", id.UserID,
				"device_class", meta.DeviceClass,
				"evicted", n,
			)
		}
	}

	if err := s.presence.Bind(ctx, id.UserID, s.gatewayID, conn.GetID()); err != nil {
		// The local hub still routes; only cross-node lookups degrade.
		s.logger.Warn("PRESENCE_BIND_FAILED", "user_id", id.UserID, "err", err)
	}

	welcome := event.NewSystemEvent(id.UserID, event.Connected, event.PriorityHigh, &event.WelcomePayload{
		UserID:     id.UserID.String(),
		SessionID:  conn.GetID().String(),
		ServerTime: time.Now().UnixMilli(),
	})
	conn.Send(welcome, time.Second)

	s.logger.Info("SESSION_OPENED",
		"user_id", id.UserID,
		"conn_id", conn.GetID(),
		"device_class", meta.DeviceClass,
		"remote_ip", meta.RemoteIP,
	)
	return conn, nil
}

// Unsubscribe tears the session down in both registries. Safe to call
// after the connector has already been evicted.
func (s *DeliveryService) Unsubscribe(ctx context.Context, userID uuid.UUID, conn registry.Connector) {
	connID := conn.GetID()
	s.hub.Unregister(userID, connID)
	conn.Close()

	if err := s.presence.Unbind(ctx, userID, s.gatewayID, connID); err != nil {
		s.logger.Warn("PRESENCE_UNBIND_FAILED", "user_id", userID, "err", err)
	}
	s.logger.Info("SESSION_CLOSED", "user_id", userID, "conn_id", connID)
}

// Heartbeat refreshes the presence TTL on each client ping.
func (s *DeliveryService) Heartbeat(ctx context.Context, userID, connID uuid.UUID) {
	if err := s.presence.Touch(ctx, userID, s.gatewayID, connID); err != nil {
		s.logger.Debug("PRESENCE_TOUCH_FAILED", "user_id", userID, "err", err)
	}
}

func (s *DeliveryService) Stats() model.HubStats {
	return s.hub.Stats()
}
