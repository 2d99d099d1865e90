package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-message-service/infra/client/membership"
	"github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/metrics"
	"go.uber.org/fx"
)

const (
	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicMessageCreated = "im_message.v1.*.*.message.created"
	TopicMessageUpdated = "im_message.v1.*.*.message.updated"
	TopicMessageDeleted = "im_message.v1.*.*.message.deleted"

	// ------------------- QUEUES (CONSUMERS) --------------------
	GatewayConsumerQueue = "im-message.gateway.v1"
	GatewayPoisonTopic   = "im-message.gateway.v1.poison"
)

type FanoutHandler struct {
	hub        registry.Hubber
	members    membership.Resolver
	dispatcher pubsub.EventDispatcher
	metrics    *metrics.Set
	logger     *slog.Logger
}

func NewFanoutHandler(
	hub registry.Hubber,
	members membership.Resolver,
	dispatcher pubsub.EventDispatcher,
	set *metrics.Set,
	logger *slog.Logger,
) *FanoutHandler {
	return &FanoutHandler{hub: hub, members: members, dispatcher: dispatcher, metrics: set, logger: logger}
}

func NewWatermillRouter(wmlog watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, wmlog)
}

// RegisterHandlers wires the fan-out pipeline: one queue per handler per
// node, so every gateway instance sees every channel event and filters by
// local connectivity.
func (h *FanoutHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), GatewayPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_MSG_CREATED", TopicMessageCreated, Bind(h, "message.created")},
		{"ON_MSG_UPDATED", TopicMessageUpdated, Bind(h, "message.updated")},
		{"ON_MSG_DELETED", TopicMessageDeleted, Bind(h, "message.deleted")},
	}

	for _, c := range configs {
		instanceID := uuid.NewString()[:8]
		// [UNIQUE_HANDLER_QUEUE]
		// Each handler on each node gets its own queue so fan-out reaches
		// every gateway instance instead of load-balancing across them.
		// Format: im-message.gateway.v1.b23a8f12.ON_MSG_CREATED
		handlerQueue := fmt.Sprintf("%s.%s.%s", GatewayConsumerQueue, instanceID, c.name)

		sub, err := subProvider.Build(handlerQueue, c.topic)
		if err != nil {
			return err
		}

		router.AddNoPublisherHandler(c.name, sub.Topic, sub.Subscriber, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(1000, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("BUS_PIPELINE_READY", "queue", GatewayConsumerQueue)
	return nil
}

// RunRouter ties the router to the application lifecycle.
func RunRouter(lc fx.Lifecycle, router *message.Router, logger *slog.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := router.Run(runCtx); err != nil {
					logger.Error("BUS_ROUTER_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return router.Close()
		},
	})
}
