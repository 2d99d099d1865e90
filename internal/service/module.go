package service

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/infra/client/membership"
	adapterpubsub "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/dedup"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/presence"
	"github.com/webitel/im-message-service/internal/sequence"
	"github.com/webitel/im-message-service/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("core-services",
	fx.Provide(
		newAllocator,
		fx.Annotate(newIngest, fx.As(new(Ingester))),
		fx.Annotate(newResync, fx.As(new(Resyncer))),
		fx.Annotate(
			func(store storage.MessageStore, unread storage.UnreadStore) *ReadService {
				return NewReadService(store, unread)
			},
			fx.As(new(Reader)),
		),
		fx.Annotate(
			func(store storage.MessageStore, d adapterpubsub.EventDispatcher, logger *slog.Logger) *MutateService {
				return NewMutateService(store, d, logger)
			},
			fx.As(new(Mutator)),
		),
		fx.Annotate(newDelivery, fx.As(new(Deliverer))),
	),
	// Every Ingester consumer sees the instrumented write path.
	fx.Decorate(NewIngestObserver),
)

func newAllocator(cfg *config.Config, store storage.MessageStore) *sequence.Allocator {
	channels := make([]uuid.UUID, 0, len(cfg.Ingest.BatchedChannels))
	for _, raw := range cfg.Ingest.BatchedChannels {
		if id, err := uuid.Parse(raw); err == nil {
			channels = append(channels, id)
		}
	}
	return sequence.NewAllocator(store, cfg.Ingest.SeqBlockSize, channels)
}

func newIngest(
	cfg *config.Config,
	store storage.MessageStore,
	cache dedup.Cache,
	members membership.Resolver,
	allocator *sequence.Allocator,
	dispatcher adapterpubsub.EventDispatcher,
	logger *slog.Logger,
) *IngestService {
	return NewIngestService(store, cache, members, allocator, dispatcher, logger, cfg.Ingest.Timeout)
}

func newResync(cfg *config.Config, store storage.MessageStore, members membership.Resolver) *ResyncService {
	return NewResyncService(store, members, cfg.Gateway.ResyncLimit)
}

func newDelivery(cfg *config.Config, hub registry.Hubber, reg presence.Registry, logger *slog.Logger) *DeliveryService {
	return NewDeliveryService(hub, reg, logger,
		cfg.Service.GatewayID,
		cfg.Gateway.SendBuffer,
		cfg.Gateway.SingleSession,
	)
}
