package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("postgres",
	fx.Provide(
		NewPool,
		NewStore,
		fx.Annotate(func(s *Store) storage.MessageStore { return s }, fx.As(new(storage.MessageStore))),
		fx.Annotate(func(s *Store) storage.OutboxStore { return s }, fx.As(new(storage.OutboxStore))),
		fx.Annotate(func(s *Store) storage.UnreadStore { return s }, fx.As(new(storage.UnreadStore))),
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Migrate(ctx)
			},
			OnStop: func(ctx context.Context) error {
				s.Close()
				return nil
			},
		})
	}),
)

func NewPool(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return pool, nil
}
