package cmd

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-service/config"
	"github.com/webitel/im-message-service/internal/metrics"
	"go.uber.org/fx/fxevent"
)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.Service.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}

	if cfg.Service.GatewayID == "" {
		cfg.Service.GatewayID = ServiceName + "-" + uuid.NewString()[:8]
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With(
		"service", ServiceName,
		"gateway_id", cfg.Service.GatewayID,
	)
	slog.SetDefault(logger)

	// Log level is the one setting that follows config-file edits live.
	cfg.Watch(func(next *config.Config) {
		if err := level.UnmarshalText([]byte(next.Service.LogLevel)); err == nil {
			logger.Info("LOG_LEVEL_CHANGED", "level", next.Service.LogLevel)
		}
	})
	return logger
}

// ProvideRedis returns nil when no address is configured; the dedup and
// presence modules fall back to their in-memory implementations.
func ProvideRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func ProvideMetrics() *metrics.Set {
	return metrics.New()
}

func ProvideFxLogger(logger *slog.Logger) fxevent.Logger {
	return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
}
