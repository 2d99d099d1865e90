package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "info", cfg.Service.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval)
	require.Equal(t, int32(10), cfg.Outbox.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.Dedup.TTL)
	require.Empty(t, cfg.Broker.URL, "default is the in-process bus")
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("IM_MESSAGE_HTTP_ADDR", ":9999")
	t.Setenv("IM_MESSAGE_SERVICE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"gateway:\n  single_session: true\n  publish_rate: 5\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Gateway.SingleSession)
	require.Equal(t, 5.0, cfg.Gateway.PublishRate)
	// Untouched keys keep their defaults.
	require.Equal(t, 128, cfg.Outbox.BatchSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
