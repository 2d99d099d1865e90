package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration, bound from environment
// variables (IM_MESSAGE_* prefix) with an optional YAML file on top.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Clients  ClientsConfig  `mapstructure:"clients"`

	v *viper.Viper
}

type ServiceConfig struct {
	// GatewayID identifies this node in presence records. Defaults to a
	// random suffix when empty.
	GatewayID string `mapstructure:"gateway_id"`
	LogLevel  string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	// AMQP connection URL. Empty selects the in-process bus, used by tests
	// and single-node deployments.
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MailboxSize       int           `mapstructure:"mailbox_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	// SingleSession evicts older sessions of the same device class when a
	// new one authenticates.
	SingleSession bool `mapstructure:"single_session"`
	// PublishRate caps client publish frames per second per connection;
	// PublishBurst is the bucket size.
	PublishRate  float64 `mapstructure:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst"`
	ResyncLimit  int     `mapstructure:"resync_limit"`
}

type IngestConfig struct {
	// Timeout is the wall-clock budget for one CreateMessage call.
	Timeout time.Duration `mapstructure:"timeout"`
	// BatchedChannels lists channel IDs that opt into block sequence
	// allocation. Those channels trade gap-free numbering for throughput.
	BatchedChannels []string `mapstructure:"batched_channels"`
	SeqBlockSize    int64    `mapstructure:"seq_block_size"`
}

type OutboxConfig struct {
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batch_size"`
	PollEvery   time.Duration `mapstructure:"poll_every"`
	MaxAttempts int32         `mapstructure:"max_attempts"`
}

type DedupConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

type ClientsConfig struct {
	// MembershipURL points at the external channel membership service.
	MembershipURL string `mapstructure:"membership_url"`
	// AuthURL points at the token introspection endpoint. Empty enables the
	// insecure development verifier.
	AuthURL        string        `mapstructure:"auth_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MembershipTTL  time.Duration `mapstructure:"membership_ttl"`
}

// LoadConfig reads configuration from the environment, command-line flags
// and, when provided, the file at path. Defaults are production-sane for a
// single node.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("service.log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("broker.exchange", "im_message.events")
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.mailbox_size", 2048)
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.publish_rate", 20.0)
	v.SetDefault("gateway.publish_burst", 40)
	v.SetDefault("gateway.resync_limit", 200)
	v.SetDefault("ingest.timeout", 5*time.Second)
	v.SetDefault("ingest.seq_block_size", 64)
	v.SetDefault("outbox.workers", 0) // 0 = cores*2
	v.SetDefault("outbox.batch_size", 128)
	v.SetDefault("outbox.poll_every", time.Second)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("dedup.ttl", 5*time.Minute)
	v.SetDefault("dedup.size", 65536)
	v.SetDefault("clients.request_timeout", 3*time.Second)
	v.SetDefault("clients.membership_ttl", 30*time.Second)

	v.SetEnvPrefix("IM_MESSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The cli framework owns the leading arguments, so unknown flags are
	// expected here and must not abort parsing.
	fs := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	if err := BindFlags(fs, v); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	_ = fs.Parse(os.Args[1:])

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if path != "" {
		cfg.v = v
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and hands the fresh snapshot to
// apply. No-op without a config file. Only settings the caller re-applies
// take effect; everything wired at startup keeps its original value.
func (c *Config) Watch(apply func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(fsnotify.Event) {
		var next Config
		if err := c.v.Unmarshal(&next); err != nil {
			return
		}
		apply(&next)
	})
	c.v.WatchConfig()
}

// BindFlags registers the settings that may be overridden from the command
// line. Flag names mirror the viper keys so BindPFlags lines them up.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("http.addr", ":8080", "HTTP listen address")
	fs.String("postgres.dsn", "", "PostgreSQL connection string")
	fs.String("broker.url", "", "AMQP broker URL, empty runs the in-process bus")
	fs.String("service.log_level", "info", "minimum log level")
	return v.BindPFlags(fs)
}
