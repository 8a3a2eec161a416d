// Package config loads server configuration from a YAML file and COLLAB_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Store     StoreConfig     `mapstructure:"store"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// OpsPerSecond and Burst rate-limit each websocket connection.
	OpsPerSecond float64 `mapstructure:"ops_per_second"`
	Burst        int     `mapstructure:"burst"`
	// AllowOrigins lists CORS origins. Empty allows any origin.
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type SessionConfig struct {
	SnapshotEvery int           `mapstructure:"snapshot_every"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type StoreConfig struct {
	// Backend is one of memory, firestore, mysql, badger.
	Backend       string          `mapstructure:"backend"`
	Cache         bool            `mapstructure:"cache"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	Firestore     FirestoreConfig `mapstructure:"firestore"`
	MySQL         MySQLConfig     `mapstructure:"mysql"`
	Badger        BadgerConfig    `mapstructure:"badger"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

type MySQLConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

type BroadcastConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
}

type KafkaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
	MaxRetry    int           `mapstructure:"max_retry"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type RedisConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	Prefix   string   `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.static_dir", "static")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.ops_per_second", 50.0)
	v.SetDefault("server.burst", 100)
	v.SetDefault("server.allow_origins", []string{})

	v.SetDefault("session.snapshot_every", 50)
	v.SetDefault("session.idle_timeout", 5*time.Minute)
	v.SetDefault("session.write_timeout", 10*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.cache", false)
	v.SetDefault("store.flush_interval", 2*time.Second)
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.collection", "contents")
	v.SetDefault("store.mysql.dsn", "")
	v.SetDefault("store.mysql.migrate", true)
	v.SetDefault("store.badger.path", "data/badger")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.badger.sync_writes", true)

	v.SetDefault("broadcast.kafka.enabled", false)
	v.SetDefault("broadcast.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broadcast.kafka.topic", "collab-operations")
	v.SetDefault("broadcast.kafka.queue_size", 10_000)
	v.SetDefault("broadcast.kafka.workers", 4)
	v.SetDefault("broadcast.kafka.max_in_flight", 4)
	v.SetDefault("broadcast.kafka.max_retry", 3)
	v.SetDefault("broadcast.kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("broadcast.kafka.max_backoff", time.Second)
	v.SetDefault("broadcast.redis.enabled", false)
	v.SetDefault("broadcast.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("broadcast.redis.password", "")
	v.SetDefault("broadcast.redis.prefix", "collab:ops:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path, or from collab.yaml in the working
// directory or ./config when path is empty. A missing default file is not an
// error. COLLAB_SERVER_ADDR overrides server.addr and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "badger":
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return errors.New("store.firestore.project_id is required for the firestore backend")
		}
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return errors.New("store.mysql.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Cache && c.Store.FlushInterval <= 0 {
		return errors.New("store.flush_interval must be positive when store.cache is set")
	}
	if c.Session.SnapshotEvery < 0 {
		return errors.New("session.snapshot_every must not be negative")
	}
	if c.Broadcast.Kafka.Enabled && len(c.Broadcast.Kafka.Brokers) == 0 {
		return errors.New("broadcast.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}
