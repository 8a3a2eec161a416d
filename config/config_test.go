package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Session.SnapshotEvery)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broadcast.Kafka.Brokers)
	assert.False(t, cfg.Broadcast.Kafka.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
session:
  snapshot_every: 10
  idle_timeout: 30s
store:
  backend: badger
  badger:
    in_memory: true
broadcast:
  kafka:
    enabled: true
    brokers: ["k1:9092", "k2:9092"]
log:
  format: json
`), 0o600))
	t.Setenv("COLLAB_SERVER_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env overrides file")
	assert.Equal(t, 10, cfg.Session.SnapshotEvery)
	assert.Equal(t, 30*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.True(t, cfg.Store.Badger.InMemory)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broadcast.Kafka.Brokers)
	assert.Equal(t, "collab-operations", cfg.Broadcast.Kafka.Topic)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "cassandra" }, true},
		{"firestore without project", func(c *Config) { c.Store.Backend = "firestore" }, true},
		{"mysql without dsn", func(c *Config) { c.Store.Backend = "mysql" }, true},
		{"mysql with dsn", func(c *Config) { c.Store.Backend = "mysql"; c.Store.MySQL.DSN = "u:p@/db" }, false},
		{"cache without interval", func(c *Config) { c.Store.Cache = true; c.Store.FlushInterval = 0 }, true},
		{"negative snapshot interval", func(c *Config) { c.Session.SnapshotEvery = -1 }, true},
		{"kafka without brokers", func(c *Config) { c.Broadcast.Kafka.Enabled = true; c.Broadcast.Kafka.Brokers = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "content_id", "doc1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"content_id":"doc1"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.Error(t, err)
}
