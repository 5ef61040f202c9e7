package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Realtime.EventWindow)
	assert.Equal(t, 25*time.Millisecond, cfg.Realtime.ResyncDebounce)
	assert.Equal(t, 256, cfg.Realtime.QueueSize)
	assert.Equal(t, time.Second, cfg.Realtime.ReopenDelay)
}

func TestLoadOverlaysYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ordersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serverAddr: ":9000"
store: memory
transport: memory
realtime:
  eventWindow: 20
  resyncDebounce: 40ms
outbox:
  pollInterval: 1s
  batchSize: 10
`), 0o600))

	t.Setenv("REALTIME_EVENT_WINDOW", "30")
	t.Setenv("SERVER_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 30, cfg.Realtime.EventWindow)
	assert.Equal(t, 40*time.Millisecond, cfg.Realtime.ResyncDebounce)
	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 5, cfg.Realtime.RetryAttempts, "untouched keys keep defaults")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"KAFKA_BROKERS":       "k1:9092,k2:9092",
		"ORDERSYNC_TRANSPORT": "redis",
		"REDIS_DB":            "3",
		"TRACING_ENABLED":     "true",
		"IDEMPOTENCY_ENABLED": "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, 3, cfg.RedisSettings().DB)
	assert.True(t, cfg.Tracing.Enabled)
	assert.False(t, cfg.Idempotency.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaSettings().Brokers)
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"REDIS_DB":                 "three",
		"REALTIME_RESYNC_DEBOUNCE": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_DB")
	assert.Contains(t, err.Error(), "REALTIME_RESYNC_DEBOUNCE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, `unknown store "sqlite"`},
		{"unknown transport", func(c *Config) { c.Transport = "nats" }, `unknown transport "nats"`},
		{"memory transport needs memory store", func(c *Config) { c.Transport = TransportMemory }, "memory transport requires"},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"zero window", func(c *Config) { c.Realtime.EventWindow = 0 }, "eventWindow"},
		{"zero queue", func(c *Config) { c.Realtime.QueueSize = 0 }, "queueSize"},
		{"no attempts", func(c *Config) { c.Realtime.RetryAttempts = 0 }, "retryAttempts"},
		{"zero reopen delay", func(c *Config) { c.Realtime.ReopenDelay = 0 }, "reopenDelay"},
		{"zero idempotency retention", func(c *Config) { c.Idempotency.Retention = 0 }, "idempotency.retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
