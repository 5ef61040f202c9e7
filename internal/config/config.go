// Package config loads ordersync configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tulemar/ordersync/internal/realtime/redis"
	"github.com/tulemar/ordersync/pkg/kafka"
	"github.com/tulemar/ordersync/pkg/mongodb"
	"github.com/tulemar/ordersync/pkg/outbox"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// ServiceName identifies the process in logs, metrics and traces
const ServiceName = "ordersync"

// Store backends
const (
	StoreMongoDB = "mongodb"
	StoreMemory  = "memory"
)

// Transport backends
const (
	TransportKafka  = "kafka"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// RealtimeConfig tunes subscriptions, snapshots and fan-out
type RealtimeConfig struct {
	RetryAttempts  int           `yaml:"retryAttempts"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
	EventWindow    int           `yaml:"eventWindow"`
	QueueSize      int           `yaml:"queueSize"`
	ResyncDebounce time.Duration `yaml:"resyncDebounce"`
	ReopenDelay    time.Duration `yaml:"reopenDelay"`
	EventLimit     int           `yaml:"eventLimit"`
}

// RedisConfig mirrors redis.Config with yaml tags
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the settings an operator is expected to change
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`
}

// IdempotencyConfig controls Idempotency-Key handling on write routes
type IdempotencyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RequireKey  bool          `yaml:"requireKey"`
	LockTimeout time.Duration `yaml:"lockTimeout"`
	Retention   time.Duration `yaml:"retention"`
}

// Config holds application configuration
type Config struct {
	ServerAddr string `yaml:"serverAddr"`
	LogLevel   string `yaml:"logLevel"`
	Store      string `yaml:"store"`
	Transport  string `yaml:"transport"`

	MongoDB  mongodb.Config     `yaml:"mongodb"`
	Kafka    KafkaConfig        `yaml:"kafka"`
	Redis    RedisConfig        `yaml:"redis"`
	Realtime RealtimeConfig     `yaml:"realtime"`
	Outbox   outbox.RelayConfig `yaml:"outbox"`
	Tracing  tracing.Config     `yaml:"tracing"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	kc := kafka.DefaultConfig()
	return &Config{
		ServerAddr: ":8080",
		LogLevel:   "info",
		Store:      StoreMongoDB,
		Transport:  TransportKafka,
		MongoDB:    *mongodb.DefaultConfig(),
		Kafka: KafkaConfig{
			Brokers:  kc.Brokers,
			ClientID: kc.ClientID,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Realtime: RealtimeConfig{
			RetryAttempts:  5,
			RetryDelay:     200 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			EventWindow:    50,
			QueueSize:      256,
			ResyncDebounce: 25 * time.Millisecond,
			ReopenDelay:    time.Second,
			EventLimit:     50,
		},
		Outbox:  *outbox.DefaultRelayConfig(),
		Tracing: *tracing.DefaultConfig(ServiceName),
		Idempotency: IdempotencyConfig{
			Enabled:     true,
			LockTimeout: time.Minute,
			Retention:   24 * time.Hour,
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_ADDR", &c.ServerAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("ORDERSYNC_STORE", &c.Store)
	str("ORDERSYNC_TRANSPORT", &c.Transport)

	str("MONGODB_URI", &c.MongoDB.URI)
	str("MONGODB_DATABASE", &c.MongoDB.Database)
	str("MONGODB_REPLICA_SET", &c.MongoDB.ReplicaSet)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	str("KAFKA_CLIENT_ID", &c.Kafka.ClientID)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)

	num("REALTIME_RETRY_ATTEMPTS", &c.Realtime.RetryAttempts)
	dur("REALTIME_RETRY_DELAY", &c.Realtime.RetryDelay)
	num("REALTIME_EVENT_WINDOW", &c.Realtime.EventWindow)
	num("REALTIME_QUEUE_SIZE", &c.Realtime.QueueSize)
	dur("REALTIME_RESYNC_DEBOUNCE", &c.Realtime.ResyncDebounce)
	dur("REALTIME_REOPEN_DELAY", &c.Realtime.ReopenDelay)

	dur("OUTBOX_POLL_INTERVAL", &c.Outbox.PollInterval)
	num("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	str("ENVIRONMENT", &c.Tracing.Environment)
	if v, ok := lookup("TRACING_ENABLED"); ok && v != "" {
		c.Tracing.Enabled = v == "true"
	}

	if v, ok := lookup("IDEMPOTENCY_ENABLED"); ok && v != "" {
		c.Idempotency.Enabled = v == "true"
	}
	if v, ok := lookup("IDEMPOTENCY_REQUIRE_KEY"); ok && v != "" {
		c.Idempotency.RequireKey = v == "true"
	}
	dur("IDEMPOTENCY_RETENTION", &c.Idempotency.Retention)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, errors.New("serverAddr is required"))
	}
	switch c.Store {
	case StoreMongoDB:
		if c.MongoDB.URI == "" || c.MongoDB.Database == "" {
			errs = append(errs, errors.New("mongodb.uri and mongodb.database are required"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Transport {
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case TransportMemory:
		if c.Store != StoreMemory {
			errs = append(errs, errors.New("memory transport requires the memory store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Realtime.RetryAttempts < 1 {
		errs = append(errs, errors.New("realtime.retryAttempts must be at least 1"))
	}
	if c.Realtime.EventWindow < 1 {
		errs = append(errs, errors.New("realtime.eventWindow must be positive"))
	}
	if c.Realtime.QueueSize < 1 {
		errs = append(errs, errors.New("realtime.queueSize must be positive"))
	}
	if c.Realtime.ResyncDebounce < 0 {
		errs = append(errs, errors.New("realtime.resyncDebounce must not be negative"))
	}
	if c.Realtime.ReopenDelay <= 0 {
		errs = append(errs, errors.New("realtime.reopenDelay must be positive"))
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.BatchSize < 1 {
		errs = append(errs, errors.New("outbox.pollInterval and outbox.batchSize must be positive"))
	}
	if c.Idempotency.Enabled && (c.Idempotency.LockTimeout <= 0 || c.Idempotency.Retention <= 0) {
		errs = append(errs, errors.New("idempotency.lockTimeout and idempotency.retention must be positive"))
	}

	return errors.Join(errs...)
}

// KafkaSettings expands the Kafka section onto the package defaults
func (c *Config) KafkaSettings() *kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Brokers = c.Kafka.Brokers
	if c.Kafka.ClientID != "" {
		kc.ClientID = c.Kafka.ClientID
	}
	return kc
}

// RedisSettings converts the Redis section
func (c *Config) RedisSettings() redis.Config {
	return redis.Config{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		DialTimeout: 5 * time.Second,
	}
}
