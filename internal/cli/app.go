package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tulemar/ordersync/internal/config"
	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/eventbus"
	"github.com/tulemar/ordersync/internal/infrastructure/memory"
	mongoStore "github.com/tulemar/ordersync/internal/infrastructure/mongodb"
	"github.com/tulemar/ordersync/internal/realtime"
	kafkaTransport "github.com/tulemar/ordersync/internal/realtime/kafka"
	memoryTransport "github.com/tulemar/ordersync/internal/realtime/memory"
	redisTransport "github.com/tulemar/ordersync/internal/realtime/redis"
	"github.com/tulemar/ordersync/internal/workflow"
	"github.com/tulemar/ordersync/pkg/idempotency"
	idempotencyMongo "github.com/tulemar/ordersync/pkg/idempotency/mongodb"
	"github.com/tulemar/ordersync/pkg/kafka"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/mongodb"
	"github.com/tulemar/ordersync/pkg/outbox"
	"github.com/tulemar/ordersync/pkg/resilience"
)

// app is the assembled process: one store, one transport and the bus and
// workflow service over them
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	store     domain.Store
	mongo     *mongodb.Client
	outbox    outbox.Repository
	keys      idempotency.Store
	transport realtime.Transport
	manager   *realtime.Manager
	bus       *eventbus.Bus
	workflow  *workflow.Service

	closers []func(context.Context) error
}

func newLogger(cfg *config.Config) *logging.Logger {
	logConfig := logging.DefaultConfig(config.ServiceName)
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	logConfig.Version = Version
	logger := logging.New(logConfig)
	logger.SetDefault()
	return logger
}

// buildApp connects the configured backends. The returned app must be
// closed even when later startup steps fail.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(metrics.DefaultConfig(config.ServiceName)),
	}

	if err := a.openStore(ctx); err != nil {
		return a, err
	}
	if err := a.openTransport(ctx); err != nil {
		return a, err
	}

	a.manager = realtime.NewManager(a.transport, &resilience.RetryConfig{
		MaxAttempts:   cfg.Realtime.RetryAttempts,
		InitialDelay:  cfg.Realtime.RetryDelay,
		MaxDelay:      cfg.Realtime.RetryMaxDelay,
		BackoffFactor: resilience.DefaultRetryBackoffFactor,
	}, logger, a.metrics)
	a.closers = append(a.closers, func(context.Context) error { return a.manager.Close() })

	a.bus = eventbus.New(eventbus.Deps{
		Reader:    a.store,
		Events:    a.store,
		Manager:   a.manager,
		Transport: a.transport,
		Logger:    logger,
		Metrics:   a.metrics,
	}, eventbus.Config{
		EventWindow:    cfg.Realtime.EventWindow,
		QueueSize:      cfg.Realtime.QueueSize,
		ResyncDebounce: cfg.Realtime.ResyncDebounce,
		ReopenDelay:    cfg.Realtime.ReopenDelay,
	})
	a.closers = append(a.closers, func(context.Context) error { return a.bus.Close() })

	a.workflow = workflow.NewService(a.store, a.bus, logger, workflow.WithMetrics(a.metrics))
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StoreMemory:
		a.store = memory.NewStore()
		a.keys = idempotency.NewMemoryStore()
		return nil
	case config.StoreMongoDB:
		client, err := mongodb.NewClient(ctx, &a.cfg.MongoDB, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		a.mongo = client
		a.closers = append(a.closers, client.Close)

		store := mongoStore.NewStore(client)
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		a.store = store
		a.outbox = store.Outbox()

		keys := idempotencyMongo.NewStore(client.Database())
		if err := keys.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		a.keys = keys
		return nil
	}
	return fmt.Errorf("unknown store %q", a.cfg.Store)
}

// breakerConfig exports the breaker state as a gauge
func (a *app) breakerConfig(name string) *resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig(name)
	cfg.OnStateChange = func(name string, state gobreaker.State) {
		a.metrics.SetCircuitBreakerState(name, int(state))
	}
	return cfg
}

func (a *app) openTransport(ctx context.Context) error {
	switch a.cfg.Transport {
	case config.TransportMemory:
		mt := memoryTransport.New()
		if mem, ok := a.store.(*memory.Store); ok {
			mem.SetChangeSink(mt.Emit)
		}
		a.transport = mt
	case config.TransportKafka:
		kc := a.cfg.KafkaSettings()
		producer := kafka.NewCircuitBreakerProducer(
			kafka.NewProducer(kc),
			a.breakerConfig("kafka-broadcast"),
			a.logger.Logger,
		)
		a.transport = kafkaTransport.New(kc, producer, a.logger)
	case config.TransportRedis:
		client, err := redisTransport.NewClient(ctx, a.cfg.RedisSettings())
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.transport = redisTransport.New(client, a.breakerConfig("redis-broadcast"), a.logger)
	default:
		return fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
	if mem, ok := a.store.(*memory.Store); ok && a.cfg.Transport != config.TransportMemory {
		mem.SetChangeSink(a.transport.Broadcast)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.transport.Close() })
	return nil
}

// newRelay returns the outbox relay, or nil when the store keeps no outbox
func (a *app) newRelay() *outbox.Relay {
	if a.outbox == nil {
		return nil
	}
	relayConfig := a.cfg.Outbox
	return outbox.NewRelay(a.outbox, realtime.OutboxSink(a.transport), a.logger, a.metrics, &relayConfig)
}

// idempotencyConfig returns the write-route replay settings, or nil when
// disabled
func (a *app) idempotencyConfig() *idempotency.Config {
	if !a.cfg.Idempotency.Enabled || a.keys == nil {
		return nil
	}
	ic := idempotency.DefaultConfig(a.keys)
	ic.Logger = a.logger
	ic.Metrics = a.metrics
	ic.RequireKey = a.cfg.Idempotency.RequireKey
	ic.LockTimeout = a.cfg.Idempotency.LockTimeout
	ic.Retention = a.cfg.Idempotency.Retention
	return ic
}

// ready reports whether the backing store is reachable
func (a *app) ready() error {
	if a.mongo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.mongo.HealthCheck(ctx)
}

// close releases resources in reverse order of acquisition
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
