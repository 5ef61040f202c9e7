package kafka

import (
	"context"
	"log/slog"

	"github.com/tulemar/ordersync/pkg/resilience"
)

// Publisher is implemented by Producer and CircuitBreakerProducer
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// CircuitBreakerProducer fails fast while the brokers are unreachable so the
// broadcast path never stalls the durable write path
type CircuitBreakerProducer struct {
	producer Publisher
	cb       *resilience.CircuitBreaker
}

// NewCircuitBreakerProducer wraps producer with a breaker. A nil config
// uses the defaults.
func NewCircuitBreakerProducer(producer Publisher, config *resilience.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProducer {
	if config == nil {
		config = resilience.DefaultCircuitBreakerConfig("kafka-producer")
	}
	return &CircuitBreakerProducer{
		producer: producer,
		cb:       resilience.NewCircuitBreaker(config, logger),
	}
}

// Publish forwards to the wrapped producer through the breaker
func (p *CircuitBreakerProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return p.cb.Execute(ctx, func() error {
		return p.producer.Publish(ctx, topic, key, value, headers)
	})
}

// Close closes the wrapped producer
func (p *CircuitBreakerProducer) Close() error {
	return p.producer.Close()
}

// Breaker exposes the breaker for health reporting
func (p *CircuitBreakerProducer) Breaker() *resilience.CircuitBreaker {
	return p.cb
}
