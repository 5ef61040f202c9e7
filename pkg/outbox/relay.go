package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
)

// ErrRelayRunning is returned by Start on a running relay
var ErrRelayRunning = errors.New("outbox relay already running")

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	// Retention of delivered records; zero keeps them
	Retention time.Duration `yaml:"retention"`
}

// DefaultRelayConfig returns default configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval: 200 * time.Millisecond,
		BatchSize:    100,
		Retention:    24 * time.Hour,
	}
}

// Relay polls the outbox and hands records to a Sink in creation order
type Relay struct {
	repo    Repository
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Metrics
	config  RelayConfig

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	delivered int
	failed    int
}

// NewRelay creates a relay
func NewRelay(repo Repository, sink Sink, logger *logging.Logger, m *metrics.Metrics, config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{
		repo:    repo,
		sink:    sink,
		logger:  logger.WithComponent("outbox-relay"),
		metrics: m,
		config:  *config,
	}
}

// Start runs the poll loop until Stop or ctx is done
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRelayRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})

	r.logger.Info("Starting outbox relay", "interval", r.config.PollInterval, "batchSize", r.config.BatchSize)
	go r.run(ctx, r.stopCh, r.stoppedCh)
	return nil
}

// Stop halts the poll loop and waits for the in-flight batch
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, stoppedCh := r.stopCh, r.stoppedCh
	r.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	stats := r.Stats()
	r.logger.Info("Outbox relay stopped", "delivered", stats["delivered"], "failed", stats["failed"])
}

func (r *Relay) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	lastSweep := time.Now()
	for {
		select {
		case <-ticker.C:
			r.RelayOnce(ctx)
			if r.config.Retention > 0 && time.Since(lastSweep) > r.config.Retention/24 {
				r.sweep(ctx)
				lastSweep = time.Now()
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RelayOnce delivers one batch and returns how many records went out.
// Delivery stops at the first failure so records of one order keep their
// order across polls.
func (r *Relay) RelayOnce(ctx context.Context) int {
	records, err := r.repo.FindUnpublished(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.WithError(err).Error("Failed to find unpublished outbox records")
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	delivered := 0
	for _, record := range records {
		if err := r.sink.Deliver(ctx, record); err != nil {
			r.logger.WithError(err).Warn("Failed to relay outbox record",
				"recordId", record.ID,
				"orderId", record.OrderID,
				"table", record.Table,
			)
			if err := r.repo.IncrementRetry(ctx, record.ID, err.Error()); err != nil {
				r.logger.WithError(err).Error("Failed to increment retry count", "recordId", record.ID)
			}
			r.count(delivered, 1)
			return delivered
		}

		if err := r.repo.MarkPublished(ctx, record.ID); err != nil {
			r.logger.WithError(err).Error("Failed to mark outbox record published", "recordId", record.ID)
		}
		delivered++
	}

	r.count(delivered, 0)
	return delivered
}

func (r *Relay) count(delivered, failed int) {
	r.mu.Lock()
	r.delivered += delivered
	r.failed += failed
	r.mu.Unlock()

	if delivered > 0 {
		r.metrics.RecordOutboxRelay(true, delivered)
	}
	if failed > 0 {
		r.metrics.RecordOutboxRelay(false, failed)
	}
}

func (r *Relay) sweep(ctx context.Context) {
	n, err := r.repo.DeletePublished(ctx, time.Now().Add(-r.config.Retention))
	if err != nil {
		r.logger.WithError(err).Warn("Failed to delete delivered outbox records")
		return
	}
	if n > 0 {
		r.logger.Debug("Deleted delivered outbox records", "count", n)
	}
}

// Stats returns delivery counters
func (r *Relay) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int{
		"delivered": r.delivered,
		"failed":    r.failed,
	}
}
