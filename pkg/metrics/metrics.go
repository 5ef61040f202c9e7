package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the order-sync collectors. All Record/Set methods are safe to
// call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Event bus metrics
	EventsPublished     *prometheus.CounterVec
	PublishDuration     *prometheus.HistogramVec
	Broadcasts          *prometheus.CounterVec
	EventsDispatched    *prometheus.CounterVec
	DispatchDropped     *prometheus.CounterVec
	HandlerPanics       prometheus.Counter
	OrdersSubscribed    prometheus.Gauge
	ChannelStateChanges *prometheus.CounterVec
	Resyncs             *prometheus.CounterVec

	// Snapshot metrics
	SnapshotDuration        prometheus.Histogram
	SnapshotSectionFailures *prometheus.CounterVec

	// Workflow metrics
	Transitions *prometheus.CounterVec

	// Store metrics
	StoreOperations        *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Outbox relay metrics
	OutboxRelayed *prometheus.CounterVec

	// Idempotency metrics
	IdempotencyRequests *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// Config holds metrics configuration
type Config struct {
	ServiceName string
	Namespace   string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Namespace:   "ordersync",
	}
}

// New creates a new Metrics instance backed by its own registry
func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ns := config.Namespace
	service := prometheus.Labels{"service": config.ServiceName}

	m := &Metrics{
		serviceName: config.ServiceName,
		registry:    registry,
	}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "http_requests_total", Help: "Total number of HTTP requests",
		ConstLabels: service,
	}, []string{"method", "path", "status"})

	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
		ConstLabels: service,
		Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path"})

	m.HTTPRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "http_requests_in_flight", Help: "HTTP requests currently being processed",
		ConstLabels: service,
	})

	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "events_published_total", Help: "Order events appended to the durable log",
		ConstLabels: service,
	}, []string{"event_type", "status"})

	m.PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "publish_duration_seconds", Help: "Durable append plus broadcast latency",
		ConstLabels: service,
		Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	m.Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "broadcasts_total", Help: "Best-effort live broadcasts by outcome",
		ConstLabels: service,
	}, []string{"channel", "status"})

	m.EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "events_dispatched_total", Help: "Events fanned out to local handlers",
		ConstLabels: service,
	}, []string{"event_type"})

	m.DispatchDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "dispatch_dropped_total", Help: "Events dropped because a subscriber queue was full",
		ConstLabels: service,
	}, []string{"event_type"})

	m.HandlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "handler_panics_total", Help: "Recovered panics in event handlers",
		ConstLabels: service,
	})

	m.OrdersSubscribed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "orders_subscribed", Help: "Orders with at least one local handler",
		ConstLabels: service,
	})

	m.ChannelStateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "channel_state_changes_total", Help: "Channel subscription state changes",
		ConstLabels: service,
	}, []string{"table", "state"})

	m.Resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "resyncs_total", Help: "Snapshot resyncs by trigger",
		ConstLabels: service,
	}, []string{"reason", "status"})

	m.SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "snapshot_duration_seconds", Help: "Snapshot read latency",
		ConstLabels: service,
		Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	m.SnapshotSectionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "snapshot_section_failures_total", Help: "Snapshot sections degraded to empty",
		ConstLabels: service,
	}, []string{"section"})

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "transitions_total", Help: "Guarded status transitions by outcome",
		ConstLabels: service,
	}, []string{"to", "outcome"})

	m.StoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "store_operations_total", Help: "Row-store operations",
		ConstLabels: service,
	}, []string{"collection", "operation", "status"})

	m.StoreOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "store_operation_duration_seconds", Help: "Row-store operation latency",
		ConstLabels: service,
		Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"collection", "operation"})

	m.OutboxRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "outbox_relayed_total", Help: "Outbox records relayed to the live transport",
		ConstLabels: service,
	}, []string{"status"})

	m.IdempotencyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "idempotency_requests_total", Help: "Keyed write requests by idempotency outcome",
		ConstLabels: service,
	}, []string{"outcome"})

	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "circuit_breaker_state", Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		ConstLabels: service,
	}, []string{"name"})

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsPublished,
		m.PublishDuration,
		m.Broadcasts,
		m.EventsDispatched,
		m.DispatchDropped,
		m.HandlerPanics,
		m.OrdersSubscribed,
		m.ChannelStateChanges,
		m.Resyncs,
		m.SnapshotDuration,
		m.SnapshotSectionFailures,
		m.Transitions,
		m.StoreOperations,
		m.StoreOperationDuration,
		m.OutboxRelayed,
		m.IdempotencyRequests,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m != nil {
		m.HTTPRequestsInFlight.Inc()
	}
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m != nil {
		m.HTTPRequestsInFlight.Dec()
	}
}

// RecordPublish records a durable append attempt
func (m *Metrics) RecordPublish(eventType string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, outcome(success)).Inc()
	m.PublishDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordBroadcast records a live broadcast attempt
func (m *Metrics) RecordBroadcast(channel string, success bool) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(channel, outcome(success)).Inc()
}

func (m *Metrics) RecordDispatch(eventType string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) RecordDispatchDropped(eventType string) {
	if m != nil {
		m.DispatchDropped.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) RecordHandlerPanic() {
	if m != nil {
		m.HandlerPanics.Inc()
	}
}

func (m *Metrics) SetOrdersSubscribed(n int) {
	if m != nil {
		m.OrdersSubscribed.Set(float64(n))
	}
}

// RecordChannelState records connected/disconnected/reconnected/failed transitions
func (m *Metrics) RecordChannelState(table, state string) {
	if m != nil {
		m.ChannelStateChanges.WithLabelValues(table, state).Inc()
	}
}

func (m *Metrics) RecordResync(reason string, success bool) {
	if m != nil {
		m.Resyncs.WithLabelValues(reason, outcome(success)).Inc()
	}
}

func (m *Metrics) RecordSnapshot(duration time.Duration, failedSections []string) {
	if m == nil {
		return
	}
	m.SnapshotDuration.Observe(duration.Seconds())
	for _, s := range failedSections {
		m.SnapshotSectionFailures.WithLabelValues(s).Inc()
	}
}

// RecordTransition records a guarded transition; outcome is a short code
// such as "ok", "stale", "illegal" or "forbidden"
func (m *Metrics) RecordTransition(to, result string) {
	if m != nil {
		m.Transitions.WithLabelValues(to, result).Inc()
	}
}

func (m *Metrics) RecordStoreOperation(collection, operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(collection, operation, outcome(success)).Inc()
	m.StoreOperationDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordOutboxRelay(success bool, count int) {
	if m != nil && count > 0 {
		m.OutboxRelayed.WithLabelValues(outcome(success)).Add(float64(count))
	}
}

// RecordIdempotency counts a keyed request: hit, miss, mismatch, in_progress
// or storage_error
func (m *Metrics) RecordIdempotency(result string) {
	if m != nil {
		m.IdempotencyRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}
