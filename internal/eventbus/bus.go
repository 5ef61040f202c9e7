// Package eventbus publishes durable order events and fans live order
// changes out to in-process subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/realtime"
	apperrors "github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// ErrBusClosed is returned after Close
var ErrBusClosed = errors.New("event bus closed")

// Handler receives events for one order. Each subscriber gets its own copy.
type Handler func(event *domain.OrderEvent)

// Deps are the collaborators of a Bus
type Deps struct {
	Reader    domain.OrderReader
	Events    domain.EventStore
	Manager   *realtime.Manager
	Transport realtime.Transport
	// Validator checks inbound event-log messages; nil uses the embedded schema
	Validator *realtime.WireValidator
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

// Config tunes snapshots and fan-out
type Config struct {
	// EventWindow is how many recent events a snapshot carries
	EventWindow int
	// QueueSize bounds each subscription's pending deliveries
	QueueSize int
	// ResyncDebounce coalesces resync requests arriving within the window
	ResyncDebounce time.Duration
	// ReopenDelay is how long an order whose channel gave up waits before
	// its channels are opened again. A new subscriber reopens them at once.
	ReopenDelay time.Duration
}

// DefaultConfig returns the standard tuning
func DefaultConfig() Config {
	return Config{EventWindow: 50, QueueSize: 256, ResyncDebounce: 25 * time.Millisecond, ReopenDelay: time.Second}
}

// Bus is the per-process order event bus. An order's three live channels
// are open exactly while it has at least one subscriber.
type Bus struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes channel open and close. Transport callbacks
	// never take it.
	lifecycle sync.Mutex

	mu     sync.Mutex
	orders map[string]*orderState
	nextID uint64
	closed bool
}

type orderState struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*Subscription
	timer  *time.Timer
	reason string
	// broken is set once a channel of the order exhausts its retries and
	// cleared when the channels are reopened
	broken bool
	reopen *time.Timer
}

// New creates a Bus
func New(deps Deps, cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = def.EventWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ResyncDebounce < 0 {
		cfg.ResyncDebounce = 0
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = def.ReopenDelay
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Validator == nil {
		deps.Validator = realtime.MustWireValidator()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.WithComponent("event-bus"),
		tracer: tracer,
		ctx:    ctx,
		cancel: cancel,
		orders: make(map[string]*orderState),
	}
}

// Channels returns the live channel names the bus opens for an order
func Channels(orderID string) []string {
	return []string{
		"order:" + orderID + ":header",
		"order:" + orderID + ":items",
		"order:" + orderID + ":events",
	}
}

// Publish appends an event to the durable log and then broadcasts it.
// A broadcast failure is logged and counted but not returned: the event is
// already durable and subscribers converge on their next resync.
func (b *Bus) Publish(ctx context.Context, orderID string, eventType domain.EventType, payload any, actor *domain.Actor) (*domain.OrderEvent, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.Publish", trace.WithAttributes(
		tracing.OrderAttributes(orderID, attribute.String("event.type", string(eventType)))...,
	))
	var err error
	defer func() { tracing.End(span, err) }()

	var stored *domain.OrderEvent
	stored, err = b.publish(ctx, orderID, eventType, payload, actor)
	return stored, err
}

func (b *Bus) publish(ctx context.Context, orderID string, eventType domain.EventType, payload any, actor *domain.Actor) (*domain.OrderEvent, error) {
	if orderID == "" {
		return nil, apperrors.ErrValidation("order id is required")
	}
	if !eventType.Publishable() {
		return nil, apperrors.ErrValidation(fmt.Sprintf("event type %q cannot be published", eventType))
	}
	if actor != nil && (actor.ID == "" || actor.Role == "") {
		return nil, apperrors.ErrValidation("actor requires id and role")
	}

	event, err := domain.NewOrderEvent(orderID, eventType, payload, actor)
	if err != nil {
		return nil, apperrors.ErrValidation(err.Error()).Wrap(err)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, apperrors.ErrValidation(err.Error()).Wrap(err)
	}
	if err := b.deps.Validator.Validate(raw); err != nil {
		return nil, apperrors.ErrValidation(err.Error()).Wrap(err)
	}

	start := time.Now()
	stored, err := b.deps.Events.AppendEvent(ctx, event)
	b.deps.Metrics.RecordPublish(string(eventType), err == nil, time.Since(start))
	if err != nil {
		b.logger.WithContext(ctx).WithError(err).Error("Failed to append order event",
			"orderId", orderID, "eventType", string(eventType))
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, apperrors.ErrNotFoundWithID("order", orderID).Wrap(err)
		}
		return nil, apperrors.FromError(err)
	}

	b.broadcast(context.WithoutCancel(ctx), stored)
	b.logger.OrderEvent(ctx, orderID, string(eventType), stored.ID, stored.Seq)
	return stored, nil
}

func (b *Bus) broadcast(ctx context.Context, event *domain.OrderEvent) {
	channel := Channels(event.OrderID)[2]
	msg, err := realtime.EventChange(event)
	start := time.Now()
	if err == nil {
		err = b.deps.Transport.Broadcast(ctx, msg)
	}
	b.deps.Metrics.RecordBroadcast(string(realtime.TableOrderEvents), err == nil)
	b.logger.Broadcast(ctx, channel, string(event.EventType), err, time.Since(start))
}

// Subscribe registers h for orderID. The first subscriber of an order opens
// its live channels.
func (b *Bus) Subscribe(orderID string, h Handler) (*Subscription, error) {
	if orderID == "" {
		return nil, apperrors.ErrValidation("order id is required")
	}
	if h == nil {
		return nil, apperrors.ErrValidation("handler is required")
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	state, existed := b.orders[orderID]
	if !existed {
		ctx, cancel := context.WithCancel(b.ctx)
		state = &orderState{id: orderID, ctx: ctx, cancel: cancel}
		b.orders[orderID] = state
	}
	b.nextID++
	sub := newSubscription(b, b.nextID, orderID, h, b.cfg.QueueSize)
	state.subs = append(state.subs, sub)
	orders := len(b.orders)
	broken := state.broken
	b.mu.Unlock()

	go sub.run()
	b.deps.Metrics.SetOrdersSubscribed(orders)

	if existed && (broken || b.ChannelCount(orderID) < len(Channels(orderID))) {
		b.reopenLocked(state)
	}

	if !existed {
		if err := b.openChannels(orderID); err != nil {
			b.mu.Lock()
			b.removeLocked(sub)
			b.mu.Unlock()
			b.closeChannels(orderID)
			sub.stop()
			return nil, err
		}
		b.logger.Debug("Opened order channels", "orderId", orderID)
	}
	return sub, nil
}

// Unsubscribe removes sub. The last unsubscribe of an order closes its live
// channels and abandons in-flight resyncs. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	last := b.removeLocked(sub)
	orders := len(b.orders)
	b.mu.Unlock()

	sub.stop()
	if last {
		b.closeChannels(sub.orderID)
		b.deps.Metrics.SetOrdersSubscribed(orders)
		b.logger.Debug("Closed order channels", "orderId", sub.orderID)
	}
}

// removeLocked detaches sub and reports whether its order has no
// subscribers left
func (b *Bus) removeLocked(sub *Subscription) bool {
	state, ok := b.orders[sub.orderID]
	if !ok {
		return false
	}
	idx := -1
	for i, s := range state.subs {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	state.subs = append(state.subs[:idx], state.subs[idx+1:]...)
	if len(state.subs) > 0 {
		return false
	}

	delete(b.orders, sub.orderID)
	state.cancel()
	state.stopTimers()
	return true
}

// stopTimers must be called with b.mu held
func (s *orderState) stopTimers() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.reopen != nil {
		s.reopen.Stop()
		s.reopen = nil
	}
}

func (b *Bus) openChannels(orderID string) error {
	names := Channels(orderID)
	configs := []realtime.Config{
		{
			Name:   names[0],
			Table:  realtime.TableOrders,
			Kind:   realtime.KindUpdate,
			Filter: &realtime.Filter{Column: "id", Value: orderID},
		},
		{
			Name:   names[1],
			Table:  realtime.TableOrderItems,
			Kind:   realtime.KindAll,
			Filter: &realtime.Filter{Column: "order_id", Value: orderID},
		},
		{
			Name:   names[2],
			Table:  realtime.TableOrderEvents,
			Kind:   realtime.KindInsert,
			Filter: &realtime.Filter{Column: "order_id", Value: orderID},
		},
	}

	for _, cfg := range configs {
		name := cfg.Name
		cfg.OnMessage = func(msg realtime.ChangeMessage) { b.onChange(orderID, msg) }
		cfg.OnReconnect = func() { b.scheduleResync(orderID, "reconnect") }
		cfg.OnError = func(err error) { b.channelLost(orderID, name, err) }
		if err := b.deps.Manager.Subscribe(b.ctx, cfg); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
	}
	return nil
}

// channelLost marks the order's channel set broken after the manager gave
// up on one of its channels and schedules a reopen
func (b *Bus) channelLost(orderID, channel string, err error) {
	b.logger.WithError(err).Error("Order channel unavailable", "orderId", orderID, "channel", channel)

	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.orders[orderID]
	if !ok || b.closed {
		return
	}
	state.broken = true
	if state.reopen == nil {
		state.reopen = time.AfterFunc(b.cfg.ReopenDelay, func() {
			b.lifecycle.Lock()
			defer b.lifecycle.Unlock()
			b.mu.Lock()
			pending := state.broken
			b.mu.Unlock()
			if pending {
				b.reopenLocked(state)
			}
		})
	}
}

// reopenLocked opens the channels of a broken order again and resyncs its
// subscribers, who may have missed changes while the channels were down.
// It must be called with b.lifecycle held.
func (b *Bus) reopenLocked(state *orderState) {
	b.mu.Lock()
	if b.closed || b.orders[state.id] != state {
		b.mu.Unlock()
		return
	}
	state.broken = false
	if state.reopen != nil {
		state.reopen.Stop()
		state.reopen = nil
	}
	b.mu.Unlock()

	if err := b.openChannels(state.id); err != nil {
		b.logger.WithError(err).Error("Failed to reopen order channels", "orderId", state.id)
		return
	}
	b.logger.Info("Reopened order channels", "orderId", state.id)
	b.scheduleResync(state.id, "reopen")
}

func (b *Bus) closeChannels(orderID string) {
	for _, name := range Channels(orderID) {
		if err := b.deps.Manager.Unsubscribe(name); err != nil {
			b.logger.WithError(err).Warn("Failed to close order channel", "channel", name)
		}
	}
}

// onChange turns a row or event-log change into an event and dispatches it
func (b *Bus) onChange(orderID string, msg realtime.ChangeMessage) {
	var event *domain.OrderEvent
	switch msg.Table {
	case realtime.TableOrders:
		event = domain.NewRowEvent(orderID, domain.EventOrderUpdated, msg.New, msg.CommitTime)
	case realtime.TableOrderItems:
		eventType := domain.EventItemUpdated
		switch msg.Kind {
		case realtime.KindInsert:
			eventType = domain.EventItemInserted
		case realtime.KindDelete:
			eventType = domain.EventItemDeleted
		}
		event = domain.NewRowEvent(orderID, eventType, msg.Row(), msg.CommitTime)
	case realtime.TableOrderEvents:
		decoded, err := b.deps.Validator.DecodeEvent(msg.New)
		if err != nil {
			b.logger.WithError(err).Warn("Dropping malformed order event", "orderId", orderID, "rowId", msg.RowID)
			b.deps.Metrics.RecordDispatchDropped("malformed")
			return
		}
		event = decoded
	default:
		return
	}

	b.mu.Lock()
	state := b.orders[orderID]
	b.mu.Unlock()
	if state != nil {
		b.dispatch(state, event)
	}
}

// dispatch enqueues a copy of event for every subscriber of state in
// registration order. A full queue drops the copy and schedules a resync.
func (b *Bus) dispatch(state *orderState, event *domain.OrderEvent) {
	b.mu.Lock()
	if b.orders[state.id] != state {
		b.mu.Unlock()
		return
	}
	dropped := 0
	for _, sub := range state.subs {
		clone := event.Clone()
		if !sub.enqueue(&clone) {
			dropped++
		}
	}
	b.mu.Unlock()

	b.deps.Metrics.RecordDispatch(string(event.EventType))
	if dropped > 0 {
		b.logger.Warn("Subscriber queue full, event dropped",
			"orderId", state.id, "eventType", string(event.EventType), "dropped", dropped)
		b.deps.Metrics.RecordDispatchDropped(string(event.EventType))
		b.scheduleResync(state.id, "queue_overflow")
	}
}

// RequestResync schedules a snapshot resync of orderID. Consumers call it
// when they detect a seq gap. Orders without subscribers are ignored.
func (b *Bus) RequestResync(orderID string) {
	b.scheduleResync(orderID, "requested")
}

// scheduleResync coalesces requests within the debounce window into one
// SNAPSHOT_RECONCILED
func (b *Bus) scheduleResync(orderID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.orders[orderID]
	if !ok || state.timer != nil {
		return
	}
	state.reason = reason
	state.timer = time.AfterFunc(b.cfg.ResyncDebounce, func() { b.resync(state) })
}

func (b *Bus) resync(state *orderState) {
	b.mu.Lock()
	if b.orders[state.id] != state {
		b.mu.Unlock()
		return
	}
	state.timer = nil
	reason := state.reason
	b.mu.Unlock()

	snapshot, err := b.GetOrderSnapshot(state.ctx, state.id)
	if state.ctx.Err() != nil {
		b.logger.Debug("Resync abandoned", "orderId", state.id, "reason", reason)
		return
	}
	if err != nil {
		b.deps.Metrics.RecordResync(reason, false)
		b.logger.WithError(err).Error("Resync failed", "orderId", state.id, "reason", reason)
		return
	}

	event, err := domain.NewSnapshotReconciledEvent(snapshot)
	if err != nil {
		b.deps.Metrics.RecordResync(reason, false)
		b.logger.WithError(err).Error("Failed to build snapshot event", "orderId", state.id)
		return
	}

	b.deps.Metrics.RecordResync(reason, true)
	b.logger.Info("Order resynced", "orderId", state.id, "reason", reason, "degraded", snapshot.Degraded)
	b.dispatch(state, event)
}

// Subscribers returns the number of subscribers of orderID
func (b *Bus) Subscribers(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.orders[orderID]; ok {
		return len(state.subs)
	}
	return 0
}

// ChannelCount returns how many of orderID's live channels are registered
// with the connection manager
func (b *Bus) ChannelCount(orderID string) int {
	n := 0
	for _, name := range Channels(orderID) {
		if b.deps.Manager.Registered(name) {
			n++
		}
	}
	return n
}

// Close drops every subscriber and closes every live channel
func (b *Bus) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	states := make([]*orderState, 0, len(b.orders))
	for _, state := range b.orders {
		states = append(states, state)
	}
	b.orders = make(map[string]*orderState)
	for _, state := range states {
		state.stopTimers()
	}
	b.mu.Unlock()

	b.cancel()
	for _, state := range states {
		for _, sub := range state.subs {
			sub.stop()
		}
		b.closeChannels(state.id)
	}
	b.deps.Metrics.SetOrdersSubscribed(0)
	return nil
}
