// Package reconciler keeps a consumer's copy of one order converged with
// the row-store from a stream of bus events.
package reconciler

import (
	"context"
	"sort"
	"sync"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/eventbus"
	"github.com/tulemar/ordersync/pkg/logging"
)

// DefaultEventLimit bounds State.Events
const DefaultEventLimit = 50

// Bus is the part of the event bus a reconciler consumes
type Bus interface {
	Subscribe(orderID string, h eventbus.Handler) (*eventbus.Subscription, error)
	GetOrderSnapshot(ctx context.Context, orderID string) (*domain.Snapshot, error)
	RequestResync(orderID string)
}

// Options configures a Reconciler
type Options struct {
	EventLimit int
	// OnEvent runs after a new log event is applied, outside the state lock.
	// Duplicates and synthetic events never reach it.
	OnEvent func(event domain.OrderEvent)
	Logger  *logging.Logger
}

// Reconciler merges snapshots, row changes and log events into State
type Reconciler struct {
	orderID string
	opts    Options
	logger  *logging.Logger

	mu sync.Mutex
	// confirmed is built only from bus events and snapshots. state is what
	// consumers see: confirmed plus any optimistic edits made by Mutate.
	confirmed State
	state     State
	bus       Bus
	seeding   bool
	buffer    []*domain.OrderEvent

	updates chan State
}

// New creates a reconciler for orderID
func New(orderID string, opts Options) *Reconciler {
	if opts.EventLimit <= 0 {
		opts.EventLimit = DefaultEventLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Reconciler{
		orderID:   orderID,
		opts:      opts,
		logger:    opts.Logger.WithComponent("reconciler").WithOrder(orderID),
		confirmed: State{OrderID: orderID},
		state:     State{OrderID: orderID},
		updates:   make(chan State, 1),
	}
}

// Attach subscribes to bus, seeds from a snapshot and then applies the
// events that arrived while seeding. Subscribing first means nothing that
// happens during the snapshot read is missed.
func (r *Reconciler) Attach(ctx context.Context, bus Bus) (detach func(), err error) {
	r.mu.Lock()
	r.bus = bus
	r.seeding = true
	r.buffer = nil
	r.mu.Unlock()

	sub, err := bus.Subscribe(r.orderID, r.handle)
	if err != nil {
		r.mu.Lock()
		r.seeding = false
		r.mu.Unlock()
		return nil, err
	}

	snapshot, err := bus.GetOrderSnapshot(ctx, r.orderID)
	if err != nil {
		sub.Unsubscribe()
		r.mu.Lock()
		r.seeding = false
		r.buffer = nil
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.reconcileLocked(snapshot)
	buffered := r.buffer
	r.buffer = nil
	r.seeding = false
	var out outcome
	for _, event := range buffered {
		out.merge(r.applyLocked(event))
	}
	r.notifyLocked()
	r.mu.Unlock()

	r.after(out)
	r.logger.Debug("Reconciler attached", "replayed", len(buffered), "degraded", snapshot.Degraded)
	return sub.Unsubscribe, nil
}

func (r *Reconciler) handle(event *domain.OrderEvent) {
	r.mu.Lock()
	if r.seeding {
		r.buffer = append(r.buffer, event)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.Apply(event)
}

// Apply merges one event into the state
func (r *Reconciler) Apply(event *domain.OrderEvent) {
	if event == nil || event.OrderID != r.orderID {
		return
	}
	r.mu.Lock()
	out := r.applyLocked(event)
	if out.changed {
		r.notifyLocked()
	}
	r.mu.Unlock()

	r.after(out)
}

// Mutate applies an optimistic local change and marks the state
// speculative. The change is visible until the next snapshot, which
// discards it whatever its timestamps say.
func (r *Reconciler) Mutate(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
	r.state.OrderID = r.orderID
	r.state.Speculative = true
	r.notifyLocked()
}

// State returns a deep copy of the current state
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Updates delivers the latest state after each change. Only the newest
// pending value is kept.
func (r *Reconciler) Updates() <-chan State {
	return r.updates
}

type outcome struct {
	changed bool
	gap     bool
	hooks   []domain.OrderEvent
}

func (o *outcome) merge(other outcome) {
	o.changed = o.changed || other.changed
	o.gap = o.gap || other.gap
	o.hooks = append(o.hooks, other.hooks...)
}

func (r *Reconciler) after(out outcome) {
	if out.gap {
		r.mu.Lock()
		bus := r.bus
		r.mu.Unlock()
		if bus != nil {
			r.logger.Info("Event sequence gap, requesting resync")
			bus.RequestResync(r.orderID)
		}
	}
	if r.opts.OnEvent != nil {
		for _, event := range out.hooks {
			r.opts.OnEvent(event)
		}
	}
}

func (r *Reconciler) notifyLocked() {
	snapshot := r.state.Clone()
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- snapshot:
	default:
	}
}

// applyLocked merges event into the confirmed state and mirrors it into
// the visible state. Hooks and gaps come from the confirmed merge only.
func (r *Reconciler) applyLocked(event *domain.OrderEvent) outcome {
	if event.EventType == domain.EventSnapshotReconciled {
		payload, err := event.Decode()
		if err != nil {
			r.logger.WithError(err).Warn("Ignoring undecodable snapshot")
			return outcome{}
		}
		r.reconcileLocked(payload.(*domain.Snapshot))
		return outcome{changed: true}
	}

	out := r.merge(&r.confirmed, event)
	if !out.changed {
		return out
	}
	if r.state.Speculative {
		r.merge(&r.state, event)
	} else {
		r.state = r.confirmed.Clone()
	}
	return out
}

// reconcileLocked adopts snapshot as the confirmed state and drops every
// optimistic edit
func (r *Reconciler) reconcileLocked(snapshot *domain.Snapshot) {
	r.replace(&r.confirmed, snapshot)
	r.state = r.confirmed.Clone()
}

func (r *Reconciler) merge(s *State, event *domain.OrderEvent) outcome {
	switch event.EventType {
	case domain.EventOrderUpdated:
		return r.applyHeader(s, event)
	case domain.EventItemInserted, domain.EventItemUpdated, domain.EventItemDeleted:
		return r.applyItem(s, event)
	default:
		return r.applyLogEvent(s, event)
	}
}

func (r *Reconciler) applyHeader(s *State, event *domain.OrderEvent) outcome {
	payload, err := event.Decode()
	if err != nil {
		r.logger.WithError(err).Warn("Ignoring undecodable order row")
		return outcome{}
	}
	incoming := payload.(*domain.Order)
	if current := s.Order; current != nil && incoming.UpdatedAt.Before(current.UpdatedAt) {
		return outcome{}
	}
	s.Order = incoming.Clone()
	return outcome{changed: true}
}

func (r *Reconciler) applyItem(s *State, event *domain.OrderEvent) outcome {
	payload, err := event.Decode()
	if err != nil {
		r.logger.WithError(err).Warn("Ignoring undecodable item row")
		return outcome{}
	}
	incoming := payload.(*domain.OrderItem)

	idx := -1
	for i := range s.Items {
		if s.Items[i].ID == incoming.ID {
			idx = i
			break
		}
	}

	if event.EventType == domain.EventItemDeleted {
		if idx < 0 {
			return outcome{}
		}
		s.Items = append(s.Items[:idx], s.Items[idx+1:]...)
		return outcome{changed: true}
	}

	if idx < 0 {
		s.Items = append(s.Items, incoming.Clone())
		return outcome{changed: true}
	}
	if incoming.UpdatedAt.Before(s.Items[idx].UpdatedAt) {
		return outcome{}
	}
	s.Items[idx] = incoming.Clone()
	return outcome{changed: true}
}

// applyLogEvent inserts a durable event in seq order, skipping ones already
// held, and flags a gap when seq jumps past LastSeq+1
func (r *Reconciler) applyLogEvent(s *State, event *domain.OrderEvent) outcome {
	for _, held := range s.Events {
		if held.ID == event.ID || (event.Seq > 0 && held.Seq == event.Seq) {
			return outcome{}
		}
	}
	events := s.Events
	if event.Seq > 0 && len(events) >= r.opts.EventLimit && events[0].Seq > 0 && event.Seq < events[0].Seq {
		return outcome{}
	}

	var out outcome
	if event.Seq > 0 && s.Synced && event.Seq > s.LastSeq+1 {
		out.gap = true
	}
	if event.Seq > s.LastSeq {
		s.LastSeq = event.Seq
	}

	stored := event.Clone()
	pos := len(events)
	if stored.Seq > 0 {
		pos = sort.Search(len(events), func(i int) bool {
			return events[i].Seq > stored.Seq
		})
	}
	events = append(events, domain.OrderEvent{})
	copy(events[pos+1:], events[pos:])
	events[pos] = stored
	if len(events) > r.opts.EventLimit {
		events = events[len(events)-r.opts.EventLimit:]
	}
	s.Events = events

	out.changed = true
	out.hooks = []domain.OrderEvent{stored.Clone()}
	return out
}

// replace adopts a snapshot into s. Sections the snapshot failed to read
// keep their current values. Rows and events that reached s from the bus
// after the snapshot was read are newer than it and survive.
func (r *Reconciler) replace(s *State, snapshot *domain.Snapshot) {
	degraded := make(map[string]bool, len(snapshot.Degraded))
	for _, section := range snapshot.Degraded {
		degraded[section] = true
	}

	if !degraded[domain.SectionOrder] {
		current := s.Order
		if current == nil || snapshot.Order == nil || !snapshot.Order.UpdatedAt.Before(current.UpdatedAt) {
			s.Order = snapshot.Order.Clone()
		}
	}

	if !degraded[domain.SectionItems] {
		items := domain.CloneItems(snapshot.Items)
		for i := range items {
			if held, ok := s.Item(items[i].ID); ok && held.UpdatedAt.After(items[i].UpdatedAt) {
				items[i] = held.Clone()
			}
		}
		if items == nil {
			items = []domain.OrderItem{}
		}
		s.Items = items
	}

	if !degraded[domain.SectionEvents] {
		high := snapshot.HighWaterSeq()
		events := make([]domain.OrderEvent, 0, len(snapshot.Events))
		for _, e := range snapshot.Events {
			events = append(events, e.Clone())
		}
		for _, held := range s.Events {
			if held.Seq > high {
				events = append(events, held)
			}
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
		if len(events) > r.opts.EventLimit {
			events = events[len(events)-r.opts.EventLimit:]
		}
		s.Events = events
		if high > s.LastSeq || !s.Synced {
			s.LastSeq = high
		}
		for _, e := range events {
			if e.Seq > s.LastSeq {
				s.LastSeq = e.Seq
			}
		}
	} else if high := snapshot.HighWaterSeq(); high > s.LastSeq {
		s.LastSeq = high
	}

	s.Degraded = append([]string(nil), snapshot.Degraded...)
	s.Speculative = false
	s.Synced = true
}
