// Package memory is an in-process row-store. It emits a change message for
// every committed row write, the way a database change feed would.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/realtime"
)

// Operation names used for call counting and failure injection
const (
	OpCreateOrder         = "CreateOrder"
	OpGetOrder            = "GetOrder"
	OpListItems           = "ListItems"
	OpListRecentEvents    = "ListRecentEvents"
	OpAppendEvent         = "AppendEvent"
	OpTransitionStatus    = "TransitionStatus"
	OpMarkDeliveryStarted = "MarkDeliveryStarted"
	OpUpdateItem          = "UpdateItem"
)

// ChangeSink receives row changes after they commit
type ChangeSink func(ctx context.Context, msg realtime.ChangeMessage) error

// Store implements domain.Store in memory
type Store struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	items  map[string][]domain.OrderItem
	events map[string][]domain.OrderEvent

	calls    map[string]int
	failures map[string]error
	delays   map[string]time.Duration
	sink     ChangeSink
	now      func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithChangeSink routes committed row changes to sink
func WithChangeSink(sink ChangeSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithClock overrides the write timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:   make(map[string]*domain.Order),
		items:    make(map[string][]domain.OrderItem),
		events:   make(map[string][]domain.OrderEvent),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		delays:   make(map[string]time.Duration),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetChangeSink replaces the change sink
func (s *Store) SetChangeSink(sink ChangeSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Fail makes every later call of op return err; a nil err clears it
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Delay makes op wait d (or until its context ends) before running
func (s *Store) Delay(op string, d time.Duration) {
	s.mu.Lock()
	s.delays[op] = d
	s.mu.Unlock()
}

// Calls returns how many times op was invoked
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of invocations across all operations
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Events returns the full durable log of an order
func (s *Store) Events(orderID string) []domain.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEvents(s.events[orderID])
}

// enter counts the call, applies any injected delay and returns any
// injected failure
func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	delay := s.delays[op]
	err := s.failures[op]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// CreateOrder inserts an order and its items
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order, items []domain.OrderItem) error {
	if err := s.enter(ctx, OpCreateOrder); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.orders[order.ID]; ok {
		s.mu.Unlock()
		return domain.ErrOrderExists
	}
	now := s.now()
	stored := order.Clone()
	if stored.Status == "" {
		stored.Status = domain.StatusPlaced
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	s.orders[order.ID] = stored

	rows := domain.CloneItems(items)
	for i := range rows {
		rows[i].OrderID = order.ID
		if rows[i].Status == "" {
			rows[i].Status = domain.ItemPending
		}
		if rows[i].UpdatedAt.IsZero() {
			rows[i].UpdatedAt = now
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	s.items[order.ID] = rows

	var changes []realtime.ChangeMessage
	if msg, err := realtime.RowChange(realtime.TableOrders, realtime.KindInsert, order.ID, order.ID, stored, nil); err == nil {
		changes = append(changes, msg)
	}
	for _, item := range rows {
		if msg, err := realtime.RowChange(realtime.TableOrderItems, realtime.KindInsert, order.ID, item.ID, item, nil); err == nil {
			changes = append(changes, msg)
		}
	}
	s.mu.Unlock()

	s.emit(ctx, changes...)
	return nil
}

// GetOrder returns the order header
func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := s.enter(ctx, OpGetOrder); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListItems returns the order's items ordered by id
func (s *Store) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	if err := s.enter(ctx, OpListItems); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := domain.CloneItems(s.items[orderID])
	if items == nil {
		items = []domain.OrderItem{}
	}
	return items, nil
}

// ListRecentEvents returns up to limit of the newest events, oldest first
func (s *Store) ListRecentEvents(ctx context.Context, orderID string, limit int) ([]domain.OrderEvent, error) {
	if err := s.enter(ctx, OpListRecentEvents); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[orderID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := cloneEvents(log)
	if out == nil {
		out = []domain.OrderEvent{}
	}
	return out, nil
}

// AppendEvent stores event with the next per-order seq. The order's
// event_seq counter moves without producing an orders change.
func (s *Store) AppendEvent(ctx context.Context, event *domain.OrderEvent) (*domain.OrderEvent, error) {
	if err := s.enter(ctx, OpAppendEvent); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[event.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	order.EventSeq++

	stored := event.Clone()
	stored.Seq = order.EventSeq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.events[event.OrderID] = append(s.events[event.OrderID], stored)

	out := stored.Clone()
	return &out, nil
}

// TransitionStatus moves the order to args.To only if it is still in
// args.ExpectedCurrent
func (s *Store) TransitionStatus(ctx context.Context, args domain.TransitionArgs) (*domain.Order, error) {
	if err := s.enter(ctx, OpTransitionStatus); err != nil {
		return nil, err
	}

	s.mu.Lock()
	order, ok := s.orders[args.OrderID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrOrderNotFound
	}
	if order.Status != args.ExpectedCurrent {
		s.mu.Unlock()
		return nil, domain.ErrStaleWrite
	}

	at := s.stamp(args.At)
	old := order.Clone()
	order.Status = args.To
	order.StampPhase(args.To, at)
	if args.AssignShopperID != nil {
		id := *args.AssignShopperID
		order.AssignedShopperID = &id
	}
	order.UpdatedAt = at
	updated := order.Clone()
	msg, err := realtime.RowChange(realtime.TableOrders, realtime.KindUpdate, order.ID, order.ID, updated, old)
	s.mu.Unlock()

	if err == nil {
		s.emit(ctx, msg)
	}
	return updated, nil
}

// MarkDeliveryStarted stamps delivery_started_at while the order is still
// in expected
func (s *Store) MarkDeliveryStarted(ctx context.Context, orderID string, expected domain.Status, at time.Time) (*domain.Order, error) {
	if err := s.enter(ctx, OpMarkDeliveryStarted); err != nil {
		return nil, err
	}

	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrOrderNotFound
	}
	if order.Status != expected {
		s.mu.Unlock()
		return nil, domain.ErrStaleWrite
	}

	at = s.stamp(at)
	old := order.Clone()
	order.DeliveryStartedAt = &at
	order.UpdatedAt = at
	updated := order.Clone()
	msg, err := realtime.RowChange(realtime.TableOrders, realtime.KindUpdate, order.ID, order.ID, updated, old)
	s.mu.Unlock()

	if err == nil {
		s.emit(ctx, msg)
	}
	return updated, nil
}

// UpdateItem applies update only if the item is still in update.Expected
func (s *Store) UpdateItem(ctx context.Context, update domain.ItemUpdate) (*domain.OrderItem, error) {
	if err := s.enter(ctx, OpUpdateItem); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.orders[update.OrderID]; !ok {
		s.mu.Unlock()
		return nil, domain.ErrOrderNotFound
	}
	items := s.items[update.OrderID]
	idx := -1
	for i := range items {
		if items[i].ID == update.ItemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, domain.ErrItemNotFound
	}
	item := &items[idx]
	if item.Status != update.Expected {
		s.mu.Unlock()
		return nil, domain.ErrStaleWrite
	}

	old := item.Clone()
	applyItemUpdate(item, update, s.stamp(update.At))
	updated := item.Clone()
	msg, err := realtime.RowChange(realtime.TableOrderItems, realtime.KindUpdate, update.OrderID, item.ID, updated, old)
	s.mu.Unlock()

	if err == nil {
		s.emit(ctx, msg)
	}
	return &updated, nil
}

func applyItemUpdate(item *domain.OrderItem, update domain.ItemUpdate, at time.Time) {
	item.Status = update.To
	if update.QuantityFound != nil {
		item.QuantityFound = *update.QuantityFound
	}
	if update.ShopperNote != nil {
		item.ShopperNote = *update.ShopperNote
	}
	if update.PhotoRef != nil {
		item.PhotoRef = *update.PhotoRef
	}
	if update.Substitution != nil {
		sub := *update.Substitution
		item.Substitution = &sub
	}
	item.UpdatedAt = at
}

func (s *Store) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.now()
	}
	return at.UTC()
}

func (s *Store) emit(ctx context.Context, msgs ...realtime.ChangeMessage) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	for _, msg := range msgs {
		_ = sink(context.WithoutCancel(ctx), msg)
	}
}

func cloneEvents(events []domain.OrderEvent) []domain.OrderEvent {
	if events == nil {
		return nil
	}
	out := make([]domain.OrderEvent, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}
