package reconciler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/eventbus"
	"github.com/tulemar/ordersync/internal/infrastructure/memory"
	"github.com/tulemar/ordersync/internal/realtime"
	memtransport "github.com/tulemar/ordersync/internal/realtime/memory"
	"github.com/tulemar/ordersync/internal/reconciler"
	"github.com/tulemar/ordersync/pkg/resilience"
	testhelpers "github.com/tulemar/ordersync/pkg/testing"
)

const waitFor = 2 * time.Second

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rowEvent(t *testing.T, eventType domain.EventType, row any, at time.Time) *domain.OrderEvent {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	return domain.NewRowEvent("o-1", eventType, raw, at)
}

func logEvent(id string, seq int64) *domain.OrderEvent {
	return &domain.OrderEvent{
		ID:        id,
		OrderID:   "o-1",
		EventType: domain.EventNoteAdded,
		Payload:   json.RawMessage(`{"note":"n"}`),
		Seq:       seq,
		CreatedAt: base,
	}
}

func snapshotEvent(t *testing.T, snapshot *domain.Snapshot) *domain.OrderEvent {
	t.Helper()
	event, err := domain.NewSnapshotReconciledEvent(snapshot)
	require.NoError(t, err)
	return event
}

func TestOrderUpdatesAreLastWriterWins(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})

	r.Apply(rowEvent(t, domain.EventOrderUpdated, domain.Order{ID: "o-1", Status: domain.StatusShopping, UpdatedAt: base.Add(2 * time.Second)}, base))
	r.Apply(rowEvent(t, domain.EventOrderUpdated, domain.Order{ID: "o-1", Status: domain.StatusClaimed, UpdatedAt: base.Add(time.Second)}, base))

	require.NotNil(t, r.State().Order)
	assert.Equal(t, domain.StatusShopping, r.State().Order.Status)

	r.Apply(rowEvent(t, domain.EventOrderUpdated, domain.Order{ID: "o-1", Status: domain.StatusReady, UpdatedAt: base.Add(3 * time.Second)}, base))
	assert.Equal(t, domain.StatusReady, r.State().Order.Status)
}

func TestItemRowsUpsertAndDelete(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})

	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "i-1", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: base}, base))
	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "i-2", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: base}, base))
	r.Apply(rowEvent(t, domain.EventItemUpdated, domain.OrderItem{ID: "i-1", OrderID: "o-1", Status: domain.ItemFound, QuantityFound: 2, UpdatedAt: base.Add(time.Second)}, base))

	state := r.State()
	require.Len(t, state.Items, 2)
	item, ok := state.Item("i-1")
	require.True(t, ok)
	assert.Equal(t, domain.ItemFound, item.Status)
	assert.Equal(t, 2, item.QuantityFound)

	r.Apply(rowEvent(t, domain.EventItemDeleted, domain.OrderItem{ID: "i-2", OrderID: "o-1"}, base))
	state = r.State()
	require.Len(t, state.Items, 1)
	assert.Equal(t, "i-1", state.Items[0].ID)
}

func TestLogEventsAreDedupedAndOrdered(t *testing.T) {
	var mu sync.Mutex
	var hooked []string
	r := reconciler.New("o-1", reconciler.Options{OnEvent: func(e domain.OrderEvent) {
		mu.Lock()
		hooked = append(hooked, e.ID)
		mu.Unlock()
	}})

	r.Apply(logEvent("e-2", 2))
	r.Apply(logEvent("e-1", 1))
	r.Apply(logEvent("e-2", 2))
	r.Apply(logEvent("e-x", 1))

	state := r.State()
	require.Len(t, state.Events, 2)
	assert.Equal(t, "e-1", state.Events[0].ID)
	assert.Equal(t, "e-2", state.Events[1].ID)
	assert.Equal(t, int64(2), state.LastSeq)

	mu.Lock()
	assert.Equal(t, []string{"e-2", "e-1"}, hooked)
	mu.Unlock()
}

func TestEventListIsBounded(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{EventLimit: 3})
	for i := 1; i <= 5; i++ {
		r.Apply(logEvent(fmt.Sprintf("e-%d", i), int64(i)))
	}

	state := r.State()
	require.Len(t, state.Events, 3)
	assert.Equal(t, int64(3), state.Events[0].Seq)
	assert.Equal(t, int64(5), state.Events[2].Seq)

	r.Apply(logEvent("e-old", 1))
	assert.Len(t, r.State().Events, 3)
	assert.Equal(t, int64(3), r.State().Events[0].Seq)
}

func TestEventsForOtherOrdersAreIgnored(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	other := logEvent("e-1", 1)
	other.OrderID = "o-2"
	r.Apply(other)
	assert.Empty(t, r.State().Events)
}

func TestSnapshotReplacesStateAndClearsSpeculation(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "stale", OrderID: "o-1", UpdatedAt: base}, base))
	r.Mutate(func(s *reconciler.State) {
		s.Order = &domain.Order{ID: "o-1", Status: domain.StatusClaimed}
	})
	require.True(t, r.State().Speculative)

	r.Apply(snapshotEvent(t, &domain.Snapshot{
		OrderID: "o-1",
		Order:   &domain.Order{ID: "o-1", Status: domain.StatusPlaced, EventSeq: 4, UpdatedAt: base},
		Items:   []domain.OrderItem{{ID: "i-1", OrderID: "o-1", UpdatedAt: base}},
		Events:  []domain.OrderEvent{*logEvent("e-4", 4)},
	}))

	state := r.State()
	assert.False(t, state.Speculative)
	assert.True(t, state.Synced)
	assert.Equal(t, domain.StatusPlaced, state.Order.Status)
	require.Len(t, state.Items, 1)
	assert.Equal(t, "i-1", state.Items[0].ID)
	assert.Equal(t, int64(4), state.LastSeq)
}

func TestSnapshotKeepsNewerLocalRowsAndEvents(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	r.Apply(rowEvent(t, domain.EventOrderUpdated, domain.Order{ID: "o-1", Status: domain.StatusShopping, UpdatedAt: base.Add(time.Minute)}, base))
	r.Apply(logEvent("e-5", 5))

	r.Apply(snapshotEvent(t, &domain.Snapshot{
		OrderID: "o-1",
		Order:   &domain.Order{ID: "o-1", Status: domain.StatusClaimed, EventSeq: 4, UpdatedAt: base},
		Items:   []domain.OrderItem{},
		Events:  []domain.OrderEvent{*logEvent("e-4", 4)},
	}))

	state := r.State()
	assert.Equal(t, domain.StatusShopping, state.Order.Status)
	require.Len(t, state.Events, 2)
	assert.Equal(t, "e-4", state.Events[0].ID)
	assert.Equal(t, "e-5", state.Events[1].ID)
	assert.Equal(t, int64(5), state.LastSeq)
}

func TestSnapshotDiscardsNewerOptimisticEdits(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	shopping := func(at time.Time) *domain.OrderEvent {
		return snapshotEvent(t, &domain.Snapshot{
			OrderID: "o-1",
			Order:   &domain.Order{ID: "o-1", Status: domain.StatusShopping, UpdatedAt: at},
			Items:   []domain.OrderItem{{ID: "i-1", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: at}},
			Events:  []domain.OrderEvent{},
		})
	}
	r.Apply(shopping(base))

	r.Mutate(func(s *reconciler.State) {
		s.Order.Status = domain.StatusReady
		s.Order.UpdatedAt = base.Add(time.Hour)
		s.Items[0].Status = domain.ItemFound
		s.Items[0].UpdatedAt = base.Add(time.Hour)
	})
	require.True(t, r.State().Speculative)
	require.Equal(t, domain.StatusReady, r.State().Order.Status)

	r.Apply(shopping(base.Add(time.Second)))

	state := r.State()
	assert.False(t, state.Speculative)
	assert.Equal(t, domain.StatusShopping, state.Order.Status)
	require.Len(t, state.Items, 1)
	assert.Equal(t, domain.ItemPending, state.Items[0].Status)
}

func TestLiveRowsReachSpeculativeState(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	r.Apply(snapshotEvent(t, &domain.Snapshot{
		OrderID: "o-1",
		Order:   &domain.Order{ID: "o-1", Status: domain.StatusShopping, UpdatedAt: base},
		Items:   []domain.OrderItem{{ID: "i-1", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: base}},
		Events:  []domain.OrderEvent{},
	}))

	r.Mutate(func(s *reconciler.State) {
		s.Items[0].Status = domain.ItemFound
	})
	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "i-2", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: base.Add(time.Minute)}, base))

	state := r.State()
	assert.True(t, state.Speculative)
	require.Len(t, state.Items, 2)
	assert.Equal(t, domain.ItemFound, state.Items[0].Status)

	r.Apply(snapshotEvent(t, &domain.Snapshot{
		OrderID: "o-1",
		Order:   &domain.Order{ID: "o-1", Status: domain.StatusShopping, UpdatedAt: base},
		Items:   []domain.OrderItem{{ID: "i-1", OrderID: "o-1", Status: domain.ItemPending, UpdatedAt: base}},
		Events:  []domain.OrderEvent{},
	}))

	state = r.State()
	assert.False(t, state.Speculative)
	require.Len(t, state.Items, 1)
	assert.Equal(t, domain.ItemPending, state.Items[0].Status)
}

func TestDegradedSnapshotSectionsKeepCurrentValues(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "i-1", OrderID: "o-1", UpdatedAt: base}, base))

	r.Apply(snapshotEvent(t, &domain.Snapshot{
		OrderID:  "o-1",
		Order:    &domain.Order{ID: "o-1", Status: domain.StatusPlaced, UpdatedAt: base},
		Items:    []domain.OrderItem{},
		Events:   []domain.OrderEvent{},
		Degraded: []string{domain.SectionItems},
	}))

	state := r.State()
	require.Len(t, state.Items, 1)
	assert.Equal(t, []string{domain.SectionItems}, state.Degraded)
	assert.Equal(t, domain.StatusPlaced, state.Order.Status)
}

func TestStateIsADeepCopy(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	r.Apply(rowEvent(t, domain.EventItemInserted, domain.OrderItem{ID: "i-1", OrderID: "o-1", UpdatedAt: base}, base))

	state := r.State()
	state.Items[0].Status = domain.ItemSkipped
	assert.NotEqual(t, domain.ItemSkipped, r.State().Items[0].Status)
}

func TestUpdatesKeepsOnlyTheLatestState(t *testing.T) {
	r := reconciler.New("o-1", reconciler.Options{})
	for i := 1; i <= 3; i++ {
		r.Apply(logEvent(fmt.Sprintf("e-%d", i), int64(i)))
	}

	select {
	case state := <-r.Updates():
		assert.Equal(t, int64(3), state.LastSeq)
	case <-time.After(waitFor):
		t.Fatal("no update published")
	}
	select {
	case <-r.Updates():
		t.Fatal("stale update left behind")
	default:
	}
}

type busFixture struct {
	store     *memory.Store
	transport *memtransport.Transport
	manager   *realtime.Manager
	bus       *eventbus.Bus
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	transport := memtransport.New()
	store := memory.NewStore(memory.WithChangeSink(transport.Emit))
	require.NoError(t, store.CreateOrder(context.Background(),
		&domain.Order{ID: "o-1", Total: 25},
		[]domain.OrderItem{{ID: "i-1", ProductID: "p-1", QuantityOrdered: 1}}))

	manager := realtime.NewManager(transport, &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}, nil, nil)
	cfg := eventbus.DefaultConfig()
	cfg.ResyncDebounce = 5 * time.Millisecond
	bus := eventbus.New(eventbus.Deps{Reader: store, Events: store, Manager: manager, Transport: transport}, cfg)

	t.Cleanup(func() {
		_ = bus.Close()
		_ = manager.Close()
		_ = transport.Close()
	})
	return &busFixture{store: store, transport: transport, manager: manager, bus: bus}
}

func (f *busFixture) waitChannels(t *testing.T) {
	t.Helper()
	testhelpers.AssertEventually(t, func() bool {
		for _, name := range eventbus.Channels("o-1") {
			if !f.manager.Active(name) {
				return false
			}
		}
		return true
	}, waitFor, "order channels established")
}

func TestAttachSeedsFromSnapshot(t *testing.T) {
	f := newBusFixture(t)
	_, err := f.bus.Publish(context.Background(), "o-1", domain.EventNoteAdded, domain.NoteAddedPayload{Note: "hi"}, nil)
	require.NoError(t, err)

	r := reconciler.New("o-1", reconciler.Options{})
	detach, err := r.Attach(context.Background(), f.bus)
	require.NoError(t, err)
	defer detach()

	state := r.State()
	assert.True(t, state.Synced)
	require.NotNil(t, state.Order)
	assert.Equal(t, domain.StatusPlaced, state.Order.Status)
	require.Len(t, state.Items, 1)
	require.Len(t, state.Events, 1)
	assert.Equal(t, int64(1), state.LastSeq)
	assert.Equal(t, 1, f.bus.Subscribers("o-1"))

	detach()
	assert.Equal(t, 0, f.bus.Subscribers("o-1"))
}

func TestAttachDoesNotLoseOrDuplicateEventsDuringSeeding(t *testing.T) {
	f := newBusFixture(t)
	f.store.Delay(memory.OpListItems, 100*time.Millisecond)

	r := reconciler.New("o-1", reconciler.Options{})
	type result struct {
		detach func()
		err    error
	}
	done := make(chan result, 1)
	go func() {
		detach, err := r.Attach(context.Background(), f.bus)
		done <- result{detach, err}
	}()

	f.waitChannels(t)
	published, err := f.bus.Publish(context.Background(), "o-1", domain.EventNoteAdded, domain.NoteAddedPayload{Note: "during seed"}, nil)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	defer res.detach()

	testhelpers.AssertEventually(t, func() bool {
		return len(r.State().Events) == 1
	}, waitFor, "published event applied")
	testhelpers.AssertNever(t, func() bool {
		return len(r.State().Events) > 1
	}, 50*time.Millisecond, "event applied twice")
	assert.Equal(t, published.ID, r.State().Events[0].ID)
}

func TestAttachFailsWhenSnapshotIsCanceled(t *testing.T) {
	f := newBusFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := reconciler.New("o-1", reconciler.Options{})
	_, err := r.Attach(ctx, f.bus)
	require.Error(t, err)
	assert.Equal(t, 0, f.bus.Subscribers("o-1"))
}

func TestSeqGapRequestsResync(t *testing.T) {
	f := newBusFixture(t)
	r := reconciler.New("o-1", reconciler.Options{})
	detach, err := r.Attach(context.Background(), f.bus)
	require.NoError(t, err)
	defer detach()
	f.waitChannels(t)

	reads := f.store.Calls(memory.OpGetOrder)
	r.Apply(logEvent("e-far", 3))

	testhelpers.AssertEventually(t, func() bool {
		return f.store.Calls(memory.OpGetOrder) > reads
	}, waitFor, "gap triggers a snapshot read")
}

func TestLiveRowChangesReachState(t *testing.T) {
	f := newBusFixture(t)
	r := reconciler.New("o-1", reconciler.Options{})
	detach, err := r.Attach(context.Background(), f.bus)
	require.NoError(t, err)
	defer detach()
	f.waitChannels(t)

	_, err = f.store.TransitionStatus(context.Background(), domain.TransitionArgs{
		OrderID:         "o-1",
		To:              domain.StatusClaimed,
		ExpectedCurrent: domain.StatusPlaced,
		At:              time.Now().Add(time.Second),
	})
	require.NoError(t, err)

	testhelpers.AssertEventually(t, func() bool {
		order := r.State().Order
		return order != nil && order.Status == domain.StatusClaimed
	}, waitFor, "claimed status mirrored")
}
