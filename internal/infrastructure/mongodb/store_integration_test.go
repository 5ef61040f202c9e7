//go:build integration

package mongodb

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
	"github.com/tulemar/ordersync/internal/realtime"
	"github.com/tulemar/ordersync/pkg/mongodb"
	testhelpers "github.com/tulemar/ordersync/pkg/testing"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	ctx := context.Background()

	container, err := testhelpers.NewMongoDBContainer(ctx)
	require.NoError(t, err)

	driver, err := container.GetClient(ctx)
	require.NoError(t, err)

	client := mongodb.Wrap(driver, fmt.Sprintf("ordersync_test_%d", time.Now().UnixNano()), nil, nil)
	store := NewStore(client)
	require.NoError(t, store.EnsureIndexes(ctx))

	cleanup := func() {
		_ = client.Database().Drop(ctx)
		_ = client.Close(ctx)
		_ = container.Close(ctx)
	}
	return store, cleanup
}

func createOrder(t *testing.T, store *Store, id string) {
	t.Helper()
	err := store.CreateOrder(context.Background(),
		&domain.Order{ID: id, Total: 18.75},
		[]domain.OrderItem{
			{ID: id + "-i1", ProductID: "p-1", ProductName: "Milk", QuantityOrdered: 1},
			{ID: id + "-i2", ProductID: "p-2", ProductName: "Eggs", QuantityOrdered: 12},
		})
	require.NoError(t, err)
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("CreateAndRead", func(t *testing.T) {
		createOrder(t, store, "o-read")

		order, err := store.GetOrder(ctx, "o-read")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPlaced, order.Status)

		items, err := store.ListItems(ctx, "o-read")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, domain.ItemPending, items[0].Status)

		assert.ErrorIs(t, store.CreateOrder(ctx, &domain.Order{ID: "o-read"}, nil), domain.ErrOrderExists)

		_, err = store.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("AppendEventSequenceAndPayloadRoundTrip", func(t *testing.T) {
		createOrder(t, store, "o-events")

		for i := 1; i <= 4; i++ {
			event, err := domain.NewOrderEvent("o-events", domain.EventNoteAdded,
				json.RawMessage(fmt.Sprintf(`{"note":"n%d","nested":{"k":[1,2]}}`, i)), nil)
			require.NoError(t, err)
			stored, err := store.AppendEvent(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, int64(i), stored.Seq)
		}

		recent, err := store.ListRecentEvents(ctx, "o-events", 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, []int64{2, 3, 4}, []int64{recent[0].Seq, recent[1].Seq, recent[2].Seq})
		assert.JSONEq(t, `{"note":"n4","nested":{"k":[1,2]}}`, string(recent[2].Payload))
	})

	t.Run("AppendEventWritesOutbox", func(t *testing.T) {
		createOrder(t, store, "o-event-outbox")

		event, err := domain.NewOrderEvent("o-event-outbox", domain.EventNoteAdded, json.RawMessage(`{"note":"n"}`), nil)
		require.NoError(t, err)
		stored, err := store.AppendEvent(ctx, event)
		require.NoError(t, err)

		records, err := store.Outbox().FindUnpublished(ctx, 1000)
		require.NoError(t, err)
		var found bool
		for _, rec := range records {
			if rec.OrderID != "o-event-outbox" || rec.Table != string(realtime.TableOrderEvents) {
				continue
			}
			assert.Equal(t, string(realtime.KindInsert), rec.Kind)
			var msg realtime.ChangeMessage
			require.NoError(t, json.Unmarshal(rec.Payload, &msg))
			assert.Equal(t, stored.ID, msg.RowID)

			relayed, err := realtime.MustWireValidator().DecodeEvent(msg.New)
			require.NoError(t, err)
			assert.Equal(t, stored.Seq, relayed.Seq)
			found = true
		}
		assert.True(t, found, "appended event should leave an outbox record")
	})

	t.Run("TransitionCompareAndSwap", func(t *testing.T) {
		createOrder(t, store, "o-cas")
		shopper := "shopper-a"

		updated, err := store.TransitionStatus(ctx, domain.TransitionArgs{
			OrderID:         "o-cas",
			To:              domain.StatusClaimed,
			ExpectedCurrent: domain.StatusPlaced,
			AssignShopperID: &shopper,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClaimed, updated.Status)
		require.NotNil(t, updated.AssignedShopperID)
		assert.Equal(t, shopper, *updated.AssignedShopperID)

		_, err = store.TransitionStatus(ctx, domain.TransitionArgs{
			OrderID:         "o-cas",
			To:              domain.StatusClaimed,
			ExpectedCurrent: domain.StatusPlaced,
		})
		assert.ErrorIs(t, err, domain.ErrStaleWrite)

		_, err = store.TransitionStatus(ctx, domain.TransitionArgs{
			OrderID:         "missing",
			To:              domain.StatusClaimed,
			ExpectedCurrent: domain.StatusPlaced,
		})
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("ConcurrentAcceptHasOneWinner", func(t *testing.T) {
		createOrder(t, store, "o-race")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				shopper := fmt.Sprintf("shopper-%d", i)
				_, errs[i] = store.TransitionStatus(ctx, domain.TransitionArgs{
					OrderID:         "o-race",
					To:              domain.StatusClaimed,
					ExpectedCurrent: domain.StatusPlaced,
					AssignShopperID: &shopper,
				})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, domain.ErrStaleWrite)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("ItemUpdateWritesOutbox", func(t *testing.T) {
		createOrder(t, store, "o-item")
		qty := 1

		item, err := store.UpdateItem(ctx, domain.ItemUpdate{
			OrderID:       "o-item",
			ItemID:        "o-item-i1",
			Expected:      domain.ItemPending,
			To:            domain.ItemFound,
			QuantityFound: &qty,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ItemFound, item.Status)

		_, err = store.UpdateItem(ctx, domain.ItemUpdate{
			OrderID: "o-item", ItemID: "o-item-i1", Expected: domain.ItemPending, To: domain.ItemSkipped,
		})
		assert.ErrorIs(t, err, domain.ErrStaleWrite)

		_, err = store.UpdateItem(ctx, domain.ItemUpdate{
			OrderID: "o-item", ItemID: "nope", Expected: domain.ItemPending, To: domain.ItemSkipped,
		})
		assert.ErrorIs(t, err, domain.ErrItemNotFound)

		records, err := store.Outbox().FindUnpublished(ctx, 1000)
		require.NoError(t, err)
		var found bool
		for _, rec := range records {
			if rec.OrderID != "o-item" || rec.Table != string(realtime.TableOrderItems) || rec.Kind != string(realtime.KindUpdate) {
				continue
			}
			var msg realtime.ChangeMessage
			require.NoError(t, json.Unmarshal(rec.Payload, &msg))
			assert.Equal(t, "o-item-i1", msg.RowID)
			found = true
		}
		assert.True(t, found, "item update should leave an outbox record")
	})

	t.Run("DeliveryStartedKeepsStatus", func(t *testing.T) {
		createOrder(t, store, "o-deliver")

		_, err := store.MarkDeliveryStarted(ctx, "o-deliver", domain.StatusReady, time.Time{})
		assert.ErrorIs(t, err, domain.ErrStaleWrite)

		order, err := store.MarkDeliveryStarted(ctx, "o-deliver", domain.StatusPlaced, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPlaced, order.Status)
		assert.NotNil(t, order.DeliveryStartedAt)
	})
}
