package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTime() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func strPtr(s string) *string { return &s }

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden.json"),
	)
}

func TestOrderEventWireShape(t *testing.T) {
	payload, err := json.Marshal(ItemPickedPayload{ItemID: "i-1", ProductID: "p-9", QuantityFound: 2})
	require.NoError(t, err)

	event := OrderEvent{
		ID:        "evt-1",
		OrderID:   "o-1",
		EventType: EventItemPicked,
		Payload:   payload,
		ActorID:   strPtr("shopper-a"),
		ActorRole: strPtr("shopper"),
		Seq:       7,
		CreatedAt: fixedTime(),
	}

	out, err := json.MarshalIndent(event, "", "  ")
	require.NoError(t, err)
	newGolden(t).Assert(t, "item_picked", out)
}

func TestUnknownEventWireShapeKeepsNullActor(t *testing.T) {
	event := OrderEvent{
		ID:        "evt-2",
		OrderID:   "o-1",
		EventType: "LOYALTY_POINTS_GRANTED",
		Payload:   json.RawMessage(`{"b":1,"a":[true]}`),
		CreatedAt: fixedTime(),
	}

	out, err := json.MarshalIndent(event, "", "  ")
	require.NoError(t, err)
	newGolden(t).Assert(t, "unknown_type", out)
}

func TestOrderEventRoundTripPreservesUnknownPayload(t *testing.T) {
	raw := `{"id":"evt-3","order_id":"o-1","event_type":"CUSTOM_THING","payload":{"z":1,"a":"x"},"actor_id":null,"actor_role":null,"created_at":"2026-03-14T09:30:00Z"}`

	var event OrderEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	assert.False(t, event.EventType.Known())
	assert.Nil(t, event.Actor())

	decoded, err := event.Decode()
	require.NoError(t, err)
	unknown, ok := decoded.(UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, EventType("CUSTOM_THING"), unknown.Type)
	assert.JSONEq(t, `{"z":1,"a":"x"}`, string(unknown.Raw))

	out, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestDecodeTypedPayloads(t *testing.T) {
	actor := &Actor{ID: "shopper-a", Role: RoleShopper}

	event, err := NewOrderEvent("o-1", EventStatusChanged, StatusChangedPayload{From: StatusPlaced, To: StatusClaimed}, actor)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, time.UTC, event.CreatedAt.Location())
	assert.Equal(t, actor, event.Actor())

	decoded, err := event.Decode()
	require.NoError(t, err)
	assert.Equal(t, StatusChangedPayload{From: StatusPlaced, To: StatusClaimed}, decoded)

	row, err := json.Marshal(OrderItem{ID: "i-1", OrderID: "o-1", Status: ItemFound})
	require.NoError(t, err)
	itemEvent := NewRowEvent("o-1", EventItemUpdated, row, fixedTime())
	decoded, err = itemEvent.Decode()
	require.NoError(t, err)
	item, ok := decoded.(*OrderItem)
	require.True(t, ok)
	assert.Equal(t, ItemFound, item.Status)
}

func TestDecodeRejectsMalformedKnownPayload(t *testing.T) {
	event := OrderEvent{EventType: EventNoteAdded, Payload: json.RawMessage(`{"note":42}`)}
	_, err := event.Decode()
	assert.Error(t, err)
}

func TestNewOrderEventValidation(t *testing.T) {
	_, err := NewOrderEvent("o-1", "", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyEventType)

	_, err = NewOrderEvent("o-1", EventNoteAdded, json.RawMessage(`{broken`), nil)
	assert.Error(t, err)

	event, err := NewOrderEvent("o-1", EventNoteAdded, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(event.Payload))
	assert.Nil(t, event.ActorID)
}

func TestEventTypeClassification(t *testing.T) {
	assert.True(t, EventItemPicked.Publishable())
	assert.True(t, EventType("CUSTOM").Publishable())
	assert.False(t, EventSnapshotReconciled.Publishable())
	assert.False(t, EventOrderUpdated.Publishable())
	assert.True(t, EventItemDeleted.Synthetic())
}

func TestSnapshotReconciledEventCarriesHighWaterSeq(t *testing.T) {
	snap := &Snapshot{
		OrderID: "o-1",
		Order:   &Order{ID: "o-1", Status: StatusShopping, EventSeq: 4},
		Items:   []OrderItem{},
		Events:  []OrderEvent{{ID: "e", Seq: 6}},
	}

	event, err := NewSnapshotReconciledEvent(snap)
	require.NoError(t, err)
	assert.Equal(t, int64(6), event.Seq)

	decoded, err := event.Decode()
	require.NoError(t, err)
	got, ok := decoded.(*Snapshot)
	require.True(t, ok)
	assert.Equal(t, StatusShopping, got.Order.Status)
	assert.False(t, got.Partial())
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	shopper := "a"
	snap := &Snapshot{
		Order:  &Order{ID: "o-1", AssignedShopperID: &shopper},
		Items:  []OrderItem{{ID: "i-1", Substitution: &Substitution{ProductID: "p"}}},
		Events: []OrderEvent{{ID: "e-1", Payload: json.RawMessage(`{}`)}},
	}

	c := snap.Clone()
	*c.Order.AssignedShopperID = "b"
	c.Items[0].Substitution.ProductID = "q"
	c.Events[0].Payload[0] = '['

	assert.Equal(t, "a", *snap.Order.AssignedShopperID)
	assert.Equal(t, "p", snap.Items[0].Substitution.ProductID)
	assert.Equal(t, "{}", string(snap.Events[0].Payload))
}
