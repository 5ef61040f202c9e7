package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags an OrderEvent. The set below is closed; anything else
// decodes to UnknownPayload and is carried through untouched.
type EventType string

const (
	EventStatusChanged        EventType = "STATUS_CHANGED"
	EventItemPicked           EventType = "ITEM_PICKED"
	EventItemSkipped          EventType = "ITEM_SKIPPED"
	EventSubstitutionProposed EventType = "SUBSTITUTION_PROPOSED"
	EventSubstitutionDecided  EventType = "SUBSTITUTION_DECIDED"
	EventDeliveryStarted      EventType = "DELIVERY_STARTED"
	EventNoteAdded            EventType = "NOTE_ADDED"
	EventPhotoAttached        EventType = "PHOTO_ATTACHED"

	// Synthesized from row changes, never written to the event log.
	EventOrderUpdated EventType = "ORDER_UPDATED"
	EventItemInserted EventType = "ITEM_INSERTED"
	EventItemUpdated  EventType = "ITEM_UPDATED"
	EventItemDeleted  EventType = "ITEM_DELETED"

	EventSnapshotReconciled EventType = "SNAPSHOT_RECONCILED"
)

var knownEventTypes = map[EventType]bool{
	EventStatusChanged:        true,
	EventItemPicked:           true,
	EventItemSkipped:          true,
	EventSubstitutionProposed: true,
	EventSubstitutionDecided:  true,
	EventDeliveryStarted:      true,
	EventNoteAdded:            true,
	EventPhotoAttached:        true,
	EventOrderUpdated:         true,
	EventItemInserted:         true,
	EventItemUpdated:          true,
	EventItemDeleted:          true,
	EventSnapshotReconciled:   true,
}

// Known reports whether t is part of the closed vocabulary
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Synthetic reports whether t is produced from a row change rather than the event log
func (t EventType) Synthetic() bool {
	switch t {
	case EventOrderUpdated, EventItemInserted, EventItemUpdated, EventItemDeleted, EventSnapshotReconciled:
		return true
	}
	return false
}

// Publishable reports whether t may be appended to the durable log
func (t EventType) Publishable() bool {
	return t != "" && !t.Synthetic()
}

// ErrEmptyEventType is returned when an event is built without a type
var ErrEmptyEventType = errors.New("event type is required")

// OrderEvent is an immutable, append-only fact about an order. Its JSON form
// is the wire contract shared by the durable log and the live broadcast.
type OrderEvent struct {
	ID        string          `bson:"_id" json:"id"`
	OrderID   string          `bson:"order_id" json:"order_id"`
	EventType EventType       `bson:"event_type" json:"event_type"`
	Payload   json.RawMessage `bson:"payload" json:"payload"`
	ActorID   *string         `bson:"actor_id" json:"actor_id"`
	ActorRole *string         `bson:"actor_role" json:"actor_role"`
	Seq       int64           `bson:"seq" json:"seq,omitempty"`
	CreatedAt time.Time       `bson:"created_at" json:"created_at"`
}

// NewOrderEvent builds an event with a fresh id. Seq is left for the store.
func NewOrderEvent(orderID string, eventType EventType, payload any, actor *Actor) (*OrderEvent, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	event := &OrderEvent{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		EventType: eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if actor != nil {
		id, role := actor.ID, string(actor.Role)
		event.ActorID = &id
		event.ActorRole = &role
	}
	return event, nil
}

// NewRowEvent wraps a row change into a synthetic event
func NewRowEvent(orderID string, eventType EventType, row json.RawMessage, at time.Time) *OrderEvent {
	if len(row) == 0 {
		row = json.RawMessage("null")
	}
	if at.IsZero() {
		at = time.Now()
	}
	return &OrderEvent{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		EventType: eventType,
		Payload:   row,
		CreatedAt: at.UTC(),
	}
}

// NewSnapshotReconciledEvent carries a full snapshot. Its seq is the highest
// seq the snapshot covers so consumers can resume gap detection from it.
func NewSnapshotReconciledEvent(snapshot *Snapshot) (*OrderEvent, error) {
	event, err := NewOrderEvent(snapshot.OrderID, EventSnapshotReconciled, snapshot, nil)
	if err != nil {
		return nil, err
	}
	event.Seq = snapshot.HighWaterSeq()
	return event, nil
}

// Actor returns the event's actor, or nil when it was system generated
func (e *OrderEvent) Actor() *Actor {
	if e.ActorID == nil {
		return nil
	}
	a := &Actor{ID: *e.ActorID}
	if e.ActorRole != nil {
		a.Role = Role(*e.ActorRole)
	}
	return a
}

// Clone returns a copy that shares no mutable memory with e
func (e OrderEvent) Clone() OrderEvent {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	e.ActorID = cloneString(e.ActorID)
	e.ActorRole = cloneString(e.ActorRole)
	return e
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case UnknownPayload:
		return marshalPayload(p.Raw)
	default:
		return json.Marshal(p)
	}
}
