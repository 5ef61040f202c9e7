package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the decoded body of an OrderEvent. The set of implementations
// is sealed to this package.
type Payload interface {
	payload()
}

type StatusChangedPayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type ItemPickedPayload struct {
	ItemID        string `json:"item_id"`
	ProductID     string `json:"product_id"`
	QuantityFound int    `json:"quantity_found"`
	ShopperNote   string `json:"shopper_note,omitempty"`
	PhotoRef      string `json:"photo_ref,omitempty"`
}

type ItemSkippedPayload struct {
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	Reason    string `json:"reason,omitempty"`
}

type SubstitutionProposedPayload struct {
	ItemID       string       `json:"item_id"`
	Substitution Substitution `json:"substitution"`
}

type SubstitutionDecidedPayload struct {
	ItemID   string `json:"item_id"`
	Approved bool   `json:"approved"`
}

type DeliveryStartedPayload struct {
	DriverID  string    `json:"driver_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type NoteAddedPayload struct {
	Note string `json:"note"`
}

type PhotoAttachedPayload struct {
	ItemID   string `json:"item_id,omitempty"`
	PhotoRef string `json:"photo_ref"`
}

// UnknownPayload carries an event type outside the closed vocabulary
// together with its raw body, so it round-trips byte for byte.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (StatusChangedPayload) payload()        {}
func (ItemPickedPayload) payload()           {}
func (ItemSkippedPayload) payload()          {}
func (SubstitutionProposedPayload) payload() {}
func (SubstitutionDecidedPayload) payload()  {}
func (DeliveryStartedPayload) payload()      {}
func (NoteAddedPayload) payload()            {}
func (PhotoAttachedPayload) payload()        {}
func (UnknownPayload) payload()              {}
func (*Order) payload()                      {}
func (*OrderItem) payload()                  {}
func (*Snapshot) payload()                   {}

// Decode parses the event payload into its typed variant
func (e *OrderEvent) Decode() (Payload, error) {
	var target Payload
	switch e.EventType {
	case EventStatusChanged:
		target = &StatusChangedPayload{}
	case EventItemPicked:
		target = &ItemPickedPayload{}
	case EventItemSkipped:
		target = &ItemSkippedPayload{}
	case EventSubstitutionProposed:
		target = &SubstitutionProposedPayload{}
	case EventSubstitutionDecided:
		target = &SubstitutionDecidedPayload{}
	case EventDeliveryStarted:
		target = &DeliveryStartedPayload{}
	case EventNoteAdded:
		target = &NoteAddedPayload{}
	case EventPhotoAttached:
		target = &PhotoAttachedPayload{}
	case EventOrderUpdated:
		target = &Order{}
	case EventItemInserted, EventItemUpdated, EventItemDeleted:
		target = &OrderItem{}
	case EventSnapshotReconciled:
		target = &Snapshot{}
	default:
		return UnknownPayload{Type: e.EventType, Raw: append(json.RawMessage(nil), e.Payload...)}, nil
	}

	if err := json.Unmarshal(e.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return deref(target), nil
}

// Value payloads are returned by value, row and snapshot payloads by pointer.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StatusChangedPayload:
		return *v
	case *ItemPickedPayload:
		return *v
	case *ItemSkippedPayload:
		return *v
	case *SubstitutionProposedPayload:
		return *v
	case *SubstitutionDecidedPayload:
		return *v
	case *DeliveryStartedPayload:
		return *v
	case *NoteAddedPayload:
		return *v
	case *PhotoAttachedPayload:
		return *v
	}
	return p
}
