package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOrderNotFound is returned when an order does not exist
	ErrOrderNotFound = errors.New("order not found")
	// ErrItemNotFound is returned when an order item does not exist
	ErrItemNotFound = errors.New("order item not found")
	// ErrStaleWrite is returned when a guarded write's expected state no
	// longer matches the stored state
	ErrStaleWrite = errors.New("stale write")
	// ErrOrderExists is returned when creating an order id that is taken
	ErrOrderExists = errors.New("order already exists")
)

// TransitionArgs is the compare-and-swap request for an order status change
type TransitionArgs struct {
	OrderID         string
	To              Status
	ExpectedCurrent Status
	ActorID         string
	ActorRole       Role
	AssignShopperID *string
	At              time.Time
}

// ItemUpdate is the guarded write for an order item
type ItemUpdate struct {
	OrderID       string
	ItemID        string
	Expected      ItemStatus
	To            ItemStatus
	QuantityFound *int
	ShopperNote   *string
	PhotoRef      *string
	Substitution  *Substitution
	At            time.Time
}

// OrderReader is the read side used by the snapshot reader
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListItems(ctx context.Context, orderID string) ([]OrderItem, error)
	// ListRecentEvents returns up to limit of the newest events, oldest first
	ListRecentEvents(ctx context.Context, orderID string, limit int) ([]OrderEvent, error)
}

// EventStore appends to the durable event log. AppendEvent assigns the
// per-order seq and returns the stored event.
type EventStore interface {
	AppendEvent(ctx context.Context, event *OrderEvent) (*OrderEvent, error)
}

// TransitionStore performs guarded writes. Every method fails with
// ErrStaleWrite when the expected state does not hold.
type TransitionStore interface {
	TransitionStatus(ctx context.Context, args TransitionArgs) (*Order, error)
	MarkDeliveryStarted(ctx context.Context, orderID string, expected Status, at time.Time) (*Order, error)
	UpdateItem(ctx context.Context, update ItemUpdate) (*OrderItem, error)
}

// Store is the full row-store contract
type Store interface {
	OrderReader
	EventStore
	TransitionStore
	CreateOrder(ctx context.Context, order *Order, items []OrderItem) error
}
