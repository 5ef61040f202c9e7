// Package realtime wraps a live channel transport with named, deduplicated
// subscriptions, bounded retry and reconnect signalling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Table is a row-store table whose changes can be subscribed to
type Table string

const (
	TableOrders      Table = "orders"
	TableOrderItems  Table = "order_items"
	TableOrderEvents Table = "order_events"
)

// Tables lists every table a transport must be able to carry
var Tables = []Table{TableOrders, TableOrderItems, TableOrderEvents}

// Kind is a row change kind
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindAll    Kind = "*"
)

// Matches reports whether a change of kind k passes a subscription for want
func (want Kind) Matches(k Kind) bool {
	return want == KindAll || want == "" || want == k
}

// Filter restricts a subscription to rows whose column equals value.
// Only order_id (or id on the orders table) is routed by transports.
type Filter struct {
	Column string
	Value  string
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// ChangeMessage is one row change delivered over a channel
type ChangeMessage struct {
	Table      Table           `json:"table"`
	Kind       Kind            `json:"type"`
	OrderID    string          `json:"order_id"`
	RowID      string          `json:"row_id"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// Row returns the row image a consumer should act on: the new row, or the
// old one for deletes
func (m ChangeMessage) Row() json.RawMessage {
	if m.Kind == KindDelete && len(m.Old) > 0 {
		return m.Old
	}
	return m.New
}

// MatchesFilter reports whether the message passes f
func (m ChangeMessage) MatchesFilter(f *Filter) bool {
	if f == nil {
		return true
	}
	switch f.Column {
	case "order_id":
		return m.OrderID == f.Value
	case "id":
		return m.RowID == f.Value
	}
	return false
}

// Validate checks the fields every transport relies on for routing
func (m ChangeMessage) Validate() error {
	switch m.Table {
	case TableOrders, TableOrderItems, TableOrderEvents:
	default:
		return fmt.Errorf("unknown table %q", m.Table)
	}
	switch m.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("invalid change kind %q", m.Kind)
	}
	if m.OrderID == "" {
		return errors.New("change message without order_id")
	}
	return nil
}

// SubscribeRequest describes one transport subscription
type SubscribeRequest struct {
	Channel string
	Table   Table
	Kind    Kind
	Filter  *Filter
}

// ConnState is a transport-level subscription state
type ConnState int

const (
	StateConnected ConnState = iota
	StateDisconnected
	// StateFailed means the transport gave up on the subscription; the
	// manager will re-establish it.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Callbacks are invoked by a transport for one subscription. OnStatus may be
// called from inside Transport.Subscribe.
type Callbacks struct {
	OnMessage func(ChangeMessage)
	OnStatus  func(ConnState, error)
}

// Handle is an open transport subscription
type Handle interface {
	Close() error
}

// Transport is the live publish/subscribe primitive
type Transport interface {
	Subscribe(ctx context.Context, req SubscribeRequest, cb Callbacks) (Handle, error)
	// Broadcast is best-effort and non-durable.
	Broadcast(ctx context.Context, msg ChangeMessage) error
	Close() error
}
