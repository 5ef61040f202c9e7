package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tulemar/ordersync/internal/domain"
)

//go:embed schema/order_event.schema.json
var orderEventSchema []byte

const orderEventSchemaURI = "https://ordersync.tulemar.dev/schemas/order_event.json"

// WireValidator checks inbound event-log messages against the OrderEvent
// wire schema before they are dispatched
type WireValidator struct {
	schema *jsonschema.Schema
}

// NewWireValidator compiles the embedded OrderEvent schema
func NewWireValidator() (*WireValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(orderEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse order event schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(orderEventSchemaURI, doc); err != nil {
		return nil, fmt.Errorf("add order event schema: %w", err)
	}

	schema, err := compiler.Compile(orderEventSchemaURI)
	if err != nil {
		return nil, fmt.Errorf("compile order event schema: %w", err)
	}
	return &WireValidator{schema: schema}, nil
}

// MustWireValidator panics if the embedded schema does not compile
func MustWireValidator() *WireValidator {
	v, err := NewWireValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks raw against the schema
func (v *WireValidator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("order event is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("order event does not match wire schema: %w", err)
	}
	return nil
}

// DecodeEvent validates and decodes one wire-format OrderEvent
func (v *WireValidator) DecodeEvent(raw []byte) (*domain.OrderEvent, error) {
	if err := v.Validate(raw); err != nil {
		return nil, err
	}
	var event domain.OrderEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode order event: %w", err)
	}
	return &event, nil
}

// EventChange wraps a durable event into the change message a transport
// carries for an event-log insert
func EventChange(event *domain.OrderEvent) (ChangeMessage, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return ChangeMessage{}, fmt.Errorf("encode order event: %w", err)
	}
	return ChangeMessage{
		Table:      TableOrderEvents,
		Kind:       KindInsert,
		OrderID:    event.OrderID,
		RowID:      event.ID,
		New:        raw,
		CommitTime: event.CreatedAt,
	}, nil
}

// RowChange builds the change message for an orders or order_items write
func RowChange(table Table, kind Kind, orderID, rowID string, newRow, oldRow any) (ChangeMessage, error) {
	msg := ChangeMessage{Table: table, Kind: kind, OrderID: orderID, RowID: rowID}
	var err error
	if newRow != nil {
		if msg.New, err = json.Marshal(newRow); err != nil {
			return ChangeMessage{}, fmt.Errorf("encode %s row: %w", table, err)
		}
	}
	if oldRow != nil {
		if msg.Old, err = json.Marshal(oldRow); err != nil {
			return ChangeMessage{}, fmt.Errorf("encode %s row: %w", table, err)
		}
	}
	return msg, nil
}
