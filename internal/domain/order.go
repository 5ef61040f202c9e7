package domain

import "time"

// Order is the aggregate root mirrored by the sync core. It is only ever
// changed through guarded transitions in the row-store.
type Order struct {
	ID                  string            `bson:"_id" json:"id"`
	Status              Status            `bson:"status" json:"status"`
	AssignedShopperID   *string           `bson:"assigned_shopper_id,omitempty" json:"assigned_shopper_id"`
	ConciergeID         *string           `bson:"concierge_id,omitempty" json:"concierge_id"`
	Total               float64           `bson:"total" json:"total"`
	ShoppingStartedAt   *time.Time        `bson:"shopping_started_at,omitempty" json:"shopping_started_at"`
	ShoppingCompletedAt *time.Time        `bson:"shopping_completed_at,omitempty" json:"shopping_completed_at"`
	DeliveryStartedAt   *time.Time        `bson:"delivery_started_at,omitempty" json:"delivery_started_at"`
	DeliveryCompletedAt *time.Time        `bson:"delivery_completed_at,omitempty" json:"delivery_completed_at"`
	CustomerNotes       string            `bson:"customer_notes,omitempty" json:"customer_notes,omitempty"`
	DeliveryMeta        map[string]string `bson:"delivery_meta,omitempty" json:"delivery_meta,omitempty"`
	EventSeq            int64             `bson:"event_seq" json:"event_seq"`
	CreatedAt           time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `bson:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.AssignedShopperID = cloneString(o.AssignedShopperID)
	c.ConciergeID = cloneString(o.ConciergeID)
	c.ShoppingStartedAt = cloneTime(o.ShoppingStartedAt)
	c.ShoppingCompletedAt = cloneTime(o.ShoppingCompletedAt)
	c.DeliveryStartedAt = cloneTime(o.DeliveryStartedAt)
	c.DeliveryCompletedAt = cloneTime(o.DeliveryCompletedAt)
	if o.DeliveryMeta != nil {
		c.DeliveryMeta = make(map[string]string, len(o.DeliveryMeta))
		for k, v := range o.DeliveryMeta {
			c.DeliveryMeta[k] = v
		}
	}
	return &c
}

// StampPhase sets the phase timestamp that belongs to entering status s
func (o *Order) StampPhase(s Status, at time.Time) {
	t := at
	switch s {
	case StatusShopping:
		o.ShoppingStartedAt = &t
	case StatusReady:
		o.ShoppingCompletedAt = &t
	case StatusDelivered:
		o.DeliveryCompletedAt = &t
	}
}

// PhaseField returns the row field stamped when entering s, or "" if none
func PhaseField(s Status) string {
	switch s {
	case StatusShopping:
		return "shopping_started_at"
	case StatusReady:
		return "shopping_completed_at"
	case StatusDelivered:
		return "delivery_completed_at"
	}
	return ""
}

// Substitution is a shopper's proposal to replace an unavailable product
type Substitution struct {
	ProductID   string `bson:"product_id" json:"product_id" validate:"required"`
	ProductName string `bson:"product_name" json:"product_name"`
	Reason      string `bson:"reason,omitempty" json:"reason,omitempty"`
	Approved    *bool  `bson:"approved,omitempty" json:"approved"`
}

// OrderItem belongs to exactly one order. Items are never deleted, only
// status-transitioned.
type OrderItem struct {
	ID              string        `bson:"_id" json:"id"`
	OrderID         string        `bson:"order_id" json:"order_id"`
	ProductID       string        `bson:"product_id" json:"product_id"`
	ProductName     string        `bson:"product_name" json:"product_name"`
	QuantityOrdered int           `bson:"quantity_ordered" json:"quantity_ordered"`
	QuantityFound   int           `bson:"quantity_found" json:"quantity_found"`
	Status          ItemStatus    `bson:"item_status" json:"item_status"`
	Substitution    *Substitution `bson:"substitution,omitempty" json:"substitution"`
	ShopperNote     string        `bson:"shopper_note,omitempty" json:"shopper_note,omitempty"`
	PhotoRef        string        `bson:"photo_ref,omitempty" json:"photo_ref,omitempty"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the item
func (i OrderItem) Clone() OrderItem {
	if i.Substitution != nil {
		s := *i.Substitution
		if s.Approved != nil {
			v := *s.Approved
			s.Approved = &v
		}
		i.Substitution = &s
	}
	return i
}

// CloneItems deep-copies a slice of items
func CloneItems(items []OrderItem) []OrderItem {
	if items == nil {
		return nil
	}
	out := make([]OrderItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// Role is an operational role an actor may hold
type Role string

const (
	RoleShopper   Role = "shopper"
	RoleDriver    Role = "driver"
	RoleConcierge Role = "concierge"
	RoleAdmin     Role = "admin"
	RoleCustomer  Role = "customer"
	RoleSystem    Role = "system"
)

// Actor is the identity issuing a command or event
type Actor struct {
	ID   string `json:"id" validate:"required"`
	Role Role   `json:"role" validate:"required,oneof=shopper driver concierge admin customer system"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
