package reconciler

import "github.com/tulemar/ordersync/internal/domain"

// State is one consumer's view of an order
type State struct {
	OrderID string             `json:"order_id"`
	Order   *domain.Order      `json:"order"`
	Items   []domain.OrderItem `json:"items"`
	// Events holds the most recent log events ordered by seq, newest last
	Events []domain.OrderEvent `json:"events"`
	// LastSeq is the highest event seq applied so far
	LastSeq int64 `json:"last_seq"`
	// Speculative is set by local optimistic updates until the next
	// snapshot confirms or replaces them
	Speculative bool     `json:"speculative"`
	Degraded    []string `json:"degraded,omitempty"`
	Synced      bool     `json:"synced"`
}

// Clone returns a deep copy
func (s State) Clone() State {
	c := s
	c.Order = s.Order.Clone()
	c.Items = domain.CloneItems(s.Items)
	if s.Events != nil {
		c.Events = make([]domain.OrderEvent, len(s.Events))
		for i, e := range s.Events {
			c.Events[i] = e.Clone()
		}
	}
	if s.Degraded != nil {
		c.Degraded = append([]string(nil), s.Degraded...)
	}
	return c
}

// Item returns the item with id, if present
func (s State) Item(id string) (domain.OrderItem, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return domain.OrderItem{}, false
}
