package domain

import "time"

// Snapshot sections, as reported in Snapshot.Degraded
const (
	SectionOrder  = "order"
	SectionItems  = "items"
	SectionEvents = "events"
)

// Snapshot is a point-in-time read of one order. It is assembled on demand
// and never cached. A failed section is left empty and named in Degraded.
type Snapshot struct {
	OrderID   string       `json:"order_id"`
	Order     *Order       `json:"order"`
	Items     []OrderItem  `json:"items"`
	Events    []OrderEvent `json:"events"`
	FetchedAt time.Time    `json:"fetched_at"`
	Degraded  []string     `json:"degraded,omitempty"`
}

// Partial reports whether any section failed to load
func (s *Snapshot) Partial() bool {
	return len(s.Degraded) > 0
}

// HighWaterSeq is the highest event seq the snapshot accounts for
func (s *Snapshot) HighWaterSeq() int64 {
	var seq int64
	if s.Order != nil {
		seq = s.Order.EventSeq
	}
	for _, e := range s.Events {
		if e.Seq > seq {
			seq = e.Seq
		}
	}
	return seq
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		OrderID:   s.OrderID,
		Order:     s.Order.Clone(),
		Items:     CloneItems(s.Items),
		FetchedAt: s.FetchedAt,
	}
	if s.Events != nil {
		c.Events = make([]OrderEvent, len(s.Events))
		for i, e := range s.Events {
			c.Events[i] = e.Clone()
		}
	}
	if s.Degraded != nil {
		c.Degraded = append([]string(nil), s.Degraded...)
	}
	return c
}
