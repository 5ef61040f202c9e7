// Package outbox relays change records that were written in the same
// transaction as the rows they describe.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds delivery attempts for one record
const DefaultMaxRetries = 10

// Record is one pending change awaiting delivery to the live transport
type Record struct {
	ID          string          `bson:"_id" json:"id"`
	OrderID     string          `bson:"orderId" json:"orderId"`
	Table       string          `bson:"table" json:"table"`
	Kind        string          `bson:"kind" json:"kind"`
	Payload     json.RawMessage `bson:"payload" json:"payload"`
	CreatedAt   time.Time       `bson:"createdAt" json:"createdAt"`
	PublishedAt *time.Time      `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	RetryCount  int             `bson:"retryCount" json:"retryCount"`
	LastError   string          `bson:"lastError,omitempty" json:"lastError,omitempty"`
	MaxRetries  int             `bson:"maxRetries" json:"maxRetries"`
}

// NewRecord encodes message as the payload of a new record
func NewRecord(orderID, table, kind string, message any) (*Record, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Table:      table,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// IsPublished checks if the record has been delivered
func (r *Record) IsPublished() bool {
	return r.PublishedAt != nil
}

// ShouldRetry checks if the record is still eligible for delivery
func (r *Record) ShouldRetry() bool {
	return !r.IsPublished() && r.RetryCount < r.MaxRetries
}
