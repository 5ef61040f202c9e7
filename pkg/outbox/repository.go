package outbox

import (
	"context"
	"time"
)

// Repository persists outbox records
type Repository interface {
	// Save stores a record. Called with a transaction context so the record
	// commits together with the row change.
	Save(ctx context.Context, record *Record) error

	// FindUnpublished returns undelivered records, oldest first
	FindUnpublished(ctx context.Context, limit int) ([]*Record, error)

	MarkPublished(ctx context.Context, id string) error

	// IncrementRetry bumps the retry count and stores the last error
	IncrementRetry(ctx context.Context, id string, errMsg string) error

	// DeletePublished removes records delivered before the cutoff
	DeletePublished(ctx context.Context, before time.Time) (int64, error)
}

// Sink delivers one record to its destination
type Sink interface {
	Deliver(ctx context.Context, record *Record) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, record *Record) error

func (f SinkFunc) Deliver(ctx context.Context, record *Record) error {
	return f(ctx, record)
}
