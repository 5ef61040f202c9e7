package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tulemar/ordersync/pkg/outbox"
)

// OutboxRecord wraps msg for the transactional outbox
func OutboxRecord(msg ChangeMessage) (*outbox.Record, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return outbox.NewRecord(msg.OrderID, string(msg.Table), string(msg.Kind), msg)
}

// OutboxSink broadcasts relayed outbox records through t
func OutboxSink(t Transport) outbox.Sink {
	return outbox.SinkFunc(func(ctx context.Context, record *outbox.Record) error {
		var msg ChangeMessage
		if err := json.Unmarshal(record.Payload, &msg); err != nil {
			return fmt.Errorf("decode outbox record %s: %w", record.ID, err)
		}
		return t.Broadcast(ctx, msg)
	})
}
