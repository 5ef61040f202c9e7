package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// GetOrderSnapshot reads the order header, its items and its most recent
// events concurrently. A failed read leaves its section empty and is named
// in Snapshot.Degraded. An error is returned only when ctx is already done.
// A missing order is not a failure: Order is nil and nothing is degraded.
func (b *Bus) GetOrderSnapshot(ctx context.Context, orderID string) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.GetOrderSnapshot",
		trace.WithAttributes(tracing.OrderAttributes(orderID)...))
	defer span.End()

	start := time.Now()
	snapshot := &domain.Snapshot{
		OrderID: orderID,
		Items:   []domain.OrderItem{},
		Events:  []domain.OrderEvent{},
	}

	var (
		wg        sync.WaitGroup
		orderErr  error
		itemsErr  error
		eventsErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		order, err := b.deps.Reader.GetOrder(ctx, orderID)
		if errors.Is(err, domain.ErrOrderNotFound) {
			return
		}
		snapshot.Order, orderErr = order, err
	}()
	go func() {
		defer wg.Done()
		items, err := b.deps.Reader.ListItems(ctx, orderID)
		if err == nil && items != nil {
			snapshot.Items = items
		}
		itemsErr = err
	}()
	go func() {
		defer wg.Done()
		events, err := b.deps.Reader.ListRecentEvents(ctx, orderID, b.cfg.EventWindow)
		if err == nil && events != nil {
			snapshot.Events = events
		}
		eventsErr = err
	}()
	wg.Wait()

	for _, section := range []struct {
		name string
		err  error
	}{
		{domain.SectionOrder, orderErr},
		{domain.SectionItems, itemsErr},
		{domain.SectionEvents, eventsErr},
	} {
		if section.err == nil {
			continue
		}
		if section.name == domain.SectionOrder {
			snapshot.Order = nil
		}
		snapshot.Degraded = append(snapshot.Degraded, section.name)
		b.logger.WithContext(ctx).WithError(section.err).Warn("Snapshot section failed",
			"orderId", orderID, "section", section.name)
	}

	snapshot.FetchedAt = time.Now().UTC()
	b.deps.Metrics.RecordSnapshot(time.Since(start), snapshot.Degraded)
	span.SetAttributes(
		attribute.Int("snapshot.items", len(snapshot.Items)),
		attribute.Int("snapshot.events", len(snapshot.Events)),
		attribute.StringSlice("snapshot.degraded", snapshot.Degraded),
	)
	return snapshot, nil
}
