// Package mongodb is the MongoDB row-store. Every row write commits in the
// same transaction as the outbox record that relays it to the live
// transport.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/realtime"
	"github.com/tulemar/ordersync/pkg/mongodb"
	"github.com/tulemar/ordersync/pkg/outbox"
	outboxMongo "github.com/tulemar/ordersync/pkg/outbox/mongodb"
)

// Collection names
const (
	OrdersCollection = "orders"
	ItemsCollection  = "order_items"
	EventsCollection = "order_events"
)

// Store implements domain.Store on MongoDB
type Store struct {
	client *mongodb.Client
	orders *mongo.Collection
	items  *mongo.Collection
	events *mongo.Collection
	outbox *outboxMongo.Repository
}

// NewStore creates a store over client's database
func NewStore(client *mongodb.Client) *Store {
	db := client.Database()
	return &Store{
		client: client,
		orders: db.Collection(OrdersCollection),
		items:  db.Collection(ItemsCollection),
		events: db.Collection(EventsCollection),
		outbox: outboxMongo.NewRepository(db),
	}
}

// Outbox returns the outbox repository written by this store
func (s *Store) Outbox() outbox.Repository {
	return s.outbox
}

// EnsureIndexes creates the indexes the store and relay query on
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("idx_order_id"),
	}); err != nil {
		return fmt.Errorf("failed to create item indexes: %w", err)
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetName("idx_order_id_seq").SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return s.outbox.EnsureIndexes(ctx)
}

// CreateOrder inserts the order and its items
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order, items []domain.OrderItem) error {
	now := time.Now().UTC()
	row := order.Clone()
	if row.Status == "" {
		row.Status = domain.StatusPlaced
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = row.CreatedAt

	rows := domain.CloneItems(items)
	docs := make([]interface{}, len(rows))
	for i := range rows {
		rows[i].OrderID = row.ID
		if rows[i].Status == "" {
			rows[i].Status = domain.ItemPending
		}
		if rows[i].UpdatedAt.IsZero() {
			rows[i].UpdatedAt = now
		}
		docs[i] = rows[i]
	}

	return s.client.Observe(ctx, OrdersCollection, "create", func() error {
		return s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
			if _, err := s.orders.InsertOne(sessCtx, row); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return domain.ErrOrderExists
				}
				return fmt.Errorf("failed to insert order: %w", err)
			}
			if len(docs) > 0 {
				if _, err := s.items.InsertMany(sessCtx, docs); err != nil {
					return fmt.Errorf("failed to insert order items: %w", err)
				}
			}

			changes := make([]realtime.ChangeMessage, 0, len(rows)+1)
			msg, err := realtime.RowChange(realtime.TableOrders, realtime.KindInsert, row.ID, row.ID, row, nil)
			if err != nil {
				return err
			}
			changes = append(changes, msg)
			for _, item := range rows {
				msg, err := realtime.RowChange(realtime.TableOrderItems, realtime.KindInsert, row.ID, item.ID, item, nil)
				if err != nil {
					return err
				}
				changes = append(changes, msg)
			}
			return s.saveChanges(sessCtx, changes...)
		})
	})
}

// GetOrder returns the order header
func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.client.Observe(ctx, OrdersCollection, "find_one", func() error {
		return s.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&order)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// ListItems returns the order's items ordered by id
func (s *Store) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	items := []domain.OrderItem{}
	err := s.client.Observe(ctx, ItemsCollection, "find", func() error {
		cursor, err := s.items.Find(ctx, bson.M{"order_id": orderID},
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		return cursor.All(ctx, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	return items, nil
}

// ListRecentEvents returns up to limit of the newest events, oldest first
func (s *Store) ListRecentEvents(ctx context.Context, orderID string, limit int) ([]domain.OrderEvent, error) {
	events := []domain.OrderEvent{}
	err := s.client.Observe(ctx, EventsCollection, "find", func() error {
		opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
		if limit > 0 {
			opts.SetLimit(int64(limit))
		}
		cursor, err := s.events.Find(ctx, bson.M{"order_id": orderID}, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		return cursor.All(ctx, &events)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// AppendEvent bumps the order's event_seq, inserts the event with it and
// records the event-log change in the outbox, in one transaction
func (s *Store) AppendEvent(ctx context.Context, event *domain.OrderEvent) (*domain.OrderEvent, error) {
	var stored domain.OrderEvent
	err := s.client.Observe(ctx, EventsCollection, "append", func() error {
		return s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
			var counter struct {
				EventSeq int64 `bson:"event_seq"`
			}
			err := s.orders.FindOneAndUpdate(sessCtx,
				bson.M{"_id": event.OrderID},
				bson.M{"$inc": bson.M{"event_seq": 1}},
				options.FindOneAndUpdate().
					SetReturnDocument(options.After).
					SetProjection(bson.M{"event_seq": 1}),
			).Decode(&counter)
			if err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					return domain.ErrOrderNotFound
				}
				return fmt.Errorf("failed to advance event sequence: %w", err)
			}

			stored = event.Clone()
			stored.Seq = counter.EventSeq
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = time.Now().UTC()
			}
			if _, err := s.events.InsertOne(sessCtx, stored); err != nil {
				return fmt.Errorf("failed to insert order event: %w", err)
			}
			msg, err := realtime.EventChange(&stored)
			if err != nil {
				return err
			}
			return s.saveChanges(sessCtx, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// TransitionStatus moves the order to args.To only while its status is
// still args.ExpectedCurrent
func (s *Store) TransitionStatus(ctx context.Context, args domain.TransitionArgs) (*domain.Order, error) {
	at := stamp(args.At)
	set := bson.M{"status": args.To, "updated_at": at}
	if field := domain.PhaseField(args.To); field != "" {
		set[field] = at
	}
	if args.AssignShopperID != nil {
		set["assigned_shopper_id"] = *args.AssignShopperID
	}

	return s.guardedOrderUpdate(ctx, "transition", args.OrderID, args.ExpectedCurrent, set)
}

// MarkDeliveryStarted stamps delivery_started_at while the order is still
// in expected
func (s *Store) MarkDeliveryStarted(ctx context.Context, orderID string, expected domain.Status, at time.Time) (*domain.Order, error) {
	at = stamp(at)
	return s.guardedOrderUpdate(ctx, "delivery_started", orderID, expected,
		bson.M{"delivery_started_at": at, "updated_at": at})
}

func (s *Store) guardedOrderUpdate(ctx context.Context, op, orderID string, expected domain.Status, set bson.M) (*domain.Order, error) {
	var old, updated domain.Order
	err := s.client.Observe(ctx, OrdersCollection, op, func() error {
		return s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
			err := s.orders.FindOneAndUpdate(sessCtx,
				bson.M{"_id": orderID, "status": expected},
				bson.M{"$set": set},
				options.FindOneAndUpdate().SetReturnDocument(options.Before),
			).Decode(&old)
			if errors.Is(err, mongo.ErrNoDocuments) {
				return s.missOrStale(sessCtx, s.orders, bson.M{"_id": orderID}, domain.ErrOrderNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to update order: %w", err)
			}

			if err := s.orders.FindOne(sessCtx, bson.M{"_id": orderID}).Decode(&updated); err != nil {
				return fmt.Errorf("failed to read updated order: %w", err)
			}
			msg, err := realtime.RowChange(realtime.TableOrders, realtime.KindUpdate, orderID, orderID, &updated, &old)
			if err != nil {
				return err
			}
			return s.saveChanges(sessCtx, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateItem applies update only while the item is still in update.Expected
func (s *Store) UpdateItem(ctx context.Context, update domain.ItemUpdate) (*domain.OrderItem, error) {
	set := bson.M{"item_status": update.To, "updated_at": stamp(update.At)}
	if update.QuantityFound != nil {
		set["quantity_found"] = *update.QuantityFound
	}
	if update.ShopperNote != nil {
		set["shopper_note"] = *update.ShopperNote
	}
	if update.PhotoRef != nil {
		set["photo_ref"] = *update.PhotoRef
	}
	if update.Substitution != nil {
		set["substitution"] = update.Substitution
	}

	var old, updated domain.OrderItem
	err := s.client.Observe(ctx, ItemsCollection, "update", func() error {
		return s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
			n, err := s.orders.CountDocuments(sessCtx, bson.M{"_id": update.OrderID})
			if err != nil {
				return fmt.Errorf("failed to check order: %w", err)
			}
			if n == 0 {
				return domain.ErrOrderNotFound
			}

			filter := bson.M{"_id": update.ItemID, "order_id": update.OrderID, "item_status": update.Expected}
			err = s.items.FindOneAndUpdate(sessCtx, filter, bson.M{"$set": set},
				options.FindOneAndUpdate().SetReturnDocument(options.Before),
			).Decode(&old)
			if errors.Is(err, mongo.ErrNoDocuments) {
				return s.missOrStale(sessCtx, s.items,
					bson.M{"_id": update.ItemID, "order_id": update.OrderID}, domain.ErrItemNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to update order item: %w", err)
			}

			if err := s.items.FindOne(sessCtx, bson.M{"_id": update.ItemID}).Decode(&updated); err != nil {
				return fmt.Errorf("failed to read updated order item: %w", err)
			}
			msg, err := realtime.RowChange(realtime.TableOrderItems, realtime.KindUpdate, update.OrderID, update.ItemID, &updated, &old)
			if err != nil {
				return err
			}
			return s.saveChanges(sessCtx, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// missOrStale tells a missing row apart from a row whose guard no longer
// holds
func (s *Store) missOrStale(ctx context.Context, coll *mongo.Collection, filter bson.M, notFound error) error {
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", coll.Name(), err)
	}
	if n == 0 {
		return notFound
	}
	return domain.ErrStaleWrite
}

func (s *Store) saveChanges(ctx context.Context, changes ...realtime.ChangeMessage) error {
	for _, msg := range changes {
		record, err := realtime.OutboxRecord(msg)
		if err != nil {
			return err
		}
		if err := s.outbox.Save(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
