package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tulemar/ordersync/pkg/idempotency"
)

// CollectionName holds idempotency records
const CollectionName = "idempotency_keys"

// Store implements idempotency.Store on MongoDB
type Store struct {
	collection *mongo.Collection
}

// NewStore creates a store over db's idempotency collection
func NewStore(db *mongo.Database) *Store {
	return &Store{collection: db.Collection(CollectionName)}
}

func (s *Store) Acquire(ctx context.Context, rec *idempotency.Record, staleBefore time.Time) (*idempotency.Record, bool, error) {
	now := time.Now().UTC()
	fresh := *rec
	fresh.LockedAt = &now

	_, err := s.collection.InsertOne(ctx, &fresh)
	if err == nil {
		return &fresh, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert idempotency record: %w", err)
	}

	// Take over a key whose holder gave up or expired.
	filter := bson.M{
		"_id":          rec.ID,
		"completed_at": bson.M{"$exists": false},
		"$or": bson.A{
			bson.M{"locked_at": bson.M{"$exists": false}},
			bson.M{"locked_at": bson.M{"$lte": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_at": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var taken idempotency.Record
	err = s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&taken)
	if err == nil {
		return &taken, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("take over idempotency record: %w", err)
	}

	var existing idempotency.Record
	if err := s.collection.FindOne(ctx, bson.M{"_id": rec.ID}).Decode(&existing); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// expired between the insert and the read
			return nil, false, idempotency.ErrNotFound
		}
		return nil, false, fmt.Errorf("read idempotency record: %w", err)
	}
	return &existing, false, nil
}

func (s *Store) Complete(ctx context.Context, id string, status int, body []byte, contentType string) error {
	update := bson.M{
		"$set": bson.M{
			"status_code":  status,
			"body":         body,
			"content_type": contentType,
			"completed_at": time.Now().UTC(),
		},
		"$unset": bson.M{"locked_at": ""},
	}
	return s.updateOne(ctx, id, update)
}

func (s *Store) Release(ctx context.Context, id string) error {
	return s.updateOne(ctx, id, bson.M{"$unset": bson.M{"locked_at": ""}})
}

func (s *Store) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if res.MatchedCount == 0 {
		return idempotency.ErrNotFound
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return res.DeletedCount, nil
}

// EnsureIndexes creates the TTL index that expires records server side
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_ttl"),
	})
	if err != nil {
		return fmt.Errorf("failed to create idempotency indexes: %w", err)
	}
	return nil
}
