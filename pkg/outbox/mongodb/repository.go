package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tulemar/ordersync/pkg/outbox"
)

// CollectionName is the outbox collection
const CollectionName = "outbox"

// Repository implements outbox.Repository for MongoDB
type Repository struct {
	collection *mongo.Collection
}

// NewRepository creates a repository over db's outbox collection
func NewRepository(db *mongo.Database) *Repository {
	return &Repository{collection: db.Collection(CollectionName)}
}

// Save inserts record. Pass the session context to join a transaction.
func (r *Repository) Save(ctx context.Context, record *outbox.Record) error {
	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to save outbox record: %w", err)
	}
	return nil
}

// FindUnpublished returns undelivered records below their retry limit,
// oldest first
func (r *Repository) FindUnpublished(ctx context.Context, limit int) ([]*outbox.Record, error) {
	filter := bson.M{
		"publishedAt": bson.M{"$exists": false},
		"$expr":       bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find unpublished outbox records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*outbox.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode outbox records: %w", err)
	}
	return records, nil
}

// MarkPublished stamps the record as delivered
func (r *Repository) MarkPublished(ctx context.Context, id string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"publishedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record published: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("outbox record not found: %s", id)
	}
	return nil
}

// IncrementRetry bumps the retry count and stores the last error
func (r *Repository) IncrementRetry(ctx context.Context, id string, errMsg string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"retryCount": 1},
			"$set": bson.M{"lastError": errMsg},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to increment outbox retry count: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("outbox record not found: %s", id)
	}
	return nil
}

// DeletePublished removes records delivered before cutoff
func (r *Repository) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"publishedAt": bson.M{"$exists": true, "$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox records: %w", err)
	}
	return result.DeletedCount, nil
}

// EnsureIndexes creates the indexes the relay queries rely on
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "publishedAt", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_publishedAt_createdAt"),
		},
		{
			Keys: bson.D{
				{Key: "orderId", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_orderId_createdAt"),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}
