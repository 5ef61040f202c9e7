package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// mongoImage is the server version the stores are tested against
const mongoImage = "mongo:6"

// MongoDBContainer is a throwaway single-node replica set. The order store
// writes order, items and events in one transaction, which a standalone
// server refuses.
type MongoDBContainer struct {
	Container *mongodb.MongoDBContainer
	URI       string
}

func NewMongoDBContainer(ctx context.Context) (*MongoDBContainer, error) {
	container, err := mongodb.Run(ctx, mongoImage, mongodb.WithReplicaSet("rs0"))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", mongoImage, err)
	}
	uri, err := container.ConnectionString(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, fmt.Errorf("container connection string: %w", err)
	}
	return &MongoDBContainer{Container: container, URI: uri}, nil
}

func (m *MongoDBContainer) Close(ctx context.Context) error {
	if m == nil || m.Container == nil {
		return nil
	}
	return testcontainers.TerminateContainer(m.Container)
}

// GetClient connects directly to the container's node, skipping replica set
// discovery of the container-internal hostname
func (m *MongoDBContainer) GetClient(ctx context.Context) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.URI).SetDirect(true))
	if err != nil {
		return nil, fmt.Errorf("connect to container: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping container: %w", err)
	}
	return client, nil
}
