// Package mongodb owns the driver connection shared by the order store, the
// outbox and the idempotency keys.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
)

const pingTimeout = 5 * time.Second

// Config is the mongodb section of the ordersync config file.
// Transactions need a replica set; name it here when the URI does not.
type Config struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ReplicaSet     string        `yaml:"replicaSet"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxPoolSize    uint64        `yaml:"maxPoolSize"`
	MinPoolSize    uint64        `yaml:"minPoolSize"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AuthDB   string `yaml:"authDb"`
}

func DefaultConfig() *Config {
	return &Config{
		URI:            "mongodb://localhost:27017",
		Database:       "ordersync",
		ConnectTimeout: 10 * time.Second,
		MaxPoolSize:    50,
		MinPoolSize:    2,
	}
}

// clientOptions translates the config. Writes wait for a majority so a
// change broadcast never announces a write that can roll back.
func (c *Config) clientOptions() *options.ClientOptions {
	opts := options.Client().
		ApplyURI(c.URI).
		SetWriteConcern(writeconcern.Majority())
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	opts.SetMinPoolSize(c.MinPoolSize)
	if c.ReplicaSet != "" {
		opts.SetReplicaSet(c.ReplicaSet)
	}
	if c.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   c.Username,
			Password:   c.Password,
			AuthSource: c.AuthDB,
		})
	}
	return opts
}

// Client is a connected driver client bound to one database
type Client struct {
	driver  *mongo.Client
	db      *mongo.Database
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewClient connects and waits for the primary to answer a ping
func NewClient(ctx context.Context, config *Config, m *metrics.Metrics, logger *logging.Logger) (*Client, error) {
	driver, err := mongo.Connect(ctx, config.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := driver.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = driver.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb primary: %w", err)
	}
	return Wrap(driver, config.Database, m, logger), nil
}

// Wrap adopts an already connected driver client, e.g. one from a test
// container
func Wrap(driver *mongo.Client, database string, m *metrics.Metrics, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		driver:  driver,
		db:      driver.Database(database),
		metrics: m,
		logger:  logger.WithComponent("mongodb"),
	}
}

func (c *Client) Database() *mongo.Database {
	return c.db
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Disconnect(ctx)
}

// HealthCheck backs the readiness probe
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.driver.Ping(ctx, readpref.Primary())
}

// WithTransaction runs fn in a session transaction. fn may run more than
// once when the driver retries a transient failure.
func (c *Client) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := c.driver.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// Observe times fn as one store operation on collection
func (c *Client) Observe(ctx context.Context, collection, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	c.metrics.RecordStoreOperation(collection, operation, err == nil, elapsed)
	c.logger.DatabaseQuery(ctx, collection, operation, elapsed, err == nil, 0)
	return err
}
