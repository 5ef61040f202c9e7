// Package redis carries row changes over Redis Pub/Sub. Each order gets its
// own channel per table: ordersync:<table>:<order_id>.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tulemar/ordersync/internal/realtime"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/resilience"
)

// Config holds the Redis connection settings
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewClient connects and pings Redis
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// ChannelName returns the Pub/Sub channel for one table and order. An empty
// order id yields the pattern matching every order.
func ChannelName(table realtime.Table, orderID string) string {
	if orderID == "" {
		return "ordersync:" + string(table) + ":*"
	}
	return "ordersync:" + string(table) + ":" + orderID
}

type pubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Close() error
}

type backend interface {
	subscribe(ctx context.Context, channel string, pattern bool) pubSub
	publish(ctx context.Context, channel string, payload []byte) error
	close() error
}

type clientBackend struct {
	client *redis.Client
}

func (b clientBackend) subscribe(ctx context.Context, channel string, pattern bool) pubSub {
	if pattern {
		return b.client.PSubscribe(ctx, channel)
	}
	return b.client.Subscribe(ctx, channel)
}

func (b clientBackend) publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b clientBackend) close() error {
	return b.client.Close()
}

// Transport implements realtime.Transport over Redis Pub/Sub
type Transport struct {
	backend backend
	breaker *resilience.CircuitBreaker
	logger  *logging.Logger

	mu      sync.Mutex
	handles map[*handle]struct{}
}

// New creates a transport over client. A nil breaker config uses the
// resilience defaults.
func New(client *redis.Client, breaker *resilience.CircuitBreakerConfig, logger *logging.Logger) *Transport {
	return newTransport(clientBackend{client: client}, breaker, logger)
}

func newTransport(b backend, breaker *resilience.CircuitBreakerConfig, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.Nop()
	}
	if breaker == nil {
		breaker = resilience.DefaultCircuitBreakerConfig("redis-broadcast")
	}
	return &Transport{
		backend: b,
		breaker: resilience.NewCircuitBreaker(breaker, logger.Logger),
		logger:  logger.WithComponent("redis-transport"),
		handles: make(map[*handle]struct{}),
	}
}

func routeKey(f *realtime.Filter) string {
	if f == nil {
		return ""
	}
	switch f.Column {
	case "order_id", "id":
		return f.Value
	}
	return ""
}

// Subscribe opens a Pub/Sub subscription and waits for the server's
// confirmation before reporting Connected
func (t *Transport) Subscribe(ctx context.Context, req realtime.SubscribeRequest, cb realtime.Callbacks) (realtime.Handle, error) {
	orderID := routeKey(req.Filter)
	channel := ChannelName(req.Table, orderID)

	runCtx, cancel := context.WithCancel(context.Background())
	ps := t.backend.subscribe(runCtx, channel, orderID == "")

	confirm, err := ps.Receive(ctx)
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if _, ok := confirm.(*redis.Subscription); !ok {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: unexpected reply %T", channel, confirm)
	}

	h := &handle{
		t:      t,
		req:    req,
		cb:     cb,
		ps:     ps,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: t.logger.With("channel", req.Channel, "redisChannel", channel),
	}
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()

	if cb.OnStatus != nil {
		cb.OnStatus(realtime.StateConnected, nil)
	}
	go h.run(runCtx)
	return h, nil
}

// Broadcast publishes msg on the order's channel for its table
func (t *Transport) Broadcast(ctx context.Context, msg realtime.ChangeMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode change message: %w", err)
	}
	channel := ChannelName(msg.Table, msg.OrderID)
	return t.breaker.Execute(ctx, func() error {
		return t.backend.publish(ctx, channel, payload)
	})
}

// Close closes every subscription and the client
func (t *Transport) Close() error {
	t.mu.Lock()
	handles := make([]*handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return t.backend.close()
}

type handle struct {
	t      *Transport
	req    realtime.SubscribeRequest
	cb     realtime.Callbacks
	ps     pubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger
}

// run relies on go-redis re-subscribing after a dropped connection: the
// fresh confirmation marks the channel connected again.
func (h *handle) run(ctx context.Context) {
	defer close(h.done)
	connected := true

	for {
		reply, err := h.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if connected {
				connected = false
				h.status(realtime.StateDisconnected, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		switch m := reply.(type) {
		case *redis.Subscription:
			if !connected {
				connected = true
				h.status(realtime.StateConnected, nil)
			}
		case *redis.Message:
			if !connected {
				connected = true
				h.status(realtime.StateConnected, nil)
			}
			h.deliver(m.Payload)
		}
	}
}

func (h *handle) deliver(payload string) {
	var msg realtime.ChangeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		h.logger.WithError(err).Warn("Dropping undecodable change message")
		return
	}
	if msg.Table != h.req.Table || !h.req.Kind.Matches(msg.Kind) || !msg.MatchesFilter(h.req.Filter) {
		return
	}
	if h.cb.OnMessage != nil {
		h.cb.OnMessage(msg)
	}
}

func (h *handle) status(state realtime.ConnState, err error) {
	if h.cb.OnStatus != nil {
		h.cb.OnStatus(state, err)
	}
}

// Close unsubscribes and waits for the receive loop to exit
func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		err = h.ps.Close()
		<-h.done

		h.t.mu.Lock()
		delete(h.t.handles, h)
		h.t.mu.Unlock()
	})
	return err
}
