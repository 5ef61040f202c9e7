package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulemar/ordersync/internal/realtime"
	testhelpers "github.com/tulemar/ordersync/pkg/testing"
)

type receiveResult struct {
	reply interface{}
	err   error
}

type fakePubSub struct {
	channel string
	pattern bool
	replies chan receiveResult
	closed  chan struct{}
	once    sync.Once
}

func (p *fakePubSub) Receive(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, redis.ErrClosed
	case res := <-p.replies:
		return res.reply, res.err
	}
}

func (p *fakePubSub) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePubSub) matches(channel string) bool {
	if p.pattern {
		return strings.HasPrefix(channel, strings.TrimSuffix(p.channel, "*"))
	}
	return p.channel == channel
}

type fakeBackend struct {
	mu         sync.Mutex
	subs       []*fakePubSub
	published  []string
	publishErr error
}

func (b *fakeBackend) subscribe(_ context.Context, channel string, pattern bool) pubSub {
	ps := &fakePubSub{channel: channel, pattern: pattern, replies: make(chan receiveResult, 16), closed: make(chan struct{})}
	kind := "subscribe"
	if pattern {
		kind = "psubscribe"
	}
	ps.replies <- receiveResult{reply: &redis.Subscription{Kind: kind, Channel: channel, Count: 1}}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()
	return ps
}

func (b *fakeBackend) publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, channel)
	for _, ps := range b.subs {
		if ps.matches(channel) {
			ps.replies <- receiveResult{reply: &redis.Message{Channel: channel, Payload: string(payload)}}
		}
	}
	return nil
}

func (b *fakeBackend) close() error { return nil }

func (b *fakeBackend) last() *fakePubSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[len(b.subs)-1]
}

type statusLog struct {
	mu     sync.Mutex
	states []realtime.ConnState
}

func (s *statusLog) record(state realtime.ConnState, _ error) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *statusLog) snapshot() []realtime.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.ConnState(nil), s.states...)
}

func itemChange(t *testing.T, orderID, itemID string) realtime.ChangeMessage {
	t.Helper()
	msg, err := realtime.RowChange(realtime.TableOrderItems, realtime.KindUpdate, orderID, itemID,
		map[string]any{"id": itemID, "order_id": orderID}, nil)
	require.NoError(t, err)
	return msg
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "ordersync:orders:o-1", ChannelName(realtime.TableOrders, "o-1"))
	assert.Equal(t, "ordersync:order_items:*", ChannelName(realtime.TableOrderItems, ""))
}

func TestSubscribeRoutesOnlyTheOrdersChannel(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTransport(backend, nil, nil)
	defer tr.Close()

	got := testhelpers.NewRecorder[realtime.ChangeMessage](8)
	status := &statusLog{}
	h, err := tr.Subscribe(context.Background(), realtime.SubscribeRequest{
		Channel: "order:o-1:items",
		Table:   realtime.TableOrderItems,
		Kind:    realtime.KindAll,
		Filter:  &realtime.Filter{Column: "order_id", Value: "o-1"},
	}, realtime.Callbacks{OnMessage: got.Record, OnStatus: status.record})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "ordersync:order_items:o-1", backend.last().channel)
	assert.False(t, backend.last().pattern)
	assert.Equal(t, []realtime.ConnState{realtime.StateConnected}, status.snapshot())

	require.NoError(t, tr.Broadcast(context.Background(), itemChange(t, "o-2", "i-9")))
	require.NoError(t, tr.Broadcast(context.Background(), itemChange(t, "o-1", "i-1")))

	msg := got.Next(t, time.Second)
	assert.Equal(t, "i-1", msg.RowID)
	assert.Empty(t, got.Drain())
	assert.Equal(t, []string{"ordersync:order_items:o-2", "ordersync:order_items:o-1"}, backend.published)
}

func TestSubscribeWithoutFilterUsesPattern(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTransport(backend, nil, nil)
	defer tr.Close()

	got := testhelpers.NewRecorder[realtime.ChangeMessage](8)
	_, err := tr.Subscribe(context.Background(), realtime.SubscribeRequest{
		Channel: "all-items",
		Table:   realtime.TableOrderItems,
		Kind:    realtime.KindUpdate,
	}, realtime.Callbacks{OnMessage: got.Record})
	require.NoError(t, err)
	assert.True(t, backend.last().pattern)

	require.NoError(t, tr.Broadcast(context.Background(), itemChange(t, "o-7", "i-7")))
	assert.Equal(t, "o-7", got.Next(t, time.Second).OrderID)
}

func TestReceiveErrorReportsDisconnectThenReconnect(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTransport(backend, nil, nil)
	defer tr.Close()

	status := &statusLog{}
	_, err := tr.Subscribe(context.Background(), realtime.SubscribeRequest{
		Channel: "order:o-1:header",
		Table:   realtime.TableOrders,
		Kind:    realtime.KindUpdate,
		Filter:  &realtime.Filter{Column: "id", Value: "o-1"},
	}, realtime.Callbacks{OnStatus: status.record})
	require.NoError(t, err)

	ps := backend.last()
	ps.replies <- receiveResult{err: errors.New("connection reset")}
	ps.replies <- receiveResult{err: errors.New("connection reset")}
	ps.replies <- receiveResult{reply: &redis.Subscription{Kind: "subscribe", Channel: ps.channel, Count: 1}}

	testhelpers.AssertEventually(t, func() bool {
		return len(status.snapshot()) == 3
	}, 2*time.Second, "expected connect, disconnect, reconnect")
	assert.Equal(t, []realtime.ConnState{
		realtime.StateConnected,
		realtime.StateDisconnected,
		realtime.StateConnected,
	}, status.snapshot())
}

func TestBroadcastRejectsInvalidMessage(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTransport(backend, nil, nil)

	err := tr.Broadcast(context.Background(), realtime.ChangeMessage{Table: realtime.TableOrders, Kind: realtime.KindUpdate})
	require.Error(t, err)
	assert.Empty(t, backend.published)
}

func TestBroadcastSurfacesPublishError(t *testing.T) {
	backend := &fakeBackend{publishErr: errors.New("READONLY")}
	tr := newTransport(backend, nil, nil)

	err := tr.Broadcast(context.Background(), itemChange(t, "o-1", "i-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}

func TestCloseStopsSubscriptions(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTransport(backend, nil, nil)

	h, err := tr.Subscribe(context.Background(), realtime.SubscribeRequest{
		Channel: "order:o-1:events",
		Table:   realtime.TableOrderEvents,
		Kind:    realtime.KindInsert,
		Filter:  &realtime.Filter{Column: "order_id", Value: "o-1"},
	}, realtime.Callbacks{})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case <-backend.last().closed:
	default:
		t.Fatal("pubsub not closed")
	}
	assert.NoError(t, h.Close())
}
