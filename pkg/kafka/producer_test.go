package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulemar/ordersync/pkg/resilience"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer(w *fakeWriter) (*Producer, *[]string) {
	var topics []string
	p := NewProducer(DefaultConfig())
	p.factory = func(topic string) messageWriter {
		topics = append(topics, topic)
		return w
	}
	return p, &topics
}

func TestProducerReusesWriterPerTopic(t *testing.T) {
	w := &fakeWriter{}
	p, topics := newTestProducer(w)
	ctx := context.Background()

	topic := ChangeTopic("order_events")
	require.NoError(t, p.Publish(ctx, topic, "o-1", []byte(`{}`), map[string]string{HeaderOrderID: "o-1"}))
	require.NoError(t, p.Publish(ctx, topic, "o-1", []byte(`{}`), nil))

	assert.Equal(t, []string{"ordersync.order_events.changes"}, *topics)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "o-1", string(w.msgs[0].Key))

	headers := map[string]string{}
	for _, h := range w.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "application/json", headers[HeaderContentType])
	assert.Equal(t, "o-1", headers[HeaderOrderID])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestCircuitBreakerProducerFailsFast(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p, _ := newTestProducer(w)

	cfg := resilience.DefaultCircuitBreakerConfig("kafka-test")
	cfg.ConsecutiveFailures = 1
	cbp := NewCircuitBreakerProducer(p, cfg, nil)
	ctx := context.Background()

	assert.ErrorIs(t, cbp.Publish(ctx, "t", "k", []byte(`{}`), nil), w.err)
	assert.ErrorIs(t, cbp.Publish(ctx, "t", "k", []byte(`{}`), nil), resilience.ErrCircuitOpen)
}
