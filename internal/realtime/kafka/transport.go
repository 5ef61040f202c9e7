// Package kafka carries row changes over Kafka topics, one topic per table,
// keyed by order id.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/tulemar/ordersync/internal/realtime"
	"github.com/tulemar/ordersync/pkg/kafka"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// maxFetchFailures consecutive fetch errors make the transport give the
// subscription back to the manager as failed
const maxFetchFailures = 5

type reader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Transport implements realtime.Transport over Kafka
type Transport struct {
	config    *kafka.Config
	publisher kafka.Publisher
	logger    *logging.Logger

	newReader  func(topic string, partitions []int) reader
	probeTopic func(ctx context.Context, topic string) ([]int, error)

	mu      sync.Mutex
	handles map[*handle]struct{}
	closed  bool
}

// New creates a Kafka transport. publisher is used for Broadcast and is
// normally a circuit-breaker wrapped producer.
func New(config *kafka.Config, publisher kafka.Publisher, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.Nop()
	}
	t := &Transport{
		config:    config,
		publisher: publisher,
		logger:    logger.WithComponent("kafka-transport"),
		handles:   make(map[*handle]struct{}),
	}
	t.newReader = t.partitionReaders
	t.probeTopic = t.dialTopic
	return t
}

// partitionReaders opens one group-less reader per partition, each starting
// at the partition's end. Live fan-out never commits offsets, so no
// consumer group is created on the brokers.
func (t *Transport) partitionReaders(topic string, partitions []int) reader {
	readers := make([]reader, 0, len(partitions))
	for _, p := range partitions {
		r := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:   t.config.Brokers,
			Topic:     topic,
			Partition: p,
			MinBytes:  t.config.MinBytes,
			MaxBytes:  t.config.MaxBytes,
			MaxWait:   t.config.MaxWait,
		})
		if err := r.SetOffset(kafkago.LastOffset); err != nil {
			t.logger.WithError(err).Warn("Failed to position partition reader", "topic", topic, "partition", p)
		}
		readers = append(readers, r)
	}
	return newPartitionSet(readers)
}

// dialTopic confirms a broker is reachable and returns the topic's
// partition ids
func (t *Transport) dialTopic(ctx context.Context, topic string) ([]int, error) {
	if len(t.config.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	conn, err := kafkago.DialContext(ctx, "tcp", t.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.config.Brokers[0], err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, fmt.Errorf("read partitions for %s: %w", topic, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", topic)
	}
	ids := make([]int, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Subscribe starts readers positioned at the end of every partition of the
// table's topic
func (t *Transport) Subscribe(ctx context.Context, req realtime.SubscribeRequest, cb realtime.Callbacks) (realtime.Handle, error) {
	topic := kafka.ChangeTopic(string(req.Table))
	partitions, err := t.probeTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("kafka transport closed")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		t:      t,
		req:    req,
		cb:     cb,
		reader: t.newReader(topic, partitions),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: t.logger.With("channel", req.Channel, "topic", topic),
	}
	t.handles[h] = struct{}{}
	t.mu.Unlock()

	if cb.OnStatus != nil {
		cb.OnStatus(realtime.StateConnected, nil)
	}
	go h.run(runCtx)
	return h, nil
}

// Broadcast publishes msg on its table's topic keyed by order id
func (t *Transport) Broadcast(ctx context.Context, msg realtime.ChangeMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode change message: %w", err)
	}
	topic := kafka.ChangeTopic(string(msg.Table))
	ctx, span := tracing.Tracer().Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.MessagingAttributes("kafka", topic, "publish")...),
		trace.WithAttributes(tracing.OrderAttributes(msg.OrderID)...),
	)
	headers := map[string]string{
		kafka.HeaderOrderID: msg.OrderID,
		kafka.HeaderKind:    string(msg.Kind),
		kafka.HeaderTime:    msg.CommitTime.UTC().Format(time.RFC3339Nano),
	}
	tracing.Inject(ctx, headers)
	err = t.publisher.Publish(ctx, topic, msg.OrderID, value, headers)
	tracing.End(span, err)
	return err
}

// Close stops every reader and closes the publisher
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	handles := make([]*handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if t.publisher != nil {
		return t.publisher.Close()
	}
	return nil
}

type fetched struct {
	msg kafkago.Message
	err error
}

// partitionSet merges several partition readers into one reader
type partitionSet struct {
	readers []reader
	out     chan fetched
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPartitionSet(readers []reader) *partitionSet {
	ctx, cancel := context.WithCancel(context.Background())
	set := &partitionSet{readers: readers, out: make(chan fetched), cancel: cancel}
	for _, r := range readers {
		set.wg.Add(1)
		go set.pump(ctx, r)
	}
	return set
}

func (s *partitionSet) pump(ctx context.Context, r reader) {
	defer s.wg.Done()
	for {
		m, err := r.ReadMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case s.out <- fetched{msg: m, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *partitionSet) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	case f := <-s.out:
		return f.msg, f.err
	}
}

func (s *partitionSet) Close() error {
	s.cancel()
	s.wg.Wait()
	var errs []error
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type handle struct {
	t      *Transport
	req    realtime.SubscribeRequest
	cb     realtime.Callbacks
	reader reader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger
}

func (h *handle) run(ctx context.Context) {
	defer close(h.done)

	connected := true
	failures := 0
	backoff := 100 * time.Millisecond

	for {
		m, err := h.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if connected {
				connected = false
				h.status(realtime.StateDisconnected, err)
			}
			if failures >= maxFetchFailures {
				h.status(realtime.StateFailed, err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff * time.Duration(failures)):
			}
			continue
		}

		failures = 0
		if !connected {
			connected = true
			h.status(realtime.StateConnected, nil)
		}
		h.deliver(m)
	}
}

func (h *handle) deliver(m kafkago.Message) {
	var msg realtime.ChangeMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		h.logger.WithError(err).Warn("Dropping undecodable change message", "offset", m.Offset)
		return
	}
	if msg.Table != h.req.Table || !h.req.Kind.Matches(msg.Kind) || !msg.MatchesFilter(h.req.Filter) {
		return
	}

	headers := make(map[string]string, len(m.Headers))
	for _, hdr := range m.Headers {
		headers[hdr.Key] = string(hdr.Value)
	}
	_, span := tracing.Tracer().Start(tracing.Extract(context.Background(), headers), m.Topic+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(tracing.MessagingAttributes("kafka", m.Topic, "receive")...),
		trace.WithAttributes(tracing.OrderAttributes(msg.OrderID)...),
	)
	defer span.End()

	if h.cb.OnMessage != nil {
		h.cb.OnMessage(msg)
	}
}

func (h *handle) status(state realtime.ConnState, err error) {
	if h.cb.OnStatus != nil {
		h.cb.OnStatus(state, err)
	}
}

// Close stops the reader loop and waits for it to exit
func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		err = h.reader.Close()

		h.t.mu.Lock()
		delete(h.t.handles, h)
		h.t.mu.Unlock()
	})
	return err
}
