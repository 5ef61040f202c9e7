package eventbus

import (
	"context"
	"sync"

	"github.com/tulemar/ordersync/internal/domain"
)

// Subscription is one handler registered for one order. Its events are
// delivered in order on a dedicated goroutine.
type Subscription struct {
	bus     *Bus
	id      uint64
	orderID string
	handler Handler

	queue    chan *domain.OrderEvent
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(b *Bus, id uint64, orderID string, h Handler, size int) *Subscription {
	return &Subscription{
		bus:     b,
		id:      id,
		orderID: orderID,
		handler: h,
		queue:   make(chan *domain.OrderEvent, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OrderID returns the order the subscription listens to
func (s *Subscription) OrderID() string {
	return s.orderID
}

// Unsubscribe removes the subscription from its bus
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

// Done is closed once the delivery goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// enqueue never blocks; it reports false when the queue is full
func (s *Subscription) enqueue(event *domain.OrderEvent) bool {
	select {
	case <-s.quit:
		return true
	default:
	}
	select {
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case event := <-s.queue:
			select {
			case <-s.quit:
				return
			default:
			}
			s.deliver(event)
		}
	}
}

func (s *Subscription) deliver(event *domain.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.deps.Metrics.RecordHandlerPanic()
			s.bus.logger.WithOrder(s.orderID).Panic(context.Background(), r)
		}
	}()
	s.handler(event)
}
