// Package memory is an in-process channel transport. It routes messages
// synchronously and exposes controls for simulating connection loss.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tulemar/ordersync/internal/realtime"
)

// ErrSubscribeRejected is returned for injected subscribe failures
var ErrSubscribeRejected = errors.New("memory transport: subscribe rejected")

// ErrClosed is returned after Close
var ErrClosed = errors.New("memory transport: closed")

// Transport implements realtime.Transport in memory
type Transport struct {
	mu             sync.Mutex
	subs           map[int]*subscription
	nextID         int
	subscribeCalls int
	failSubscribes int
	broadcastErr   error
	broadcastHook  func(realtime.ChangeMessage)
	broadcasts     []realtime.ChangeMessage
	closed         bool
}

// New creates an empty transport
func New() *Transport {
	return &Transport{subs: make(map[int]*subscription)}
}

type subscription struct {
	id        int
	t         *Transport
	req       realtime.SubscribeRequest
	cb        realtime.Callbacks
	connected bool
}

func (s *subscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s.id)
	return nil
}

// Subscribe opens a subscription and reports Connected before returning
func (t *Transport) Subscribe(ctx context.Context, req realtime.SubscribeRequest, cb realtime.Callbacks) (realtime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.subscribeCalls++
	if t.failSubscribes > 0 {
		t.failSubscribes--
		t.mu.Unlock()
		return nil, ErrSubscribeRejected
	}
	t.nextID++
	sub := &subscription{id: t.nextID, t: t, req: req, cb: cb, connected: true}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	if cb.OnStatus != nil {
		cb.OnStatus(realtime.StateConnected, nil)
	}
	return sub, nil
}

// Broadcast delivers msg to every connected matching subscription
func (t *Transport) Broadcast(ctx context.Context, msg realtime.ChangeMessage) error {
	t.mu.Lock()
	hook := t.broadcastHook
	t.broadcasts = append(t.broadcasts, msg)
	err := t.broadcastErr
	t.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	if err != nil {
		return err
	}
	return t.Emit(ctx, msg)
}

// Emit routes msg like a database change feed would, bypassing broadcast
// failure injection
func (t *Transport) Emit(ctx context.Context, msg realtime.ChangeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	targets := t.matching(func(s *subscription) bool {
		return s.connected &&
			s.req.Table == msg.Table &&
			s.req.Kind.Matches(msg.Kind) &&
			msg.MatchesFilter(s.req.Filter)
	})
	t.mu.Unlock()

	for _, s := range targets {
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(msg)
		}
	}
	return nil
}

// Close drops all subscriptions
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = make(map[int]*subscription)
	return nil
}

// ActiveCount returns the number of open subscriptions
func (t *Transport) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// SubscribeCalls returns how many times Subscribe was invoked
func (t *Transport) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

// Channels returns the channel names of open subscriptions
func (t *Transport) Channels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s.req.Channel)
	}
	return out
}

// FailNextSubscribes makes the next n Subscribe calls fail
func (t *Transport) FailNextSubscribes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSubscribes = n
}

// FailBroadcasts makes Broadcast return err; nil restores delivery
func (t *Transport) FailBroadcasts(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastErr = err
}

// OnBroadcast installs a hook run at the start of every Broadcast attempt
func (t *Transport) OnBroadcast(hook func(realtime.ChangeMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastHook = hook
}

// Broadcasts returns every broadcast attempt, successful or not
func (t *Transport) Broadcasts() []realtime.ChangeMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.ChangeMessage(nil), t.broadcasts...)
}

// Disconnect marks matching subscriptions disconnected. Messages sent while
// disconnected are lost. An empty channel matches every subscription.
func (t *Transport) Disconnect(channel string) {
	t.setConnected(channel, false, realtime.StateDisconnected, errors.New("memory transport: connection lost"))
}

// Reconnect restores matching subscriptions and reports Connected
func (t *Transport) Reconnect(channel string) {
	t.setConnected(channel, true, realtime.StateConnected, nil)
}

// Fail reports StateFailed for matching subscriptions and drops them
func (t *Transport) Fail(channel string, err error) {
	t.mu.Lock()
	targets := t.matching(func(s *subscription) bool { return channel == "" || s.req.Channel == channel })
	for _, s := range targets {
		delete(t.subs, s.id)
	}
	t.mu.Unlock()

	for _, s := range targets {
		if s.cb.OnStatus != nil {
			s.cb.OnStatus(realtime.StateFailed, err)
		}
	}
}

func (t *Transport) setConnected(channel string, connected bool, state realtime.ConnState, err error) {
	t.mu.Lock()
	targets := t.matching(func(s *subscription) bool {
		return (channel == "" || s.req.Channel == channel) && s.connected != connected
	})
	for _, s := range targets {
		s.connected = connected
	}
	t.mu.Unlock()

	for _, s := range targets {
		if s.cb.OnStatus != nil {
			s.cb.OnStatus(state, err)
		}
	}
}

// matching must be called with t.mu held. Results are ordered by
// subscription id so delivery order is deterministic.
func (t *Transport) matching(pred func(*subscription) bool) []*subscription {
	var out []*subscription
	for id := 1; id <= t.nextID; id++ {
		if s, ok := t.subs[id]; ok && pred(s) {
			out = append(out, s)
		}
	}
	return out
}
