package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/resilience"
)

// ErrManagerClosed is returned by Subscribe after Close
var ErrManagerClosed = errors.New("connection manager closed")

// Config describes a named subscription
type Config struct {
	Name   string
	Table  Table
	Kind   Kind
	Filter *Filter

	OnMessage   func(ChangeMessage)
	OnError     func(error)
	OnReconnect func()
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("subscription name is required")
	}
	if c.Table == "" {
		return errors.New("subscription table is required")
	}
	if c.OnMessage == nil {
		return errors.New("OnMessage callback is required")
	}
	return nil
}

// Manager owns the transport subscriptions of a process. There is at most
// one transport subscription per logical name.
type Manager struct {
	transport Transport
	retry     resilience.RetryConfig
	logger    *logging.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*managedSub
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager over transport. A nil retry config uses the
// resilience defaults.
func NewManager(transport Transport, retry *resilience.RetryConfig, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		retry:     *retry,
		logger:    logger.WithComponent("connection-manager"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*managedSub),
	}
}

// Subscribe registers cfg under cfg.Name and starts establishing the
// transport subscription in the background. Subscribing again under a name
// that is already registered only swaps the callbacks. Transport failures are
// never returned here: they are retried and, once retries run out, reported
// through OnError.
func (m *Manager) Subscribe(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	if existing, ok := m.subs[cfg.Name]; ok {
		existing.setConfig(cfg)
		m.logger.Debug("Replaced subscription callbacks", "channel", cfg.Name)
		return nil
	}

	subCtx, cancel := context.WithCancel(m.ctx)
	sub := &managedSub{
		mgr:    m,
		cfg:    cfg,
		ctx:    subCtx,
		cancel: cancel,
		logger: m.logger.WithContext(ctx).With("channel", cfg.Name, "table", string(cfg.Table)),
	}
	m.subs[cfg.Name] = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.establish(0)
	}()
	return nil
}

// Unsubscribe closes the named subscription and abandons any attempt to
// establish it. Unknown names are ignored.
func (m *Manager) Unsubscribe(name string) error {
	m.mu.Lock()
	sub, ok := m.subs[name]
	if ok {
		delete(m.subs, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.shutdown()
}

// Active reports whether the named subscription has an open transport handle
func (m *Manager) Active(name string) bool {
	m.mu.Lock()
	sub, ok := m.subs[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.handle != nil
}

// Registered reports whether name is known to the manager, established or not
func (m *Manager) Registered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[name]
	return ok
}

// Names returns the registered subscription names, sorted
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unsubscribes everything and waits for establishment goroutines
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*managedSub)
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for _, sub := range subs {
		if err := sub.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// forget drops sub from the registry if it is still the registered entry
func (m *Manager) forget(sub *managedSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub.cfg.Name] == sub {
		delete(m.subs, sub.cfg.Name)
	}
}

func (m *Manager) restart(sub *managedSub, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.subs[sub.cfg.Name] != sub {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.establish(gen)
	}()
}

type managedSub struct {
	mgr    *Manager
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger

	mu     sync.Mutex
	cfg    Config
	handle Handle
	// gen counts establish attempts. Each StateFailed starts a new one, and
	// handles or status reports from an older attempt are discarded.
	gen           uint64
	everConnected bool
	disconnected  bool
}

func (s *managedSub) setConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Routing fields stay with the live transport subscription.
	s.cfg.OnMessage = cfg.OnMessage
	s.cfg.OnError = cfg.OnError
	s.cfg.OnReconnect = cfg.OnReconnect
}

func (s *managedSub) callbacks() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *managedSub) establish(gen uint64) {
	cfg := s.callbacks()
	req := SubscribeRequest{Channel: cfg.Name, Table: cfg.Table, Kind: cfg.Kind, Filter: cfg.Filter}

	retry := s.mgr.retry
	retry.OnRetry = func(attempt int, err error, next time.Duration) {
		s.logger.WithError(err).Warn("Channel subscribe failed, retrying",
			"attempt", attempt,
			"nextDelayMs", next.Milliseconds(),
		)
	}

	handle, err := resilience.RetryWithResult(s.ctx, &retry, func() (Handle, error) {
		return s.mgr.transport.Subscribe(s.ctx, req, Callbacks{
			OnMessage: s.deliver,
			OnStatus:  func(state ConnState, err error) { s.status(gen, state, err) },
		})
	})
	if err != nil {
		if s.ctx.Err() != nil || !s.current(gen) {
			return
		}
		s.logger.WithError(err).Error("Channel subscribe gave up")
		s.mgr.metrics.RecordChannelState(string(cfg.Table), "failed")
		s.mgr.forget(s)
		s.cancel()
		if onError := s.callbacks().OnError; onError != nil {
			onError(fmt.Errorf("subscribe %s: %w", cfg.Name, err))
		}
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil || s.gen != gen {
		s.mu.Unlock()
		_ = handle.Close()
		return
	}
	s.handle = handle
	s.mu.Unlock()

	s.logger.Debug("Channel subscribed")
}

func (s *managedSub) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *managedSub) deliver(msg ChangeMessage) {
	if s.ctx.Err() != nil {
		return
	}
	if onMessage := s.callbacks().OnMessage; onMessage != nil {
		onMessage(msg)
	}
}

// status tracks transport state. OnReconnect fires only for a Connected
// that follows a Disconnected after an earlier Connected.
func (s *managedSub) status(gen uint64, state ConnState, err error) {
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	reconnected := false
	var stale Handle
	switch state {
	case StateConnected:
		reconnected = s.everConnected && s.disconnected
		s.everConnected = true
		s.disconnected = false
	case StateDisconnected:
		if s.everConnected {
			s.disconnected = true
		}
	case StateFailed:
		if s.everConnected {
			s.disconnected = true
		}
		stale = s.handle
		s.handle = nil
		s.gen++
	}
	next := s.gen
	cfg := s.cfg
	s.mu.Unlock()

	table := string(cfg.Table)
	switch {
	case reconnected:
		s.logger.Info("Channel reconnected")
		s.mgr.metrics.RecordChannelState(table, "reconnected")
		if cfg.OnReconnect != nil {
			cfg.OnReconnect()
		}
	case state == StateConnected:
		s.mgr.metrics.RecordChannelState(table, "connected")
	case state == StateDisconnected:
		s.logger.WithError(err).Warn("Channel disconnected")
		s.mgr.metrics.RecordChannelState(table, "disconnected")
	case state == StateFailed:
		s.logger.WithError(err).Warn("Channel failed, re-establishing")
		s.mgr.metrics.RecordChannelState(table, "disconnected")
		if stale != nil {
			go func() { _ = stale.Close() }()
		}
		s.mgr.restart(s, next)
	}
}

func (s *managedSub) shutdown() error {
	s.cancel()

	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := handle.Close(); err != nil {
		s.logger.WithError(err).Warn("Channel close failed")
		return fmt.Errorf("close %s: %w", s.cfg.Name, err)
	}
	return nil
}
