// Package connection owns the lifecycle of the single shared messaging
// connection: dialing, state transitions, standing subscriptions and
// reconnection after a drop.
package connection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultReconnectMin   = 500 * time.Millisecond
	defaultReconnectMax   = 30 * time.Second

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor     = 2
	backoffMultiplier = 2
)

type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithReconnect enables redialing after an unexpected drop. attempts == 0
// sends a dropped connection straight to Failed.
func WithReconnect(attempts int, minDelay, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.reconnectAttempts = max(attempts, 0)
		if minDelay > 0 {
			m.reconnectMin = minDelay
		}
		if maxDelay >= m.reconnectMin {
			m.reconnectMax = maxDelay
		}
	}
}

type standing struct {
	topic   string
	handler Handler
}

type observer struct {
	id int
	fn func(chat.ConnectionState)
}

// Manager owns one Transport at a time. State transitions and observer
// notifications are serialized by transMu; observers must not call Connect
// or Disconnect synchronously.
type Manager struct {
	dialer            Dialer
	connectTimeout    time.Duration
	reconnectAttempts int
	reconnectMin      time.Duration
	reconnectMax      time.Duration

	transMu sync.Mutex

	mu           sync.RWMutex
	state        chat.ConnectionState
	transport    Transport
	standing     []standing
	standingSubs []Subscription
	observers    []observer
	nextObserver int
	lastErr      error
	gen          uint64
	epoch        uint64
	cancel       context.CancelFunc
}

func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:         dialer,
		connectTimeout: defaultConnectTimeout,
		reconnectMin:   defaultReconnectMin,
		reconnectMax:   defaultReconnectMax,
		state:          chat.StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() chat.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Epoch counts the transports established so far. Subscriptions returned by
// Subscribe carry the epoch of the transport they were made on.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// LastError returns the error behind the most recent drop or failed dial.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// OnStateChange registers fn to be called after every transition, in
// registration order. The returned func unregisters it.
func (m *Manager) OnStateChange(fn func(chat.ConnectionState)) func() {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// setState must be called with transMu held.
func (m *Manager) setState(s chat.ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	obs := make([]observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	metrics.ConnectionTransitions.WithLabelValues(s.String()).Inc()
	logger.InfoCF("connection", "State changed", map[string]any{"state": s.String()})

	for _, o := range obs {
		o.fn(s)
	}
}

// Connect dials the transport and waits for it to be established. It is a
// no-op while connecting, connected or reconnecting. A failed dial moves the
// manager to Failed without retry and returns a *chat.ConnectionError.
func (m *Manager) Connect(ctx context.Context) error {
	m.transMu.Lock()
	switch m.State() {
	case chat.StateConnecting, chat.StateConnected, chat.StateReconnecting:
		m.transMu.Unlock()
		return nil
	}
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.mu.Unlock()
	m.setState(chat.StateConnecting)
	m.transMu.Unlock()

	t, err := m.dial(ctx, life)
	if err != nil {
		m.transMu.Lock()
		defer m.transMu.Unlock()
		if m.current(gen) {
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			cancel()
			m.setState(chat.StateFailed)
		}
		logger.ErrorCF("connection", "Connect failed", map[string]any{"error": err.Error()})
		return &chat.ConnectionError{Op: "connect", Err: err}
	}

	if !m.establish(gen, t) {
		_ = t.Close()
		return &chat.ConnectionError{Op: "connect", Err: context.Canceled}
	}
	go m.watch(life, gen, t)
	return nil
}

func (m *Manager) dial(ctx, life context.Context) (Transport, error) {
	dctx, dcancel := context.WithTimeout(ctx, m.connectTimeout)
	defer dcancel()
	stop := context.AfterFunc(life, dcancel)
	defer stop()

	return m.dialer.Dial(dctx)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen == gen
}

// establish installs t as the live transport, re-creates the standing
// subscriptions on it and moves to Connected. It reports false when gen has
// been superseded by a Disconnect.
func (m *Manager) establish(gen uint64, t Transport) bool {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	if !m.current(gen) {
		return false
	}

	m.mu.Lock()
	m.transport = t
	m.epoch++
	m.lastErr = nil
	specs := make([]standing, len(m.standing))
	copy(specs, m.standing)
	m.mu.Unlock()

	subs := make([]Subscription, 0, len(specs))
	for _, s := range specs {
		sub, err := t.Subscribe(s.topic, s.handler)
		if err != nil {
			logger.WarnCF("connection", "Standing subscription failed", map[string]any{
				"topic": s.topic,
				"error": err.Error(),
			})
			continue
		}
		subs = append(subs, sub)
	}

	m.mu.Lock()
	m.standingSubs = subs
	m.mu.Unlock()

	m.setState(chat.StateConnected)
	return true
}

func (m *Manager) watch(life context.Context, gen uint64, t Transport) {
	select {
	case <-life.Done():
		return
	case <-t.Done():
	}

	m.transMu.Lock()
	if !m.current(gen) {
		m.transMu.Unlock()
		return
	}
	m.mu.Lock()
	m.transport = nil
	m.standingSubs = nil
	m.lastErr = t.Err()
	m.mu.Unlock()

	fields := map[string]any{}
	if err := t.Err(); err != nil {
		fields["error"] = err.Error()
	}
	logger.WarnCF("connection", "Transport dropped", fields)

	if m.reconnectAttempts == 0 {
		m.setState(chat.StateFailed)
		m.transMu.Unlock()
		return
	}
	m.setState(chat.StateReconnecting)
	m.transMu.Unlock()

	m.reconnect(life, gen)
}

func (m *Manager) reconnect(life context.Context, gen uint64) {
	backoff := m.reconnectMin
	for attempt := 1; attempt <= m.reconnectAttempts; attempt++ {
		delay := backoff
		if j := int64(backoff) / jitterDivisor; j > 0 {
			delay += time.Duration(rand.Int64N(j)) //nolint:gosec // jitter only
		}
		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.ReconnectAttempts.Inc()
		t, err := m.dial(life, life)
		if err == nil {
			if m.establish(gen, t) {
				logger.InfoCF("connection", "Reconnected", map[string]any{"attempt": attempt})
				go m.watch(life, gen, t)
			} else {
				_ = t.Close()
			}
			return
		}

		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		logger.WarnCF("connection", "Reconnect failed", map[string]any{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err.Error(),
		})
		backoff = min(backoff*backoffMultiplier, m.reconnectMax)
	}

	m.transMu.Lock()
	defer m.transMu.Unlock()
	if m.current(gen) {
		m.setState(chat.StateFailed)
	}
}

// Disconnect tears the connection down from any state, cancelling a dial or
// reconnect in progress. It is idempotent.
func (m *Manager) Disconnect() error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if m.state == chat.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	t := m.transport
	cancel := m.cancel
	m.transport = nil
	m.standingSubs = nil
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if t != nil {
		err = t.Close()
	}
	m.setState(chat.StateDisconnected)
	return err
}

// AddStandingSubscription registers a topic that is subscribed on every
// (re)connect. If currently connected it is subscribed immediately.
func (m *Manager) AddStandingSubscription(topic string, h Handler) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	m.standing = append(m.standing, standing{topic: topic, handler: h})
	t := m.transport
	connected := m.state == chat.StateConnected
	m.mu.Unlock()

	if !connected || t == nil {
		return nil
	}
	sub, err := t.Subscribe(topic, h)
	if err != nil {
		return &chat.ConnectionError{Op: "subscribe " + topic, Err: err}
	}
	m.mu.Lock()
	m.standingSubs = append(m.standingSubs, sub)
	m.mu.Unlock()
	return nil
}

// StandingTopics lists the topics subscribed on the live transport.
func (m *Manager) StandingTopics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.standingSubs))
	for _, s := range m.standingSubs {
		topics = append(topics, s.Topic())
	}
	return topics
}

func (m *Manager) live() (Transport, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != chat.StateConnected || m.transport == nil {
		return nil, 0, chat.ErrNotConnected
	}
	return m.transport, m.epoch, nil
}

// EpochSubscription is a Subscription that knows which transport epoch it
// belongs to.
type EpochSubscription struct {
	Subscription
	epoch uint64
}

func (s *EpochSubscription) Epoch() uint64 { return s.epoch }

// Subscribe subscribes topic on the live transport. The result is an
// *EpochSubscription.
func (m *Manager) Subscribe(topic string, h Handler) (Subscription, error) {
	t, epoch, err := m.live()
	if err != nil {
		return nil, &chat.ConnectionError{Op: "subscribe " + topic, Err: err}
	}
	sub, err := t.Subscribe(topic, h)
	if err != nil {
		return nil, &chat.ConnectionError{Op: "subscribe " + topic, Err: err}
	}
	return &EpochSubscription{Subscription: sub, epoch: epoch}, nil
}

func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	t, _, err := m.live()
	if err != nil {
		return &chat.ConnectionError{Op: "publish " + topic, Err: err}
	}
	if err := t.Publish(ctx, topic, payload); err != nil {
		return &chat.ConnectionError{Op: "publish " + topic, Err: fmt.Errorf("transport: %w", err)}
	}
	return nil
}
