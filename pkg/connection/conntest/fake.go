// Package conntest provides in-memory connection.Transport and
// connection.Dialer implementations for tests.
package conntest

import (
	"context"
	"errors"
	"sync"

	"github.com/tinyland-inc/chatsync/pkg/connection"
)

var ErrClosed = errors.New("conntest: transport closed")

type Published struct {
	Topic   string
	Payload []byte
}

// Transport records subscriptions and publishes. Frames are injected with
// Deliver or Subscription.Deliver and run the handlers synchronously.
type Transport struct {
	mu         sync.Mutex
	nextID     int
	subs       []*Subscription
	published  []Published
	publishErr error
	block      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	err        error
}

func NewTransport() *Transport {
	return &Transport{done: make(chan struct{})}
}

func (t *Transport) Subscribe(topic string, h connection.Handler) (connection.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}
	t.nextID++
	s := &Subscription{id: t.nextID, topic: topic, handler: h, owner: t}
	t.subs = append(t.subs, s)
	return s, nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	block := t.block
	t.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// FailPublishes makes every following Publish return err; nil restores it.
func (t *Transport) FailPublishes(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// BlockPublishes makes Publish wait until the returned func is called or its
// context ends.
func (t *Transport) BlockPublishes() (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.block = ch
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.block = nil
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Published, len(t.published))
	copy(out, t.published)
	return out
}

// Topics lists the active subscriptions in subscription order.
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		topics = append(topics, s.topic)
	}
	return topics
}

// Subscriptions returns the active subscriptions on topic.
func (t *Transport) Subscriptions(topic string) []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Subscription
	for _, s := range t.subs {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

// Deliver sends payload to every active subscription on topic and returns
// how many handlers ran.
func (t *Transport) Deliver(topic string, payload []byte) int {
	t.mu.Lock()
	var targets []*Subscription
	for _, s := range t.subs {
		if s.topic == topic {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		s.handler(payload)
	}
	return len(targets)
}

// Drop simulates the connection being lost.
func (t *Transport) Drop(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.subs = nil
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) Close() error {
	t.Drop(nil)
	return nil
}

func (t *Transport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) remove(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return true
		}
	}
	return false
}

type Subscription struct {
	id      int
	topic   string
	handler connection.Handler
	owner   *Transport
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Unsubscribe() error {
	if !s.owner.remove(s.id) {
		return ErrClosed
	}
	return nil
}

// Deliver runs the handler even after Unsubscribe, the way a frame already
// in flight would.
func (s *Subscription) Deliver(payload []byte) {
	s.handler(payload)
}

// Dialer hands out a fresh Transport per successful Dial.
type Dialer struct {
	mu         sync.Mutex
	failures   []error
	block      chan struct{}
	transports []*Transport
	dials      int
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext makes the next len(errs) dials fail with the given errors.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Block makes dials wait until the returned func is called or their context
// ends.
func (d *Dialer) Block() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.block = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.block = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Dialer) Dial(ctx context.Context) (connection.Transport, error) {
	d.mu.Lock()
	d.dials++
	var err error
	if len(d.failures) > 0 {
		err = d.failures[0]
		d.failures = d.failures[1:]
	}
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	t := NewTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently dialed transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
