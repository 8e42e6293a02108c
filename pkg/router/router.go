// Package router keeps exactly one live subscription for the active room and
// stamps every delivery with the token of the subscription that produced it,
// so frames from a replaced subscription can be recognized and dropped.
package router

import (
	"errors"
	"sync"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/connection"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
)

// Subscriber opens topic subscriptions. *connection.Manager implements it.
type Subscriber interface {
	Subscribe(topic string, h connection.Handler) (connection.Subscription, error)
}

// epochSource is implemented by subscribers that number their transports,
// like *connection.Manager.
type epochSource interface {
	State() chat.ConnectionState
	Epoch() uint64
}

type epochSubscription interface {
	Epoch() uint64
}

// Delivery is one frame received on a room subscription.
type Delivery struct {
	RoomID  string
	Token   uint64
	Payload []byte
}

// Handler is invoked on the transport's goroutine; it must not block on the
// router.
type Handler func(Delivery)

type Router struct {
	sub     Subscriber
	handler Handler

	mu        sync.RWMutex
	active    string
	live      connection.Subscription
	token     uint64
	nextToken uint64
	deferred  bool
}

func New(sub Subscriber, h Handler) *Router {
	return &Router{sub: sub, handler: h}
}

// Activate makes roomID the active room. The new room's topic is subscribed
// before the previous one is unsubscribed. When not connected the activation
// is deferred until the next Connected state and nil is returned.
func (r *Router) Activate(roomID string) error {
	if roomID == "" {
		return chat.ErrNoActiveRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if roomID == r.active {
		return nil
	}

	prev := r.live
	r.active = roomID
	err := r.subscribeLocked()
	unsubscribe(prev)
	if err != nil {
		if errors.Is(err, chat.ErrNotConnected) {
			logger.DebugCF("router", "Activation deferred", map[string]any{"room_id": roomID})
			return nil
		}
		return err
	}
	return nil
}

// subscribeLocked subscribes the active room with a fresh token. On failure
// the router has no live subscription and the activation is marked deferred.
func (r *Router) subscribeLocked() error {
	r.nextToken++
	tok := r.nextToken
	roomID := r.active
	topic := chat.RoomTopic(roomID)

	s, err := r.sub.Subscribe(topic, func(p []byte) {
		r.handler(Delivery{RoomID: roomID, Token: tok, Payload: p})
	})
	if err != nil {
		r.live = nil
		r.token = 0
		r.deferred = true
		return err
	}

	r.live = s
	r.token = tok
	r.deferred = false
	metrics.SubscriptionSwaps.Inc()
	logger.DebugCF("router", "Subscribed", map[string]any{"topic": topic, "token": tok})
	return nil
}

func unsubscribe(s connection.Subscription) {
	if s == nil {
		return
	}
	if err := s.Unsubscribe(); err != nil {
		logger.DebugCF("router", "Unsubscribe failed", map[string]any{
			"topic": s.Topic(),
			"error": err.Error(),
		})
	}
}

// Deactivate drops the active room's subscription without a replacement.
func (r *Router) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	unsubscribe(r.live)
	r.live = nil
	r.token = 0
	r.active = ""
	r.deferred = false
}

// HandleConnectionState replays a deferred activation on Connected. Any other
// state invalidates the live subscription, which does not survive its
// transport, unless the state arrives after the live subscription was
// already made on a newer, connected transport.
func (r *Router) HandleConnectionState(s chat.ConnectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s != chat.StateConnected {
		if r.liveOnCurrentTransportLocked() {
			logger.DebugCF("router", "Ignoring late state change", map[string]any{
				"state": s.String(),
				"topic": r.live.Topic(),
			})
			return nil
		}
		unsubscribe(r.live)
		r.live = nil
		r.token = 0
		r.deferred = r.active != ""
		return nil
	}
	if !r.deferred || r.active == "" {
		return nil
	}
	return r.subscribeLocked()
}

func (r *Router) liveOnCurrentTransportLocked() bool {
	if r.live == nil {
		return false
	}
	src, ok := r.sub.(epochSource)
	if !ok {
		return false
	}
	es, ok := r.live.(epochSubscription)
	if !ok {
		return false
	}
	return src.State() == chat.StateConnected && src.Epoch() == es.Epoch()
}

// Accepts reports whether d came from the current live subscription.
func (r *Router) Accepts(d Delivery) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return d.Token != 0 && d.Token == r.token && d.RoomID == r.active
}

func (r *Router) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// LiveTopic returns the topic of the live room subscription, or "".
func (r *Router) LiveTopic() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.live == nil {
		return ""
	}
	return r.live.Topic()
}

// Deferred reports whether the active room is waiting for a connection.
func (r *Router) Deferred() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deferred
}
