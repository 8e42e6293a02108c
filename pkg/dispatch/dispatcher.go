// Package dispatch sends outgoing chat messages: it validates the draft,
// records it optimistically in the store and publishes it to the
// destination for the room's kind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
	"github.com/tinyland-inc/chatsync/pkg/store"
)

var ErrNotResendable = errors.New("message is not in failed state")

// Publisher is the part of the connection manager the dispatcher needs.
type Publisher interface {
	State() chat.ConnectionState
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Option func(*Dispatcher)

// WithClock overrides the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

type Dispatcher struct {
	pub   Publisher
	store *store.Store
	user  chat.User
	now   func() time.Time
}

func New(pub Publisher, st *store.Store, user chat.User, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pub:   pub,
		store: st,
		user:  user,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Outgoing is an entry recorded in the store and ready to be published.
type Outgoing struct {
	Room    chat.Room
	Key     string
	Payload []byte
}

// Send validates body, appends it to room's log as pending and publishes it.
// Validation and connection errors leave the store untouched. If the publish
// itself fails the entry is marked failed and its key is returned with the
// error so the caller can Resend it.
func (d *Dispatcher) Send(ctx context.Context, room *chat.Room, body chat.Body) (string, error) {
	out, err := d.Prepare(room, body)
	if err != nil {
		return "", err
	}
	return out.Key, d.complete(ctx, out)
}

// Resend publishes a failed entry again.
func (d *Dispatcher) Resend(ctx context.Context, room *chat.Room, key string) error {
	out, err := d.PrepareResend(room, key)
	if err != nil {
		return err
	}
	return d.complete(ctx, out)
}

func (d *Dispatcher) complete(ctx context.Context, out Outgoing) error {
	if err := d.Deliver(ctx, out); err != nil {
		d.MarkFailed(out)
		return err
	}
	return nil
}

// Prepare is the non-blocking half of Send: it validates body and appends
// the pending entry without publishing.
func (d *Dispatcher) Prepare(room *chat.Room, body chat.Body) (Outgoing, error) {
	body.Text = strings.TrimSpace(body.Text)
	if body.IsEmpty() {
		return Outgoing{}, chat.ErrEmptyMessage
	}
	if room == nil || room.ID == "" {
		return Outgoing{}, chat.ErrNoActiveRoom
	}
	if d.pub.State() != chat.StateConnected {
		metrics.MessagesSent.WithLabelValues(string(room.Kind), "not_connected").Inc()
		return Outgoing{}, &chat.ConnectionError{Op: "send", Err: chat.ErrNotConnected}
	}

	msg := chat.Message{
		SenderID:   d.user.ID,
		SenderName: d.user.Username,
		RoomID:     room.ID,
		Body:       body,
		CreatedAt:  d.now(),
	}
	payload, err := chat.EncodeMessage(msg)
	if err != nil {
		return Outgoing{}, fmt.Errorf("encode message: %w", err)
	}

	key, err := d.store.AppendOptimistic(room.ID, msg)
	if err != nil {
		return Outgoing{}, err
	}
	return Outgoing{Room: *room, Key: key, Payload: payload}, nil
}

// PrepareResend moves a failed entry back to pending and returns it for
// publishing.
func (d *Dispatcher) PrepareResend(room *chat.Room, key string) (Outgoing, error) {
	if room == nil || room.ID == "" {
		return Outgoing{}, chat.ErrNoActiveRoom
	}
	msg, ok := d.store.Get(room.ID, key)
	if !ok || msg.State != chat.Failed {
		return Outgoing{}, fmt.Errorf("resend %s: %w", key, ErrNotResendable)
	}
	if d.pub.State() != chat.StateConnected {
		return Outgoing{}, &chat.ConnectionError{Op: "resend", Err: chat.ErrNotConnected}
	}

	payload, err := chat.EncodeMessage(msg)
	if err != nil {
		return Outgoing{}, fmt.Errorf("encode message: %w", err)
	}
	if !d.store.MarkPending(room.ID, key) {
		return Outgoing{}, fmt.Errorf("resend %s: %w", key, ErrNotResendable)
	}
	return Outgoing{Room: *room, Key: key, Payload: payload}, nil
}

// Deliver publishes out to the destination for its room's kind. It does not
// touch the store; on error the caller decides when to MarkFailed.
func (d *Dispatcher) Deliver(ctx context.Context, out Outgoing) error {
	dest := chat.Destination(out.Room.Kind)
	if err := d.pub.Publish(ctx, dest, out.Payload); err != nil {
		metrics.MessagesSent.WithLabelValues(string(out.Room.Kind), "failed").Inc()
		logger.WarnCF("dispatch", "Publish failed", map[string]any{
			"room_id":     out.Room.ID,
			"destination": dest,
			"local_key":   out.Key,
			"error":       err.Error(),
		})
		return fmt.Errorf("send to %s: %w", dest, err)
	}

	metrics.MessagesSent.WithLabelValues(string(out.Room.Kind), "sent").Inc()
	logger.DebugCF("dispatch", "Published", map[string]any{
		"room_id":     out.Room.ID,
		"destination": dest,
		"local_key":   out.Key,
	})
	return nil
}

// MarkFailed records a failed delivery. It reports false when the entry is no
// longer pending, for instance because its echo already confirmed it.
func (d *Dispatcher) MarkFailed(out Outgoing) bool {
	return d.store.MarkFailed(out.Room.ID, out.Key)
}
