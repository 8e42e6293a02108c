package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

// EventBus carries events into the session loop and view updates out of it.
type EventBus struct {
	inbound  chan Event
	outbound chan Update
	done     chan struct{}
	closed   atomic.Bool
	dropped  atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{
		inbound:  make(chan Event, 100),
		outbound: make(chan Update, 100),
		done:     make(chan struct{}),
	}
}

func (b *EventBus) PublishInbound(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) ConsumeInbound(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.inbound:
		return ev, ok
	case <-b.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// TryPublishOutbound queues a view update without blocking. Updates are hints
// to re-read snapshots, so when the view falls behind they are dropped and
// false is returned.
func (b *EventBus) TryPublishOutbound(u Update) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.outbound <- u:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *EventBus) SubscribeOutbound(ctx context.Context) (Update, bool) {
	select {
	case u, ok := <-b.outbound:
		return u, ok
	case <-b.done:
		return Update{}, false
	case <-ctx.Done():
		return Update{}, false
	}
}

// Dropped returns the number of view updates discarded by TryPublishOutbound.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Done is closed when the bus is closed.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

func (b *EventBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
