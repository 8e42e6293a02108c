// Package session is the top-level controller of the synchronization engine.
//
// A Session owns the store, the notification tracker, the subscription
// router and the dispatcher, and mutates them only from its event loop
// (Run). Transport callbacks, connection state changes and user actions are
// all posted to the loop through a bus.EventBus. Blocking I/O happens in the
// caller's goroutine: REST calls before their result is handed to the loop,
// publishes after the loop has recorded the pending entry.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tinyland-inc/chatsync/pkg/api"
	"github.com/tinyland-inc/chatsync/pkg/bus"
	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/connection"
	"github.com/tinyland-inc/chatsync/pkg/dispatch"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
	"github.com/tinyland-inc/chatsync/pkg/notify"
	"github.com/tinyland-inc/chatsync/pkg/router"
	"github.com/tinyland-inc/chatsync/pkg/store"
)

// RoomService is the REST collaborator. *api.Client implements it.
type RoomService interface {
	ListRooms(ctx context.Context, username string) ([]api.RoomDetail, error)
	GetRoom(ctx context.Context, roomID string) (api.RoomDetail, error)
	CreateGroup(ctx context.Context, name string, members []string, createdBy string) (api.RoomDetail, error)
	PollQueue(ctx context.Context, username string) ([]chat.Message, error)
}

type Option func(*Session)

// WithClock sets the timestamp source for outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithPublishTimeout bounds each publish of Send and Resend.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

const defaultPublishTimeout = 10 * time.Second

type Session struct {
	user  chat.User
	conn  *connection.Manager
	rooms RoomService
	now   func() time.Time

	publishTimeout time.Duration

	bus     *bus.EventBus
	store   *store.Store
	tracker *notify.Tracker
	router  *router.Router
	disp    *dispatch.Dispatcher

	mu        sync.RWMutex
	roomIndex map[string]chat.Room
	roomOrder []string

	unobserve func()
	closeOnce sync.Once
}

func New(user chat.User, conn *connection.Manager, rooms RoomService, opts ...Option) *Session {
	s := &Session{
		user:           user,
		conn:           conn,
		rooms:          rooms,
		now:            time.Now,
		publishTimeout: defaultPublishTimeout,
		bus:            bus.NewEventBus(),
		store:          store.New(),
		tracker:        notify.NewTracker(),
		roomIndex:      make(map[string]chat.Room),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = router.New(conn, s.onRoomDelivery)
	s.disp = dispatch.New(conn, s.store, user, dispatch.WithClock(s.now))
	s.unobserve = conn.OnStateChange(s.onStateChange)
	if err := conn.AddStandingSubscription(chat.NotificationTopic(user.Username), s.onNotification); err != nil {
		logger.WarnCF("session", "Notification subscription failed", map[string]any{"error": err.Error()})
	}
	return s
}

// Transport callbacks. They run on transport goroutines and only post events.

func (s *Session) onRoomDelivery(d router.Delivery) {
	s.post(bus.Event{Kind: bus.RoomFrame, RoomID: d.RoomID, Token: d.Token, Payload: d.Payload})
}

func (s *Session) onNotification(payload []byte) {
	s.post(bus.Event{Kind: bus.NotificationFrame, Payload: payload})
}

func (s *Session) onStateChange(state chat.ConnectionState) {
	s.post(bus.Event{Kind: bus.StateChanged, State: state})
}

func (s *Session) post(ev bus.Event) {
	if err := s.bus.PublishInbound(context.Background(), ev); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		logger.WarnCF("session", "Dropping event", map[string]any{"error": err.Error()})
	}
}

// Run is the event loop. It returns when ctx is done or the session is
// closed.
func (s *Session) Run(ctx context.Context) error {
	logger.InfoCF("session", "Event loop started", map[string]any{"user": s.user.Username})
	for {
		ev, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("session", "Event loop stopped")
			return nil
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev bus.Event) {
	switch ev.Kind {
	case bus.RoomFrame:
		s.handleRoomFrame(ev)
	case bus.NotificationFrame:
		s.handleNotification(ev.Payload)
	case bus.StateChanged:
		if err := s.router.HandleConnectionState(ev.State); err != nil {
			logger.WarnCF("session", "Resubscribe failed", map[string]any{"error": err.Error()})
		}
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.ConnectionChanged, State: ev.State})
	case bus.Action:
		err := ev.Action()
		if ev.Result != nil {
			ev.Result <- err
		}
	}
}

func (s *Session) handleRoomFrame(ev bus.Event) {
	d := router.Delivery{RoomID: ev.RoomID, Token: ev.Token, Payload: ev.Payload}
	if !s.router.Accepts(d) {
		metrics.StaleFramesDropped.Inc()
		logger.DebugCF("session", "Dropped stale frame", map[string]any{"room_id": ev.RoomID, "token": ev.Token})
		return
	}

	msg, err := chat.DecodeMessage(ev.Payload, ev.RoomID)
	if err != nil {
		logger.WarnCF("session", "Undecodable room frame", map[string]any{
			"room_id": ev.RoomID,
			"error":   err.Error(),
		})
		return
	}
	s.mergeInbound(ev.RoomID, msg)
}

func (s *Session) mergeInbound(roomID string, msg chat.Message) {
	res := s.store.MergeIncoming(roomID, msg)
	logger.DebugCF("session", "Merged message", map[string]any{
		"room_id": roomID,
		"id":      msg.ID,
		"result":  res.String(),
	})
	if res != store.Appended && res != store.Reconciled {
		return
	}
	s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: roomID})
	if s.tracker.OnInboundMessage(roomID, s.router.Active()) {
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.UnreadChanged, RoomID: roomID})
	}
}

func (s *Session) handleNotification(payload []byte) {
	roomID, err := chat.DecodeNotification(payload)
	if err != nil {
		logger.WarnCF("session", "Undecodable notification", map[string]any{"error": err.Error()})
		return
	}
	if s.tracker.OnInboundMessage(roomID, s.router.Active()) {
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.UnreadChanged, RoomID: roomID})
	}
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := s.bus.PublishInbound(ctx, bus.Event{Kind: bus.Action, Action: fn, Result: res}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.bus.Done():
		return bus.ErrBusClosed
	}
}

// User actions.

// Connect opens the shared connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Disconnect tears the connection down. Room state is kept.
func (s *Session) Disconnect() error {
	return s.conn.Disconnect()
}

// LoadRooms fetches the user's rooms, seeds their histories and activates
// the first room when none is active yet.
func (s *Session) LoadRooms(ctx context.Context) ([]chat.Room, error) {
	details, err := s.rooms.ListRooms(ctx, s.user.Username)
	if err != nil {
		logger.ErrorCF("session", "Loading rooms failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	err = s.do(ctx, func() error {
		s.setRooms(details)
		for _, rd := range details {
			if s.store.MergeAll(rd.Room.ID, rd.Messages).Changed() {
				s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: rd.Room.ID})
			}
		}
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomsLoaded})

		if s.router.Active() == "" && len(details) > 0 {
			return s.activateLocked(details[0].Room.ID, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Rooms(), nil
}

func (s *Session) setRooms(details []api.RoomDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomOrder = s.roomOrder[:0]
	for _, rd := range details {
		s.roomIndex[rd.Room.ID] = rd.Room
		s.roomOrder = append(s.roomOrder, rd.Room.ID)
	}
}

func (s *Session) rememberRoom(r chat.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roomIndex[r.ID]; !ok {
		s.roomOrder = append(s.roomOrder, r.ID)
	}
	s.roomIndex[r.ID] = r
}

// Activate makes roomID the active room: the room is fetched, its unread
// state cleared, its topic subscribed and its history merged. Activating the
// already-active room only clears its unread state.
func (s *Session) Activate(ctx context.Context, roomID string) error {
	if roomID == "" {
		return chat.ErrNoActiveRoom
	}
	if s.router.Active() == roomID {
		return s.do(ctx, func() error {
			if s.tracker.Clear(roomID) {
				s.bus.TryPublishOutbound(bus.Update{Kind: bus.UnreadChanged, RoomID: roomID})
			}
			return nil
		})
	}

	rd, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		logger.ErrorCF("session", "Fetching room failed", map[string]any{
			"room_id": roomID,
			"error":   err.Error(),
		})
		return err
	}
	if rd.Room.ID == "" {
		rd.Room.ID = roomID
	}

	return s.do(ctx, func() error {
		s.rememberRoom(rd.Room)
		return s.activateLocked(roomID, rd.Messages)
	})
}

// activateLocked runs on the loop.
func (s *Session) activateLocked(roomID string, history []chat.Message) error {
	if s.tracker.Clear(roomID) {
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.UnreadChanged, RoomID: roomID})
	}
	if err := s.router.Activate(roomID); err != nil {
		return err
	}
	if s.store.MergeAll(roomID, history).Changed() {
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: roomID})
	}
	s.bus.TryPublishOutbound(bus.Update{Kind: bus.ActiveChanged, RoomID: roomID})
	logger.InfoCF("session", "Room activated", map[string]any{"room_id": roomID})
	return nil
}

// Deactivate leaves the active room without selecting another.
func (s *Session) Deactivate(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.router.Deactivate()
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.ActiveChanged})
		return nil
	})
}

func (s *Session) activeRoomLocked() *chat.Room {
	id := s.router.Active()
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roomIndex[id]
	if !ok {
		return nil
	}
	return &r
}

// Send posts body to the active room. The returned key identifies the
// optimistic entry, also when the publish failed and the entry can be
// resent.
func (s *Session) Send(ctx context.Context, body chat.Body) (string, error) {
	var out dispatch.Outgoing
	err := s.do(ctx, func() error {
		o, err := s.disp.Prepare(s.activeRoomLocked(), body)
		if err != nil {
			return err
		}
		out = o
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: o.Room.ID})
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.Key, s.deliver(ctx, out)
}

// Resend publishes a failed message in the active room again.
func (s *Session) Resend(ctx context.Context, key string) error {
	var out dispatch.Outgoing
	err := s.do(ctx, func() error {
		o, err := s.disp.PrepareResend(s.activeRoomLocked(), key)
		if err != nil {
			return err
		}
		out = o
		s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: o.Room.ID})
		return nil
	})
	if err != nil {
		return err
	}
	return s.deliver(ctx, out)
}

// deliver publishes out off the loop, bounded by the publish timeout, and
// records a failure back on the loop.
func (s *Session) deliver(ctx context.Context, out dispatch.Outgoing) error {
	pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	err := s.disp.Deliver(pctx, out)
	if err == nil {
		return nil
	}

	mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer mcancel()
	if markErr := s.do(mctx, func() error {
		if s.disp.MarkFailed(out) {
			s.bus.TryPublishOutbound(bus.Update{Kind: bus.RoomChanged, RoomID: out.Room.ID})
		}
		return nil
	}); markErr != nil {
		logger.WarnCF("session", "Recording failed send", map[string]any{
			"room_id":   out.Room.ID,
			"local_key": out.Key,
			"error":     markErr.Error(),
		})
	}
	return err
}

// CreateGroup creates a group room and reloads the room list.
func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (chat.Room, error) {
	rd, err := s.rooms.CreateGroup(ctx, name, members, s.user.ID)
	if err != nil {
		return chat.Room{}, err
	}
	if _, err := s.LoadRooms(ctx); err != nil {
		return rd.Room, err
	}
	return rd.Room, nil
}

// FetchQueue polls the offline delivery queue.
func (s *Session) FetchQueue(ctx context.Context) ([]chat.Message, error) {
	return s.rooms.PollQueue(ctx, s.user.Username)
}

// DeliverQueued merges messages from the offline queue, marking rooms other
// than the active one unread.
func (s *Session) DeliverQueued(ctx context.Context, msgs []chat.Message) error {
	return s.do(ctx, func() error {
		for _, m := range msgs {
			s.mergeInbound(m.RoomID, m)
		}
		return nil
	})
}

// Read side. Safe from any goroutine.

func (s *Session) User() chat.User { return s.user }

func (s *Session) State() chat.ConnectionState { return s.conn.State() }

func (s *Session) Active() string { return s.router.Active() }

// LiveTopic is the topic of the active room's live subscription, or "".
func (s *Session) LiveTopic() string { return s.router.LiveTopic() }

func (s *Session) Snapshot(roomID string) []chat.Message { return s.store.Snapshot(roomID) }

func (s *Session) Message(roomID, key string) (chat.Message, bool) { return s.store.Get(roomID, key) }

func (s *Session) IsUnread(roomID string) bool { return s.tracker.IsUnread(roomID) }

func (s *Session) Unread() map[string]int { return s.tracker.Snapshot() }

func (s *Session) UnreadRooms() []string { return s.tracker.UnreadRooms() }

func (s *Session) Room(roomID string) (chat.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roomIndex[roomID]
	return r, ok
}

// Rooms lists known rooms in server order.
func (s *Session) Rooms() []chat.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Room, 0, len(s.roomOrder))
	for _, id := range s.roomOrder {
		out = append(out, s.roomIndex[id])
	}
	return out
}

// Updates blocks for the next view update.
func (s *Session) Updates(ctx context.Context) (bus.Update, bool) {
	return s.bus.SubscribeOutbound(ctx)
}

// Close disconnects and stops the event loop.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.unobserve()
		err = s.conn.Disconnect()
		s.bus.Close()
	})
	return err
}
