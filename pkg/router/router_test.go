package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/connection"
)

type fakeSub struct {
	topic   string
	handler connection.Handler
	owner   *fakeSubscriber
	active  bool
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	s.owner.log = append(s.owner.log, "unsub "+s.topic)
	if !s.active {
		return errors.New("already gone")
	}
	s.active = false
	return nil
}

// fakeSubscriber logs subscribe/unsubscribe calls in order.
type fakeSubscriber struct {
	connected bool
	failWith  error
	log       []string
	subs      []*fakeSub
}

func (f *fakeSubscriber) Subscribe(topic string, h connection.Handler) (connection.Subscription, error) {
	if !f.connected {
		return nil, &chat.ConnectionError{Op: "subscribe " + topic, Err: chat.ErrNotConnected}
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.log = append(f.log, "sub "+topic)
	s := &fakeSub{topic: topic, handler: h, owner: f, active: true}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) activeTopics() []string {
	var out []string
	for _, s := range f.subs {
		if s.active {
			out = append(out, s.topic)
		}
	}
	return out
}

type collector struct {
	mu  sync.Mutex
	got []Delivery
}

func (c *collector) handle(d Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, d)
}

func TestRouter_SubscribeBeforeUnsubscribe(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	r := New(fs, func(Delivery) {})

	require.NoError(t, r.Activate("r1"))
	require.NoError(t, r.Activate("r2"))

	assert.Equal(t, []string{
		"sub /topic/chatroom/r1",
		"sub /topic/chatroom/r2",
		"unsub /topic/chatroom/r1",
	}, fs.log)
	assert.Equal(t, []string{"/topic/chatroom/r2"}, fs.activeTopics())
	assert.Equal(t, "r2", r.Active())
	assert.Equal(t, "/topic/chatroom/r2", r.LiveTopic())
}

func TestRouter_ActivateSameRoomIsNoop(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	r := New(fs, func(Delivery) {})

	require.NoError(t, r.Activate("r1"))
	require.NoError(t, r.Activate("r1"))
	assert.Len(t, fs.log, 1)
}

func TestRouter_ActivateEmptyRoom(t *testing.T) {
	r := New(&fakeSubscriber{connected: true}, func(Delivery) {})
	err := r.Activate("")
	assert.True(t, chat.IsValidation(err))
}

func TestRouter_StaleDeliveryRejected(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	c := &collector{}
	r := New(fs, c.handle)

	require.NoError(t, r.Activate("r1"))
	require.NoError(t, r.Activate("r2"))

	// A frame already in flight on the replaced r1 subscription.
	fs.subs[0].handler([]byte(`{"id":"old"}`))
	fs.subs[1].handler([]byte(`{"id":"new"}`))

	require.Len(t, c.got, 2)
	assert.False(t, r.Accepts(c.got[0]))
	assert.True(t, r.Accepts(c.got[1]))
	assert.Equal(t, "r1", c.got[0].RoomID)
	assert.Equal(t, "r2", c.got[1].RoomID)
}

func TestRouter_DeferredUntilConnected(t *testing.T) {
	fs := &fakeSubscriber{}
	r := New(fs, func(Delivery) {})

	require.NoError(t, r.Activate("r1"))
	assert.True(t, r.Deferred())
	assert.Empty(t, r.LiveTopic())

	// The room active at connect time wins.
	require.NoError(t, r.Activate("r2"))

	fs.connected = true
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.False(t, r.Deferred())
	assert.Equal(t, []string{"sub /topic/chatroom/r2"}, fs.log)

	// A second Connected does not subscribe again.
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Len(t, fs.log, 1)
}

func TestRouter_DropInvalidatesAndResubscribes(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	c := &collector{}
	r := New(fs, c.handle)
	require.NoError(t, r.Activate("r1"))

	fs.connected = false
	require.NoError(t, r.HandleConnectionState(chat.StateReconnecting))
	assert.True(t, r.Deferred())
	assert.Empty(t, r.LiveTopic())

	fs.subs[0].handler([]byte(`{}`))
	require.Len(t, c.got, 1)
	assert.False(t, r.Accepts(c.got[0]))

	fs.connected = true
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Equal(t, "/topic/chatroom/r1", r.LiveTopic())
	assert.Equal(t, []string{"/topic/chatroom/r1"}, fs.activeTopics())

	fs.subs[1].handler([]byte(`{}`))
	assert.True(t, r.Accepts(c.got[1]))
}

func TestRouter_SubscribeErrorIsReturnedAndDeferred(t *testing.T) {
	fs := &fakeSubscriber{connected: true, failWith: errors.New("broker refused")}
	r := New(fs, func(Delivery) {})

	err := r.Activate("r1")
	require.Error(t, err)
	assert.True(t, r.Deferred())
	assert.Equal(t, "r1", r.Active())

	fs.failWith = nil
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Equal(t, "/topic/chatroom/r1", r.LiveTopic())
}

func TestRouter_Deactivate(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	c := &collector{}
	r := New(fs, c.handle)
	require.NoError(t, r.Activate("r1"))

	r.Deactivate()
	assert.Empty(t, r.Active())
	assert.Empty(t, fs.activeTopics())
	assert.False(t, r.Deferred())

	fs.subs[0].handler([]byte(`{}`))
	assert.False(t, r.Accepts(c.got[0]))

	// Reconnect with no active room subscribes nothing.
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Len(t, fs.subs, 1)
}

func TestRouter_SingleLiveSubscriptionAcrossSwitches(t *testing.T) {
	fs := &fakeSubscriber{connected: true}
	c := &collector{}
	r := New(fs, c.handle)

	for _, id := range []string{"r1", "r2", "r3", "r2", "r4"} {
		require.NoError(t, r.Activate(id))
		assert.Equal(t, []string{chat.RoomTopic(id)}, fs.activeTopics(), "after activating %s", id)
		assert.Equal(t, id, r.Active())
	}
	assert.Len(t, fs.subs, 5)
	assert.Equal(t, chat.RoomTopic("r4"), r.LiveTopic())

	// Only the last subscription's frames are accepted.
	for _, s := range fs.subs {
		s.handler([]byte(`{}`))
	}
	require.Len(t, c.got, 5)
	for i, d := range c.got {
		assert.Equal(t, i == 4, r.Accepts(d), "delivery %d from %s", i, d.RoomID)
	}

	r.Deactivate()
	assert.Empty(t, fs.activeTopics())
	assert.Empty(t, r.LiveTopic())
}

// epochSubscriber numbers its transports like connection.Manager.
type epochSubscriber struct {
	*fakeSubscriber
	epoch uint64
}

type epochSub struct {
	connection.Subscription
	epoch uint64
}

func (s *epochSub) Epoch() uint64 { return s.epoch }

func (e *epochSubscriber) Subscribe(topic string, h connection.Handler) (connection.Subscription, error) {
	sub, err := e.fakeSubscriber.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	return &epochSub{Subscription: sub, epoch: e.epoch}, nil
}

func (e *epochSubscriber) State() chat.ConnectionState {
	if e.connected {
		return chat.StateConnected
	}
	return chat.StateReconnecting
}

func (e *epochSubscriber) Epoch() uint64 { return e.epoch }

func TestRouter_LateDropKeepsSubscriptionOnNewTransport(t *testing.T) {
	es := &epochSubscriber{fakeSubscriber: &fakeSubscriber{connected: true}, epoch: 1}
	c := &collector{}
	r := New(es, c.handle)
	require.NoError(t, r.Activate("r1"))

	// The transport dropped and came back before the loop saw either state.
	es.epoch = 2
	require.NoError(t, r.Activate("r2"))

	require.NoError(t, r.HandleConnectionState(chat.StateReconnecting))
	assert.Equal(t, chat.RoomTopic("r2"), r.LiveTopic())
	assert.False(t, r.Deferred())
	assert.Contains(t, es.activeTopics(), chat.RoomTopic("r2"))

	es.subs[1].handler([]byte(`{}`))
	require.Len(t, c.got, 1)
	assert.True(t, r.Accepts(c.got[0]))

	subs := len(es.subs)
	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Len(t, es.subs, subs, "no resubscribe")
}

func TestRouter_LateDropInvalidatesOldTransportSubscription(t *testing.T) {
	es := &epochSubscriber{fakeSubscriber: &fakeSubscriber{connected: true}, epoch: 1}
	r := New(es, func(Delivery) {})
	require.NoError(t, r.Activate("r1"))

	es.epoch = 2
	require.NoError(t, r.HandleConnectionState(chat.StateReconnecting))
	assert.True(t, r.Deferred())
	assert.Empty(t, r.LiveTopic())

	require.NoError(t, r.HandleConnectionState(chat.StateConnected))
	assert.Equal(t, chat.RoomTopic("r1"), r.LiveTopic())
	assert.Len(t, es.subs, 2)
}
