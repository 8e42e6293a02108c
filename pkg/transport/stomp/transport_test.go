package stomp

import (
	"context"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatsync/pkg/transport/stomp/stomptest"
)

func newBroker(t *testing.T) *stomptest.Broker {
	b := stomptest.NewBroker(nil)
	t.Cleanup(b.Close)
	return b
}

func TestNewDialer_RejectsNonWebsocketURL(t *testing.T) {
	_, err := NewDialer("http://localhost/ws")
	assert.Error(t, err)
}

func TestTransport_SubscribePublishRoundTrip(t *testing.T) {
	b := newBroker(t)
	d, err := NewDialer(b.URL, WithReceipts(true))
	require.NoError(t, err)

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	got := make(chan []byte, 1)
	sub, err := tr.Subscribe("/app/message", func(p []byte) { got <- p })
	require.NoError(t, err)
	assert.Equal(t, "/app/message", sub.Topic())

	require.Eventually(t, func() bool { return len(b.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Publish(context.Background(), "/app/message", []byte(`{"chatId":"r1"}`)))

	select {
	case p := <-got:
		assert.JSONEq(t, `{"chatId":"r1"}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	sends := b.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "application/json", sends[0].Header.Get(frame.ContentType))

	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return len(b.Subscriptions()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Error(t, sub.Unsubscribe())
}

func TestTransport_DoneOnServerDrop(t *testing.T) {
	b := newBroker(t)
	d, err := NewDialer(b.URL)
	require.NoError(t, err)

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)

	b.DropAll()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not report the drop")
	}
	assert.Error(t, tr.Err())
	assert.Error(t, tr.Publish(context.Background(), "/app/message", []byte(`{}`)))
	assert.NoError(t, tr.Close())
}

func TestTransport_CloseSendsDisconnect(t *testing.T) {
	b := newBroker(t)
	d, err := NewDialer(b.URL)
	require.NoError(t, err)

	tr, err := d.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestDial_Unreachable(t *testing.T) {
	d, err := NewDialer("ws://127.0.0.1:1/ws/websocket")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = d.Dial(ctx)
	assert.Error(t, err)
}

func TestDial_ContextCancelled(t *testing.T) {
	b := newBroker(t)
	d, err := NewDialer(b.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx)
	assert.Error(t, err)
}
