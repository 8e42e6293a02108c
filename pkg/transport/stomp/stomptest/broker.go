// Package stomptest provides an in-memory STOMP 1.2 broker served over a
// websocket, for testing clients of pkg/transport/stomp.
package stomptest

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// RouteFunc maps a SEND frame to the destinations its MESSAGE copies go to.
type RouteFunc func(destination string, body []byte) []Delivery

// Delivery is one MESSAGE the broker emits for a SEND.
type Delivery struct {
	Destination string
	Body        []byte
}

// Echo delivers every SEND to subscribers of the same destination.
func Echo(destination string, body []byte) []Delivery {
	return []Delivery{{Destination: destination, Body: body}}
}

type Broker struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	route RouteFunc
	subs  map[*conn]map[string]string // per connection: subscription id -> destination
	sends []*frame.Frame
	conns []*conn
	msgID int
}

// NewBroker starts a broker. URL is its ws:// endpoint.
func NewBroker(route RouteFunc) *Broker {
	if route == nil {
		route = Echo
	}
	b := &Broker{
		route:    route,
		upgrader: websocket.Upgrader{Subprotocols: []string{"v12.stomp"}},
		subs:     make(map[*conn]map[string]string),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/websocket"
	return b
}

func (b *Broker) Close() {
	b.DropAll()
	b.srv.Close()
}

// Subscriptions lists the destinations currently subscribed, across
// connections.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, subs := range b.subs {
		for _, d := range subs {
			out = append(out, d)
		}
	}
	return out
}

// Sends returns the SEND frames received so far.
func (b *Broker) Sends() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*frame.Frame, len(b.sends))
	copy(out, b.sends)
	return out
}

// DropAll closes every client connection without a DISCONNECT exchange.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	c.writer = frame.NewWriter(c)

	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.subs[c] = make(map[string]string)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	reader := frame.NewReader(c)
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			c.write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0",
				frame.Session, "s-1"))
		case frame.SUBSCRIBE:
			b.mu.Lock()
			b.subs[c][f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			b.mu.Unlock()
			c.receipt(f)
		case frame.UNSUBSCRIBE:
			b.mu.Lock()
			delete(b.subs[c], f.Header.Get(frame.Id))
			b.mu.Unlock()
			c.receipt(f)
		case frame.SEND:
			b.mu.Lock()
			b.sends = append(b.sends, f)
			b.mu.Unlock()
			for _, d := range b.route(f.Header.Get(frame.Destination), f.Body) {
				b.deliver(d)
			}
			c.receipt(f)
		case frame.DISCONNECT:
			c.receipt(f)
			return
		}
	}
}

func (b *Broker) deliver(d Delivery) {
	type target struct {
		c  *conn
		id string
	}
	b.mu.Lock()
	var targets []target
	for c, subs := range b.subs {
		for id, dest := range subs {
			if dest == d.Destination {
				targets = append(targets, target{c, id})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.mu.Lock()
		b.msgID++
		id := "m-" + strconv.Itoa(b.msgID)
		b.mu.Unlock()

		msg := frame.New(frame.MESSAGE,
			frame.Destination, d.Destination,
			frame.Subscription, t.id,
			frame.MessageId, id,
			frame.ContentType, "application/json")
		msg.Body = d.Body
		t.c.write(msg)
	}
}

// conn is a websocket carrying one STOMP frame per text message.
type conn struct {
	ws     *websocket.Conn
	reader io.Reader

	wmu    sync.Mutex
	writer *frame.Writer
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) write(f *frame.Frame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.writer.Write(f)
}

func (c *conn) receipt(f *frame.Frame) {
	if id := f.Header.Get(frame.Receipt); id != "" {
		c.write(frame.New(frame.RECEIPT, frame.ReceiptId, id))
	}
}
