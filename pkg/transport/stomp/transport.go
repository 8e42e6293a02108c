// Package stomp implements connection.Dialer with STOMP 1.2 framing over a
// WebSocket, the protocol spoken by the chat server's /ws endpoint.
package stomp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/chatsync/pkg/connection"
	"github.com/tinyland-inc/chatsync/pkg/logger"
)

const (
	disconnectTimeout  = 2 * time.Second
	unsubscribeTimeout = 2 * time.Second
)

type Option func(*Dialer)

// WithHeartBeat negotiates STOMP heart-beats in both directions.
func WithHeartBeat(d time.Duration) Option {
	return func(dl *Dialer) {
		dl.heartBeat = d
	}
}

// WithLogin sends login and passcode headers on CONNECT.
func WithLogin(login, passcode string) Option {
	return func(dl *Dialer) {
		dl.login = login
		dl.passcode = passcode
	}
}

// WithReceipts makes every publish wait for the broker's RECEIPT.
func WithReceipts(enabled bool) Option {
	return func(dl *Dialer) {
		dl.receipts = enabled
	}
}

// WithHeader adds a header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(dl *Dialer) {
		dl.header.Add(key, value)
	}
}

type Dialer struct {
	url       string
	host      string
	login     string
	passcode  string
	heartBeat time.Duration
	receipts  bool
	header    http.Header
	ws        *websocket.Dialer
}

func NewDialer(rawURL string, opts ...Option) (*Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url must use ws or wss, got %q", u.Scheme)
	}
	d := &Dialer{
		url:    rawURL,
		host:   u.Hostname(),
		header: http.Header{},
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dial opens the websocket and performs the STOMP CONNECT handshake. ctx
// bounds both steps.
func (d *Dialer) Dial(ctx context.Context) (connection.Transport, error) {
	ws, _, err := d.ws.DialContext(ctx, d.url, d.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	rwc := newWSConn(ws)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(d.host),
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.HeartBeat(d.heartBeat, d.heartBeat),
	}
	if d.login != "" {
		opts = append(opts, stomp.ConnOpt.Login(d.login, d.passcode))
	}

	// stomp.Connect has no context; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	conn, err := stomp.Connect(rwc, opts...)
	if !stop() {
		if err == nil {
			_ = rwc.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	logger.InfoCF("stomp", "Connected", map[string]any{
		"url":     d.url,
		"version": string(conn.Version()),
		"session": conn.Session(),
	})
	return &Transport{conn: conn, ws: rwc, receipts: d.receipts}, nil
}

type Transport struct {
	conn     *stomp.Conn
	ws       *wsConn
	receipts bool
}

func (t *Transport) Subscribe(topic string, h connection.Handler) (connection.Subscription, error) {
	sub, err := t.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				logger.DebugCF("stomp", "Subscription ended", map[string]any{
					"topic": topic,
					"error": msg.Err.Error(),
				})
				return
			}
			h(msg.Body)
		}
	}()
	return &subscription{sub: sub}, nil
}

// Publish sends payload as application/json. With receipts enabled it
// waits for the broker to acknowledge, bounded by ctx.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.ws.closed() {
		return t.closedErr()
	}

	errCh := make(chan error, 1)
	go func() {
		if t.receipts {
			errCh <- t.conn.Send(topic, "application/json", payload, stomp.SendOpt.Receipt)
			return
		}
		errCh <- t.conn.Send(topic, "application/json", payload)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ws.done:
		return t.closedErr()
	}
}

func (t *Transport) closedErr() error {
	if err := t.ws.Err(); err != nil {
		return err
	}
	return stomp.ErrAlreadyClosed
}

func (t *Transport) Done() <-chan struct{} { return t.ws.done }

func (t *Transport) Err() error { return t.ws.Err() }

// Close sends DISCONNECT when the socket is still up and closes it.
func (t *Transport) Close() error {
	if !t.ws.closed() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = t.conn.Disconnect()
		}()
		select {
		case <-done:
		case <-time.After(disconnectTimeout):
		}
	}
	return t.ws.Close()
}

type subscription struct {
	sub *stomp.Subscription
}

func (s *subscription) Topic() string { return s.sub.Destination() }

// Unsubscribe sends UNSUBSCRIBE. go-stomp waits for the broker's RECEIPT;
// brokers that never send one are given unsubscribeTimeout.
func (s *subscription) Unsubscribe() error {
	if !s.sub.Active() {
		return stomp.ErrCompletedSubscription
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.sub.Unsubscribe() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(unsubscribeTimeout):
		logger.WarnCF("stomp", "No receipt for unsubscribe", map[string]any{"topic": s.Topic()})
		return nil
	}
}
