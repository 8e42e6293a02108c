package connection

import "context"

// Handler receives the raw body of a frame delivered on a subscription.
type Handler func(payload []byte)

// Subscription is a live topic subscription on a Transport.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Transport is one open messaging connection. Done is closed when the
// connection drops or is closed; Err then reports why.
type Transport interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
