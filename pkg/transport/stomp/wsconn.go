package stomp

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to the byte stream the STOMP codec
// expects. Each Write becomes one text message; reads run across message
// boundaries. done is closed on the first read failure or on Close.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader

	wmu sync.Mutex

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.fail(err)
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

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		c.fail(err)
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.fail(nil)
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
