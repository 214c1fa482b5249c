package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/callcore/internal/protocol"
	"github.com/1ureka/callcore/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 10 * time.Second
)

var ErrNotConnected = errors.New("relay not connected")

// Client is the WebSocket connection to the signaling relay. It implements
// Transport. Run keeps the connection alive; Send fails fast while it is down.
type Client struct {
	url string
	log util.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	handlers  map[string]func([]byte)
	onConnect func()

	writeMu sync.Mutex
}

// NewClient creates a Client for the relay at url, e.g.
//
//	ws://127.0.0.1:8089/ws
func NewClient(url string) *Client {
	return &Client{
		url:      url,
		log:      util.NewLogger("relay-client"),
		handlers: make(map[string]func([]byte)),
	}
}

// OnEvent registers the handler for event, replacing any previous one.
func (c *Client) OnEvent(event string, handler func(payload []byte)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// OnConnect registers fn to run after every successful (re)connection, before
// any inbound frame is read.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes one frame to the relay, guarded by a mutex.
func (c *Client) Send(event string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	var body any
	if len(payload) > 0 {
		body = json.RawMessage(payload)
	}
	data, err := protocol.Encode(event, body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run dials the relay and reads frames until ctx is cancelled, redialing with
// exponential backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := connect(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("dial failed, retrying in %v: %v", backoff, err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		c.mu.Lock()
		c.conn = conn
		hook := c.onConnect
		c.mu.Unlock()
		c.log.Debug("connected to %s", c.url)

		if hook != nil {
			hook()
		}

		err = c.watch(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost: %v", err)
	}
}

// watch is the read loop for one connection.
func (c *Client) watch(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(protocol.MaxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read relay frame: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("dropping undecodable frame: %v", err)
			continue
		}

		c.mu.RLock()
		h := c.handlers[frame.Event]
		c.mu.RUnlock()
		if h != nil {
			h(frame.Payload)
		}
	}
}

// connect dials the given WebSocket URL and returns the connection (private).
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
