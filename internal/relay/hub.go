// Package relay is a minimal signaling relay. Clients announce themselves with
// a join frame; every other frame is forwarded, untouched, to the connection
// registered for its receiver. Delivery is at-most-once.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/callcore/internal/protocol"
	"github.com/1ureka/callcore/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

var ErrClosed = errors.New("relay: hub closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks joined users and routes frames between them.
type Hub struct {
	log     util.Logger
	metrics *hubMetrics

	mu     sync.RWMutex
	users  map[string]*conn
	conns  map[*conn]struct{}
	closed bool
}

// NewHub creates a Hub whose metrics are registered on reg. A nil reg keeps
// them private.
func NewHub(reg prometheus.Registerer) *Hub {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Hub{
		log:     util.NewLogger("relay"),
		metrics: newHubMetrics(reg),
		users:   make(map[string]*conn),
		conns:   make(map[*conn]struct{}),
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed: %v", err)
		return
	}

	c := newConn(ws)
	if err := h.add(c); err != nil {
		ws.Close()
		return
	}
	h.log.Debug("connection %s opened from %s", c.id, r.RemoteAddr)

	go c.writeLoop()
	h.readLoop(c)

	h.remove(c)
	c.close()
	h.log.Debug("connection %s closed", c.id)
}

// Online reports whether userID has a registered connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// Close drops every connection. ServeWS rejects new ones afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.users = make(map[string]*conn)
	h.conns = make(map[*conn]struct{})
	h.metrics.connections.Set(0)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) readLoop(c *conn) {
	c.ws.SetReadLimit(protocol.MaxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			h.drop("", "malformed")
			h.log.Debug("connection %s sent an undecodable frame: %v", c.id, err)
			continue
		}

		if frame.Event == protocol.EventJoin {
			h.join(c, frame.Payload)
			continue
		}
		h.route(c, frame, data)
	}
}

func (h *Hub) join(c *conn, payload json.RawMessage) {
	var join protocol.JoinPayload
	if err := json.Unmarshal(payload, &join); err != nil || join.UserID == "" {
		h.drop(protocol.EventJoin, "malformed")
		return
	}

	h.mu.Lock()
	if c.user != "" && c.user != join.UserID && h.users[c.user] == c {
		delete(h.users, c.user)
	}
	previous := h.users[join.UserID]
	h.users[join.UserID] = c
	c.user = join.UserID
	h.mu.Unlock()

	if previous != nil && previous != c {
		h.log.Info("user %s rejoined, replacing connection %s", join.UserID, previous.id)
		previous.close()
		return
	}
	h.log.Info("user %s joined on connection %s", join.UserID, c.id)
}

// route forwards the raw frame to its receiver. Frames from connections that
// have not joined, or that claim another sender, are dropped.
func (h *Hub) route(c *conn, frame *protocol.Frame, data []byte) {
	r, err := protocol.PeekRoute(frame.Payload)
	if err != nil {
		h.drop(frame.Event, "malformed")
		return
	}

	h.mu.RLock()
	sender := c.user
	target := h.users[r.Receiver()]
	h.mu.RUnlock()

	switch {
	case sender == "":
		h.drop(frame.Event, "unjoined")
		return
	case r.Sender() != "" && r.Sender() != sender:
		h.drop(frame.Event, "spoofed")
		h.log.Warn("connection %s (%s) claimed sender %s", c.id, sender, r.Sender())
		return
	case r.Receiver() == "":
		h.drop(frame.Event, "unaddressed")
		return
	case target == nil:
		h.drop(frame.Event, "offline")
		h.log.Debug("dropping %s from %s: %s is offline", frame.Event, sender, r.Receiver())
		return
	}

	if !target.enqueue(data) {
		h.drop(frame.Event, "slow")
		h.log.Warn("dropping %s to %s: send buffer full", frame.Event, r.Receiver())
		return
	}
	h.metrics.routed.WithLabelValues(frame.Event).Inc()
}

func (h *Hub) add(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.conns[c] = struct{}{}
	h.metrics.connections.Inc()
	return nil
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	if c.user != "" && h.users[c.user] == c {
		delete(h.users, c.user)
	}
	h.metrics.connections.Dec()
}

func (h *Hub) drop(event, reason string) {
	if event == "" {
		event = "unknown"
	}
	h.metrics.dropped.WithLabelValues(event, reason).Inc()
}

// conn is one client connection. Only writeLoop writes to ws.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	user string // guarded by Hub.mu
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString()[:8],
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the buffer is full or the
// connection is closing.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.ws.Close()
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		// Unblocks ReadMessage when writeLoop has not started or already left.
		_ = c.ws.SetReadDeadline(time.Now())
	})
}
