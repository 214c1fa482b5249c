package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/callcore/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startRelayStub starts a WebSocket server that hands every accepted
// connection to the test through the returned channel.
func startRelayStub(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func waitConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func TestClientSendReceiveReconnect(t *testing.T) {
	url, conns := startRelayStub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(url)

	connected := make(chan struct{}, 4)
	c.OnConnect(func() { connected <- struct{}{} })

	received := make(chan string, 4)
	c.OnEvent("call_accept", func(payload []byte) { received <- string(payload) })

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	server := waitConn(t, conns)
	<-connected

	// client -> relay
	if err := c.Send("call_end", []byte(`{"from":"1","to":"7"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil || frame.Event != "call_end" {
		t.Fatalf("server got %s (%v)", data, err)
	}

	// relay -> client
	out, _ := protocol.Encode("call_accept", map[string]string{"senderId": "7", "receiverId": "1"})
	if err := server.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-received:
		if !strings.Contains(p, `"senderId":"7"`) {
			t.Fatalf("payload = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	// Dropping the connection triggers a redial and a second OnConnect.
	server.Close()
	waitConn(t, conns)
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect not invoked after reconnect")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if c.Connected() {
		t.Fatal("client still reports connected")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")
	if err := c.Send("call_end", nil); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
