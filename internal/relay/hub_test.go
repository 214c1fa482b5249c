package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/1ureka/callcore/internal/protocol"
)

func startRelay(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	hub := NewHub(reg)
	srv := httptest.NewServer(NewRouter(hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func join(t *testing.T, hub *Hub, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, protocol.EventJoin, protocol.JoinPayload{UserID: userID})
	waitFor(t, func() bool { return hub.Online(userID) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

type route struct {
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Note       string `json:"note,omitempty"`
}

func TestHubRoutesByReceiver(t *testing.T) {
	hub, _, url := startRelay(t)
	a, b := dial(t, url), dial(t, url)
	join(t, hub, a, "1")
	join(t, hub, b, "2")

	send(t, a, "call_request", route{SenderID: "1", ReceiverID: "2", Note: "hi"})
	frame := read(t, b)
	if frame.Event != "call_request" || !strings.Contains(string(frame.Payload), `"note":"hi"`) {
		t.Fatalf("b got %s %s", frame.Event, frame.Payload)
	}

	// legacy from/to addressing
	send(t, b, "call_accept", route{From: "2", To: "1"})
	if frame := read(t, a); frame.Event != "call_accept" {
		t.Fatalf("a got %s", frame.Event)
	}

	if got := testutil.ToFloat64(hub.metrics.routed.WithLabelValues("call_request")); got != 1 {
		t.Errorf("routed call_request = %v, want 1", got)
	}
}

func TestHubDropsUndeliverable(t *testing.T) {
	hub, _, url := startRelay(t)
	a, b := dial(t, url), dial(t, url)
	join(t, hub, b, "2")

	// not joined yet
	send(t, a, "call_request", route{SenderID: "1", ReceiverID: "2", Note: "unjoined"})
	join(t, hub, a, "1")

	send(t, a, "call_request", route{SenderID: "1", ReceiverID: "9", Note: "offline"})
	send(t, a, "call_request", route{SenderID: "7", ReceiverID: "2", Note: "spoofed"})
	send(t, a, "call_request", route{SenderID: "1", Note: "unaddressed"})
	send(t, a, "call_request", route{SenderID: "1", ReceiverID: "2", Note: "ok"})

	frame := read(t, b)
	if !strings.Contains(string(frame.Payload), `"note":"ok"`) {
		t.Fatalf("b got %s, want only the deliverable frame", frame.Payload)
	}

	for _, reason := range []string{"unjoined", "offline", "spoofed", "unaddressed"} {
		if got := testutil.ToFloat64(hub.metrics.dropped.WithLabelValues("call_request", reason)); got != 1 {
			t.Errorf("dropped[%s] = %v, want 1", reason, got)
		}
	}
}

func TestHubRejoinReplacesConnection(t *testing.T) {
	hub, _, url := startRelay(t)
	a, old, fresh := dial(t, url), dial(t, url), dial(t, url)
	join(t, hub, a, "1")
	join(t, hub, old, "2")

	send(t, fresh, protocol.EventJoin, protocol.JoinPayload{UserID: "2"})

	_ = old.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Fatal("replaced connection still open")
	}

	send(t, a, "call_end", route{SenderID: "1", ReceiverID: "2"})
	if frame := read(t, fresh); frame.Event != "call_end" {
		t.Fatalf("fresh got %s", frame.Event)
	}
	if !hub.Online("2") {
		t.Fatal("user 2 offline after rejoin")
	}
}

func TestHubForgetsClosedConnection(t *testing.T) {
	hub, _, url := startRelay(t)
	a := dial(t, url)
	join(t, hub, a, "1")

	a.Close()
	waitFor(t, func() bool { return !hub.Online("1") })
	waitFor(t, func() bool { return testutil.ToFloat64(hub.metrics.connections) == 0 })
}

func TestRouterEndpoints(t *testing.T) {
	hub, srv, url := startRelay(t)
	join(t, hub, dial(t, url), "1")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "callcore_relay_connections 1") {
		t.Fatalf("metrics missing connection gauge:\n%s", body)
	}
}

func TestHubClose(t *testing.T) {
	hub, _, url := startRelay(t)
	a := dial(t, url)
	join(t, hub, a, "1")

	hub.Close()
	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("connection still open after Close")
	}

	late := dial(t, url)
	_ = late.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("hub accepted a connection after Close")
	}
	if hub.Online("1") {
		t.Fatal("user still online after Close")
	}
}
