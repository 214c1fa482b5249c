package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation/negotiationtest"
	"github.com/1ureka/callcore/internal/signaling"
)

const (
	ringTimeout        = 1 * time.Second
	negotiationTimeout = 2 * time.Second
	iceGrace           = 3 * time.Second
)

var (
	_ SignalPort = (*fakeSignals)(nil)
	_ SignalPort = (*signaling.Adapter)(nil)
	_ Presence   = (*fakePresence)(nil)
)

// fakeSignals records outbound signals and, when linked, delivers them to
// the other side's handlers.
type fakeSignals struct {
	mu       sync.Mutex
	handlers map[signaling.Kind]signaling.Handler
	sent     []signaling.Signal
	peer     *fakeSignals
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{handlers: make(map[signaling.Kind]signaling.Handler)}
}

func link(a, b *fakeSignals) {
	a.peer, b.peer = b, a
}

func (f *fakeSignals) Send(sig signaling.Signal) error {
	f.mu.Lock()
	f.sent = append(f.sent, sig)
	peer := f.peer
	f.mu.Unlock()

	if peer != nil {
		peer.deliver(sig)
	}
	return nil
}

func (f *fakeSignals) On(kind signaling.Kind, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

func (f *fakeSignals) deliver(sig signaling.Signal) {
	f.mu.Lock()
	h := f.handlers[sig.Kind()]
	f.mu.Unlock()
	if h != nil {
		h(sig)
	}
}

func (f *fakeSignals) count(kind signaling.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Kind() == kind {
			n++
		}
	}
	return n
}

func (f *fakeSignals) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSignals) last(kind signaling.Kind) signaling.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind() == kind {
			return f.sent[i]
		}
	}
	return nil
}

type fakePresence struct {
	mu       sync.Mutex
	inCall   bool
	statuses []call.Status
}

func (p *fakePresence) InCall(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inCall
}

func (p *fakePresence) OnStatus(s call.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, s)
}

// fakeClock replaces time.AfterFunc; timers fire only when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) func() bool {
	t := &fakeTimer{d: d, f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

// fire runs the newest active timer of duration d.
func (c *fakeClock) fire(d time.Duration) bool {
	c.mu.Lock()
	var target *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if t := c.timers[i]; t.d == d && !t.stopped && !t.fired {
			target = t
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.f()
	return true
}

// fireStale runs the newest timer of duration d even if it was stopped,
// as a timer racing with its own Stop would.
func (c *fakeClock) fireStale(d time.Duration) bool {
	c.mu.Lock()
	var target *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if c.timers[i].d == d {
			target = c.timers[i]
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return false
	}
	target.f()
	return true
}

type harness struct {
	t        *testing.T
	m        *Manager
	engine   *negotiationtest.Engine
	signals  *fakeSignals
	presence *fakePresence
	clock    *fakeClock

	statusCh   <-chan StatusChanged
	incomingCh <-chan call.IncomingCallOffer
	clearedCh  <-chan IncomingCallCleared
	errorCh    <-chan CallError
	trackCh    <-chan RemoteTrack

	statuses []call.Status
}

func newHarness(t *testing.T, localID string) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		engine:   negotiationtest.NewEngine(),
		signals:  newFakeSignals(),
		presence: &fakePresence{},
		clock:    &fakeClock{},
	}
	b := bus.New()
	h.statusCh, _ = bus.Subscribe(b, TopicStatus, 256)
	h.incomingCh, _ = bus.Subscribe(b, TopicIncomingCall, 16)
	h.clearedCh, _ = bus.Subscribe(b, TopicIncomingCleared, 16)
	h.errorCh, _ = bus.Subscribe(b, TopicError, 16)
	h.trackCh, _ = bus.Subscribe(b, TopicRemoteTrack, 16)

	h.m = New(Options{
		LocalID:            localID,
		LocalName:          "user-" + localID,
		RingTimeout:        ringTimeout,
		ICEFailureGrace:    iceGrace,
		NegotiationTimeout: negotiationTimeout,
		Engine:             h.engine,
		Signals:            h.signals,
		Bus:                b,
		Presence:           h.presence,
	})
	h.m.afterFunc = h.clock.afterFunc
	t.Cleanup(func() {
		h.m.Close()
		b.Close()
	})
	return h
}

// settle waits until the loop has nothing queued.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		empty := false
		if err := h.m.do(func() {
			h.m.mu.Lock()
			empty = len(h.m.queue) == 0
			h.m.mu.Unlock()
		}); err != nil {
			return
		}
		if empty {
			return
		}
	}
	h.t.Fatal("event loop did not settle")
}

func settleAll(hs ...*harness) {
	for i := 0; i < 5; i++ {
		for _, h := range hs {
			h.settle()
		}
	}
}

func (h *harness) deliver(sig signaling.Signal) {
	h.t.Helper()
	h.signals.deliver(sig)
	h.settle()
}

// drainStatuses appends every published status to h.statuses and returns it.
func (h *harness) drainStatuses() []call.Status {
	for {
		select {
		case ev := <-h.statusCh:
			h.statuses = append(h.statuses, ev.Status)
		default:
			return h.statuses
		}
	}
}

func (h *harness) expectStatuses(want ...call.Status) {
	h.t.Helper()
	got := h.drainStatuses()
	if len(got) != len(want) {
		h.t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			h.t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
}

func (h *harness) expectStatus(want call.Status) {
	h.t.Helper()
	if got := h.m.Status(); got != want {
		h.t.Fatalf("Status() = %s, want %s", got, want)
	}
}

func (h *harness) peerState(s webrtc.PeerConnectionState) {
	h.t.Helper()
	p := h.engine.LastPeer()
	if p == nil {
		h.t.Fatal("no peer connection")
	}
	p.SetState(s)
	h.settle()
}

func env(from, to string) signaling.Envelope {
	return signaling.Addressed(from, to)
}

func sdp(t webrtc.SDPType, body string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: "v=0 " + body}
}

// described returns a parseable description carrying ICE username
// fragment ufrag.
func described(t webrtc.SDPType, ufrag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: t,
		SDP:  "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\na=ice-ufrag:" + ufrag + "\r\n",
	}
}

func tagged(n int, ufrag string) webrtc.ICECandidateInit {
	c := candidate(n)
	c.UsernameFragment = &ufrag
	return c
}

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+n)) + " 1 udp 1 10.9.9.9 7000 typ host"}
}

// Scenario builders. Local user "1" talks to remote user "2" unless noted.

func (h *harness) ringingCaller() {
	h.t.Helper()
	if err := h.m.PlaceCall("2", call.MediaAudio); err != nil {
		h.t.Fatalf("PlaceCall() error = %v", err)
	}
}

func (h *harness) negotiatingCaller() {
	h.t.Helper()
	h.ringingCaller()
	h.deliver(signaling.CallAccept{Envelope: env("2", "1")})
}

func (h *harness) connectedCaller() {
	h.t.Helper()
	h.negotiatingCaller()
	h.deliver(signaling.Answer{Envelope: env("2", "1"), Answer: sdp(webrtc.SDPTypeAnswer, "answer")})
	if !h.engine.AutoConnect {
		h.peerState(webrtc.PeerConnectionStateConnected)
	}
	h.expectStatus(call.StatusConnected)
}

func (h *harness) ringingCallee() {
	h.t.Helper()
	h.deliver(signaling.CallRequest{Envelope: env("2", "1"), SenderName: "Bob", MediaKind: "audio"})
}

func (h *harness) negotiatingCallee() {
	h.t.Helper()
	h.ringingCallee()
	h.m.Accept()
}

func (h *harness) connectedCallee() {
	h.t.Helper()
	h.negotiatingCallee()
	h.deliver(signaling.Offer{Envelope: env("2", "1"), Offer: sdp(webrtc.SDPTypeOffer, "offer"), CallerID: "2"})
	if !h.engine.AutoConnect {
		h.peerState(webrtc.PeerConnectionStateConnected)
	}
	h.expectStatus(call.StatusConnected)
}
