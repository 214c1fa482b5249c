// Package session is the call state machine. A Manager owns at most one
// non-terminal CallSession and serializes every signal, UI intent, timer and
// engine callback through a single event loop.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/metrics"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

var (
	ErrClosed             = errors.New("session: manager closed")
	ErrNegotiationTimeout = errors.New("session: negotiation timed out")
	ErrConnectionFailed   = errors.New("session: connection failed")
)

// SignalPort is the signaling surface the manager needs.
// *signaling.Adapter implements it.
type SignalPort interface {
	Send(sig signaling.Signal) error
	On(kind signaling.Kind, h signaling.Handler)
}

// Presence receives status changes and answers whether the user is already
// in a call. *presence.Gate implements it.
type Presence interface {
	InCall(ctx context.Context) bool
	OnStatus(s call.Status)
}

// Options configures a Manager.
type Options struct {
	LocalID     string
	LocalName   string
	LocalAvatar string

	RingTimeout        time.Duration
	ICEFailureGrace    time.Duration
	NegotiationTimeout time.Duration

	Engine   negotiation.Engine
	Signals  SignalPort
	Bus      *bus.Bus
	Presence Presence        // optional
	Metrics  metrics.Collector // optional
}

// Manager is the CallSessionManager.
type Manager struct {
	opts     Options
	log      util.Logger
	coord    *negotiation.Coordinator
	bus      *bus.Bus
	presence Presence
	metrics  metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []func()
	closed   bool
	wake     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once

	// snapshot of the current session for readers outside the loop.
	current atomic.Pointer[call.Session]
	// remote party of the current session, read by the candidate fast path.
	remote atomic.Pointer[string]

	afterFunc func(d time.Duration, f func()) (stop func() bool)

	// Everything below is owned by the loop goroutine.
	session     *call.Session
	incoming    *call.IncomingCallOffer
	gen         uint64
	timers      map[timerKind]armedTimer
	timerSeq    uint64
	restartUsed bool
	restarting  bool
}

// New builds a Manager, registers its signal handlers and starts the loop.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:     opts,
		log:      util.NewLogger("session"),
		bus:      opts.Bus,
		presence: opts.Presence,
		metrics:  metrics.OrNop(opts.Metrics),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		timers:   make(map[timerKind]armedTimer),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	if m.bus == nil {
		m.bus = bus.New()
	}
	if m.presence == nil {
		m.presence = noPresence{}
	}

	m.coord = negotiation.NewCoordinator(opts.Engine, opts.Signals, negotiation.Events{
		OnStateChange: func(gen uint64, s webrtc.PeerConnectionState) {
			m.post(func() { m.onPeerState(gen, s) })
		},
		OnTrack: func(gen uint64, t negotiation.TrackInfo) {
			m.post(func() { m.onTrack(gen, t) })
		},
	}, opts.Metrics)

	m.registerHandlers()
	go m.loop()
	return m
}

// Bus returns the bus lifecycle events are published on.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Status returns the current status, Idle when there is no session.
func (m *Manager) Status() call.Status {
	if s := m.current.Load(); s != nil {
		return s.Status
	}
	return call.StatusIdle
}

// Session returns a copy of the current session.
func (m *Manager) Session() (call.Session, bool) {
	if s := m.current.Load(); s != nil {
		return *s, true
	}
	return call.Session{}, false
}

// PlaceCall starts a call to remoteID. It fails with call.ErrInvalidPeer for
// an empty or local id and with call.ErrBusy while a session exists.
func (m *Manager) PlaceCall(remoteID string, kind call.MediaKind) error {
	if remoteID == "" || remoteID == m.opts.LocalID {
		return call.ErrInvalidPeer
	}
	if kind == "" {
		kind = call.MediaAudio
	}
	if !kind.Valid() {
		return errors.New("session: unsupported media kind " + string(kind))
	}

	var err error
	if derr := m.do(func() { err = m.placeCall(remoteID, kind) }); derr != nil {
		return derr
	}
	return err
}

// Accept answers the ringing incoming call. It is a no-op otherwise.
func (m *Manager) Accept() {
	_ = m.do(m.accept)
}

// Reject declines the ringing incoming call. It is a no-op otherwise.
func (m *Manager) Reject() {
	_ = m.do(m.reject)
}

// Hangup ends an outgoing ringing call or an established one. It is a
// no-op otherwise.
func (m *Manager) Hangup() {
	_ = m.do(m.hangup)
}

// SetMuted toggles local audio and video while in a call.
func (m *Manager) SetMuted(audio, video bool) {
	_ = m.do(func() {
		if m.session == nil || !m.session.Status.InCall() {
			m.log.Debug("ignoring mute: not in a call")
			return
		}
		m.coord.SetMuted(audio, video)
	})
}

// Close hangs up any live session, releases media and stops the loop.
// Further intents return ErrClosed or do nothing.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.do(m.shutdown)

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		<-m.loopDone
	})
	return nil
}

// post queues fn for the loop. It never blocks and reports false once the
// manager is closed.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrClosed
	}
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.wake:
			for {
				m.mu.Lock()
				if len(m.queue) == 0 {
					m.mu.Unlock()
					break
				}
				fn := m.queue[0]
				m.queue[0] = nil
				m.queue = m.queue[1:]
				m.mu.Unlock()

				fn()
			}
		case <-m.ctx.Done():
			return
		}
	}
}

type noPresence struct{}

func (noPresence) InCall(context.Context) bool { return false }
func (noPresence) OnStatus(call.Status)        {}
