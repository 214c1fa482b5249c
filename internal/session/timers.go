package session

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
)

var errRestartUnavailable = errors.New("no negotiated session to restart")

type timerKind uint8

const (
	timerRing timerKind = iota + 1
	timerNegotiation
	// timerDisconnect waits for a disconnected connection to recover.
	timerDisconnect
	// timerRestart bounds an ICE restart.
	timerRestart
)

func (k timerKind) String() string {
	switch k {
	case timerRing:
		return "ring"
	case timerNegotiation:
		return "negotiation"
	case timerDisconnect:
		return "disconnect"
	case timerRestart:
		return "restart"
	default:
		return "unknown"
	}
}

type armedTimer struct {
	seq  uint64
	stop func() bool
}

// arm (re)starts the timer of kind for the current session. Expiry is
// delivered through the loop and ignored if the timer was disarmed or
// re-armed in the meantime.
func (m *Manager) arm(kind timerKind, d time.Duration) {
	m.disarm(kind)
	if d <= 0 {
		return
	}
	m.timerSeq++
	seq, gen := m.timerSeq, m.gen
	stop := m.afterFunc(d, func() {
		m.post(func() { m.onTimer(kind, seq, gen) })
	})
	m.timers[kind] = armedTimer{seq: seq, stop: stop}
}

func (m *Manager) disarm(kind timerKind) {
	if t, ok := m.timers[kind]; ok {
		t.stop()
		delete(m.timers, kind)
	}
}

func (m *Manager) disarmAll() {
	for kind := range m.timers {
		m.disarm(kind)
	}
}

func (m *Manager) armed(kind timerKind) bool {
	_, ok := m.timers[kind]
	return ok
}

func (m *Manager) onTimer(kind timerKind, seq, gen uint64) {
	t, ok := m.timers[kind]
	s := m.session
	if !ok || t.seq != seq || s == nil || s.Generation != gen {
		return
	}
	delete(m.timers, kind)
	log := m.log.With(s.ShortID())

	switch kind {
	case timerRing:
		if s.Status != call.StatusRinging {
			return
		}
		if s.Role == call.RoleCaller {
			log.Info("no answer from %s", s.RemoteUserID)
			m.sendEnd()
			m.finish(call.StatusFailed, "")
			return
		}
		log.Info("missed call from %s", s.RemoteUserID)
		m.sendReject()
		m.finish(call.StatusRejected, "timeout")

	case timerNegotiation:
		if s.Status == call.StatusNegotiating && !m.restarting {
			log.Warn("negotiation did not complete")
			m.fail(ErrNegotiationTimeout)
		}

	case timerDisconnect:
		if s.Status == call.StatusConnected {
			log.Warn("connection did not recover")
			m.iceFailure()
		}

	case timerRestart:
		if s.Status == call.StatusNegotiating && m.restarting {
			log.Warn("ICE restart did not reconnect")
			m.fail(ErrConnectionFailed)
		}
	}
}

func (m *Manager) onPeerState(gen uint64, state webrtc.PeerConnectionState) {
	s := m.session
	if s == nil || s.Generation != gen {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.disarm(timerDisconnect)
		if s.Status != call.StatusNegotiating {
			return
		}
		m.disarm(timerNegotiation)
		m.disarm(timerRestart)
		m.restarting = false
		m.setStatus(call.StatusConnected)

	case webrtc.PeerConnectionStateDisconnected:
		if s.Status == call.StatusConnected && !m.armed(timerDisconnect) {
			m.arm(timerDisconnect, m.opts.ICEFailureGrace)
		}

	case webrtc.PeerConnectionStateFailed:
		if s.Status.InCall() {
			m.iceFailure()
		}
	}
}

func (m *Manager) onTrack(gen uint64, t negotiation.TrackInfo) {
	s := m.session
	if s == nil || s.Generation != gen {
		return
	}
	publish(m, TopicRemoteTrack, RemoteTrack{SessionID: s.ID, Track: t})
}

// iceFailure spends the session's single ICE restart, or fails the session
// when it is gone or cannot be started.
func (m *Manager) iceFailure() {
	s := m.session
	m.disarm(timerDisconnect)

	if m.restartUsed || s.Status != call.StatusConnected {
		m.fail(ErrConnectionFailed)
		return
	}

	if s.Role == call.RoleCaller {
		if err := m.restartAsCaller(); err != nil {
			m.log.With(s.ShortID()).Warn("ICE restart: %v", err)
			m.fail(ErrConnectionFailed)
		}
		return
	}

	m.restartUsed = true
	if !m.coord.PrepareRestart() {
		m.fail(ErrConnectionFailed)
		return
	}
	if err := m.send(signaling.RequestOffer{
		Envelope: signaling.Addressed(m.opts.LocalID, s.RemoteUserID),
		Restart:  true,
	}); err != nil {
		m.fail(ErrConnectionFailed)
		return
	}
	m.enterRestart()
}

// restartAsCaller spends the session's restart on an ICE-restart offer. Every
// caller-side restart goes through here.
func (m *Manager) restartAsCaller() error {
	m.restartUsed = true
	ok, err := m.coord.RestartICE(m.ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errRestartUnavailable
	}
	m.enterRestart()
	return nil
}

// followRestart moves a connected callee into a restart the caller began.
// It reports false when the session's restart is already spent.
func (m *Manager) followRestart() bool {
	if m.restartUsed {
		m.log.Debug("ignoring remote ICE restart: restart already used")
		return false
	}
	m.restartUsed = true
	if !m.coord.PrepareRestart() {
		m.log.Debug("ignoring remote ICE restart: nothing negotiated")
		return false
	}
	m.enterRestart()
	return true
}

// onRemoteRestart runs when a candidate of a new ICE round shows the caller
// restarted before its restart offer arrived.
func (m *Manager) onRemoteRestart(gen uint64) {
	s := m.session
	if s == nil || s.Generation != gen || s.Role != call.RoleCallee || s.Status != call.StatusConnected {
		return
	}
	m.followRestart()
}

func (m *Manager) enterRestart() {
	m.restarting = true
	m.disarm(timerDisconnect)
	m.setStatus(call.StatusNegotiating)
	m.arm(timerRestart, m.opts.ICEFailureGrace)
	m.log.With(m.session.ShortID()).Info("attempting ICE restart")
}
