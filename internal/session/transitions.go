package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
)

// Every function in this file runs on the loop goroutine.

func (m *Manager) placeCall(remoteID string, kind call.MediaKind) error {
	if s := m.session; s != nil && s.Status.Active() {
		return call.ErrBusy
	}

	s := m.newSession(remoteID, call.RoleCaller, kind)
	err := m.send(signaling.CallRequest{
		Envelope:     signaling.Addressed(m.opts.LocalID, remoteID),
		SenderName:   m.opts.LocalName,
		SenderAvatar: m.opts.LocalAvatar,
		MediaKind:    kind,
	})
	if err != nil {
		m.finish(call.StatusFailed, "")
		return fmt.Errorf("send call request: %w", err)
	}

	m.arm(timerRing, m.opts.RingTimeout)
	m.log.With(s.ShortID()).Info("calling %s (%s)", remoteID, kind)
	return nil
}

func (m *Manager) accept() {
	s := m.session
	if s == nil || s.Role != call.RoleCallee || s.Status != call.StatusRinging {
		m.log.Debug("ignoring accept: no ringing incoming call")
		return
	}
	log := m.log.With(s.ShortID())
	m.disarm(timerRing)

	if err := m.coord.AcquireMedia(m.ctx); err != nil {
		log.Error("accept: %v", err)
		m.publishError(err, true)
		// The caller is still ringing; tell it we cannot take the call.
		m.sendReject()
		m.finish(call.StatusFailed, "failed")
		return
	}

	m.setStatus(call.StatusNegotiating)
	m.arm(timerNegotiation, m.opts.NegotiationTimeout)
	m.clearIncoming("accepted")

	env := signaling.Addressed(m.opts.LocalID, s.RemoteUserID)
	if err := m.send(signaling.CallAccept{Envelope: env}); err != nil {
		log.Warn("send call_accept: %v", err)
	}
	// Covers a first offer that was lost or sent before we were listening.
	if err := m.send(signaling.RequestOffer{Envelope: env}); err != nil {
		log.Warn("send request_offer: %v", err)
	}
	log.Info("accepted call from %s", s.RemoteUserID)
}

func (m *Manager) reject() {
	s := m.session
	if s == nil || s.Role != call.RoleCallee || s.Status != call.StatusRinging {
		m.log.Debug("ignoring reject: no ringing incoming call")
		return
	}
	m.sendReject()
	m.finish(call.StatusRejected, "rejected")
}

func (m *Manager) hangup() {
	s := m.session
	if s == nil {
		m.log.Debug("ignoring hangup: no session")
		return
	}
	switch {
	case s.Status.InCall(), s.Status == call.StatusRinging && s.Role == call.RoleCaller:
		m.sendEnd()
		m.finish(call.StatusEnded, "")
	default:
		m.log.Debug("ignoring hangup in %s(%s)", s.Status, s.Role)
	}
}

func (m *Manager) shutdown() {
	s := m.session
	if s != nil {
		if s.Role == call.RoleCallee && s.Status == call.StatusRinging {
			m.sendReject()
		} else {
			m.sendEnd()
		}
		m.finish(call.StatusEnded, "closed")
	}
	m.coord.ReleaseMedia()
}

// handleSignal dispatches every inbound signal except candidates, which
// take the fast path in onCandidate.
func (m *Manager) handleSignal(sig signaling.Signal) {
	if req, ok := sig.(signaling.CallRequest); ok {
		m.onCallRequest(req)
		return
	}

	s := m.session
	if s == nil || sig.From() != s.RemoteUserID {
		m.metrics.SignalDropped(string(sig.Kind()), "stranger")
		m.log.Debug("dropping %s from %s: not the active remote party", sig.Kind(), sig.From())
		return
	}

	switch sig := sig.(type) {
	case signaling.CallAccept:
		m.onCallAccept()
	case signaling.CallReject:
		m.onCallReject()
	case signaling.CallEnd:
		m.onCallEnd()
	case signaling.Offer:
		m.onOffer(sig)
	case signaling.Answer:
		m.onAnswer(sig)
	case signaling.RequestOffer:
		m.onRequestOffer(sig)
	default:
		m.log.Debug("unexpected %s on the loop", sig.Kind())
	}
}

func (m *Manager) onCallRequest(req signaling.CallRequest) {
	from := req.From()
	if from == m.opts.LocalID {
		return
	}

	if s := m.session; s != nil && s.Status.Active() {
		if s.Role == call.RoleCallee && s.RemoteUserID == from {
			m.log.With(s.ShortID()).Debug("ignoring repeated call_request from %s", from)
			return
		}
		m.log.Info("auto-rejecting call from %s: busy", from)
		m.sendRejectTo(from)
		return
	}

	if m.presence.InCall(m.ctx) {
		m.log.Info("auto-rejecting call from %s: in-call flag set", from)
		m.sendRejectTo(from)
		return
	}

	kind := call.MediaKind(req.MediaKind)
	s := m.newSession(from, call.RoleCallee, kind)
	m.incoming = &call.IncomingCallOffer{
		SenderID:     from,
		SenderName:   req.SenderName,
		SenderAvatar: req.SenderAvatar,
		MediaKind:    kind,
		ReceivedAt:   time.Now(),
	}
	m.arm(timerRing, m.opts.RingTimeout)
	publish(m, TopicIncomingCall, *m.incoming)
	m.log.With(s.ShortID()).Info("incoming %s call from %s", kind, from)
}

func (m *Manager) onCallAccept() {
	s := m.session
	if s.Role != call.RoleCaller || s.Status != call.StatusRinging {
		m.log.Debug("ignoring call_accept in %s(%s)", s.Status, s.Role)
		return
	}
	m.disarm(timerRing)
	m.setStatus(call.StatusNegotiating)
	m.arm(timerNegotiation, m.opts.NegotiationTimeout)

	if err := m.coord.StartAsCaller(m.ctx); err != nil {
		m.negotiationError("start as caller", err)
	}
}

func (m *Manager) onCallReject() {
	s := m.session
	if s.Role != call.RoleCaller || s.Status != call.StatusRinging {
		m.log.Debug("ignoring call_reject in %s(%s)", s.Status, s.Role)
		return
	}
	m.finish(call.StatusRejected, "")
}

func (m *Manager) onCallEnd() {
	s := m.session
	switch {
	case s.Status.InCall():
		m.finish(call.StatusEnded, "")
	case s.Status == call.StatusRinging && s.Role == call.RoleCallee:
		m.finish(call.StatusEnded, "cancelled")
	default:
		m.log.Debug("ignoring call_end in %s(%s)", s.Status, s.Role)
	}
}

func (m *Manager) onOffer(sig signaling.Offer) {
	s := m.session
	if s.Role != call.RoleCallee || !s.Status.InCall() {
		m.log.Debug("ignoring offer in %s(%s)", s.Status, s.Role)
		return
	}
	if sig.Restart {
		if s.Status == call.StatusConnected && !m.followRestart() {
			return
		}
		if !m.restarting {
			m.log.Debug("ignoring restart offer: no restart in progress")
			return
		}
	}
	if err := m.coord.HandleOffer(m.ctx, sig); err != nil {
		m.negotiationError("handle offer", err)
	}
}

func (m *Manager) onAnswer(sig signaling.Answer) {
	s := m.session
	if s.Role != call.RoleCaller || s.Status != call.StatusNegotiating {
		m.log.Debug("ignoring answer in %s(%s)", s.Status, s.Role)
		return
	}
	if err := m.coord.HandleAnswer(m.ctx, sig); err != nil {
		m.negotiationError("handle answer", err)
	}
}

func (m *Manager) onRequestOffer(sig signaling.RequestOffer) {
	s := m.session
	if s.Role != call.RoleCaller || !s.Status.InCall() {
		m.log.Debug("ignoring request_offer in %s(%s)", s.Status, s.Role)
		return
	}

	// Outside Connected a restart request is treated as a plain one: a
	// pending offer, restart or not, is re-sent and nothing is restarted.
	if sig.Restart && s.Status == call.StatusConnected {
		if m.restartUsed {
			m.log.Debug("ignoring restart request: restart already used")
			return
		}
		if err := m.restartAsCaller(); err != nil {
			m.log.Warn("restart requested by %s could not start: %v", s.RemoteUserID, err)
		}
		return
	}

	if err := m.coord.HandleRequestOffer(m.ctx); err != nil {
		m.negotiationError("handle request_offer", err)
	}
}

// onCandidate runs on the transport goroutine, not the loop: candidates must
// reach the buffer even while a description step is in flight.
func (m *Manager) onCandidate(sig signaling.Candidate) {
	remote := m.remote.Load()
	if remote == nil || *remote != sig.From() {
		m.metrics.SignalDropped(string(sig.Kind()), "stranger")
		m.log.Debug("dropping candidate from %s: not the active remote party", sig.From())
		return
	}
	if m.coord.HandleCandidate(sig.Candidate) {
		if s := m.current.Load(); s != nil {
			gen := s.Generation
			m.post(func() { m.onRemoteRestart(gen) })
		}
	}
}

// negotiationError decides what a failed negotiation step means. The caller
// survives media errors and retries on the next request_offer; everything
// else ends the session.
func (m *Manager) negotiationError(step string, err error) {
	if errors.Is(err, negotiation.ErrStale) {
		return
	}
	s := m.session
	log := m.log.With(s.ShortID())

	if s.Role == call.RoleCaller && s.Status == call.StatusNegotiating && !m.coord.MediaHeld() {
		log.Warn("%s: %v (waiting for request_offer)", step, err)
		m.publishError(err, true)
		return
	}

	log.Error("%s: %v", step, err)
	m.fail(err)
}

// fail moves the session to Failed, telling the remote side.
func (m *Manager) fail(err error) {
	m.publishError(err, true)
	m.sendEnd()
	m.finish(call.StatusFailed, "failed")
}

func (m *Manager) newSession(remoteID string, role call.Role, kind call.MediaKind) *call.Session {
	m.gen++
	s := call.NewSession(m.gen, m.opts.LocalID, remoteID, role, kind)
	m.session = s
	m.restartUsed = false
	m.restarting = false

	remote := remoteID
	m.remote.Store(&remote)

	m.coord.Begin(negotiation.Params{
		Generation:  s.Generation,
		SessionID:   s.ID,
		LocalID:     m.opts.LocalID,
		RemoteID:    remoteID,
		Role:        role,
		MediaKind:   kind,
		LocalName:   m.opts.LocalName,
		LocalAvatar: m.opts.LocalAvatar,
	})

	m.metrics.CallStarted(role.String())
	m.publishStatus(s, call.StatusIdle)
	return s
}

// finish performs the terminal transition and the automatic return to
// Idle. reason, when non-empty, withdraws a pending incoming call with it.
func (m *Manager) finish(to call.Status, reason string) {
	s := m.session
	if s == nil {
		return
	}
	log := m.log.With(s.ShortID())

	m.disarmAll()
	m.remote.Store(nil)
	m.coord.Reset()
	m.coord.ReleaseMedia()

	s.EndedAt = time.Now()
	m.setStatus(to)
	m.metrics.CallFinished(to.String())
	if m.incoming != nil {
		if reason == "" {
			reason = to.String()
		}
		m.clearIncoming(reason)
	}
	log.Info("call with %s %s after %s", s.RemoteUserID, to, s.Duration().Round(time.Millisecond))

	m.session = nil
	m.restartUsed = false
	m.restarting = false

	idle := *s
	idle.Status = call.StatusIdle
	m.current.Store(nil)
	m.publishStatus(&idle, to)
}

func (m *Manager) setStatus(to call.Status) {
	s := m.session
	prev := s.Status
	if prev == to {
		return
	}
	s.Status = to
	m.publishStatus(s, prev)
}

// publishStatus snapshots s and reports it.
func (m *Manager) publishStatus(s *call.Session, prev call.Status) {
	if s.Status != call.StatusIdle {
		snap := *s
		m.current.Store(&snap)
	}
	m.presence.OnStatus(s.Status)
	m.metrics.StatusChanged(s.Status.String())
	publish(m, TopicStatus, StatusChanged{
		SessionID:  s.ID,
		Generation: s.Generation,
		RemoteID:   s.RemoteUserID,
		Role:       s.Role,
		Previous:   prev,
		Status:     s.Status,
	})
	m.log.With(s.ShortID()).Debug("%s -> %s", prev, s.Status)
}

func (m *Manager) clearIncoming(reason string) {
	if m.incoming == nil {
		return
	}
	publish(m, TopicIncomingCleared, IncomingCallCleared{SenderID: m.incoming.SenderID, Reason: reason})
	m.incoming = nil
}

func (m *Manager) publishError(err error, retryable bool) {
	id := ""
	if m.session != nil {
		id = m.session.ID
	}
	publish(m, TopicError, CallError{SessionID: id, Err: err, Retryable: retryable})
}

func (m *Manager) send(sig signaling.Signal) error {
	return m.opts.Signals.Send(sig)
}

func (m *Manager) sendEnd() {
	if err := m.send(signaling.CallEnd{Envelope: signaling.Addressed(m.opts.LocalID, m.session.RemoteUserID)}); err != nil {
		m.log.Warn("send call_end: %v", err)
	}
}

func (m *Manager) sendReject() {
	m.sendRejectTo(m.session.RemoteUserID)
}

func (m *Manager) sendRejectTo(to string) {
	if err := m.send(signaling.CallReject{Envelope: signaling.Addressed(m.opts.LocalID, to)}); err != nil {
		m.log.Warn("send call_reject to %s: %v", to, err)
	}
}

func (m *Manager) registerHandlers() {
	for _, kind := range signaling.Kinds {
		if kind == signaling.KindCandidate {
			continue
		}
		m.opts.Signals.On(kind, func(sig signaling.Signal) {
			m.post(func() { m.handleSignal(sig) })
		})
	}
	m.opts.Signals.On(signaling.KindCandidate, func(sig signaling.Signal) {
		if c, ok := sig.(signaling.Candidate); ok {
			m.onCandidate(c)
		}
	})
}

func publish[T any](m *Manager, t bus.Topic[T], v T) {
	bus.Publish(m.bus, t, v)
}
