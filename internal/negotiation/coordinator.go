// Package negotiation drives the offer/answer/candidate exchange for one call
// session at a time. It owns the peer connection, buffers remote candidates
// that arrive before the remote description and applies them in arrival
// order once it is set.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/metrics"
	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

var (
	// ErrStale is returned when the session an operation started for was
	// reset or replaced while it ran.
	ErrStale = errors.New("negotiation: session is no longer current")
	// ErrNoPeer is returned by operations that need a peer connection
	// before one exists.
	ErrNoPeer = errors.New("negotiation: no peer connection")
)

// Emitter delivers outbound signals. *signaling.Adapter implements it.
type Emitter interface {
	Send(sig signaling.Signal) error
}

// Events reports engine activity for the session identified by generation.
type Events struct {
	OnStateChange func(gen uint64, state webrtc.PeerConnectionState)
	OnTrack       func(gen uint64, track TrackInfo)
}

// Params describes the session a coordinator is armed for.
type Params struct {
	Generation uint64
	SessionID  string
	LocalID    string
	RemoteID   string
	Role       call.Role
	MediaKind  call.MediaKind
	// LocalName and LocalAvatar travel with our offers as the caller profile.
	LocalName   string
	LocalAvatar string
}

// Coordinator negotiates one session at a time. It is dormant until Begin
// and again after Reset; while dormant every inbound signal is dropped.
//
// opMu serializes offer, answer and restart handling. mu guards the fields
// below it and is never held while calling into the engine, so candidate
// delivery never waits on a slow description step.
type Coordinator struct {
	engine  Engine
	out     Emitter
	events  Events
	metrics metrics.Collector

	opMu sync.Mutex

	mu            sync.Mutex
	active        bool
	params        Params
	log           util.Logger
	state         State
	buffer        CandidateBuffer
	peer          Peer
	pendingOffer  webrtc.SessionDescription
	pendingICE    bool // pendingOffer restarts ICE
	offersApplied int
	restartsLeft  int
	mediaHeld     bool
	// remoteUfrag is the ICE username fragment of the applied remote
	// description; staleUfrags those of descriptions it replaced.
	remoteUfrag string
	staleUfrags []string
}

// NewCoordinator returns a dormant coordinator. m may be nil.
func NewCoordinator(engine Engine, out Emitter, events Events, m metrics.Collector) *Coordinator {
	return &Coordinator{
		engine:  engine,
		out:     out,
		events:  events,
		metrics: metrics.OrNop(m),
		log:     util.NewLogger("negotiation"),
	}
}

// Begin arms the coordinator for a new session, discarding whatever the
// previous one left behind.
func (c *Coordinator) Begin(p Params) {
	c.Reset()

	c.mu.Lock()
	c.active = true
	c.params = p
	c.log = util.NewLogger("negotiation").With(shortID(p.SessionID))
	c.restartsLeft = 1
	c.mu.Unlock()
}

// Reset closes the peer connection, clears the state and the candidate
// buffer and makes the coordinator dormant. Local media stays held; see
// ReleaseMedia.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	peer := c.peer
	c.active = false
	c.state = State{}
	c.buffer.Clear()
	c.peer = nil
	c.pendingOffer = webrtc.SessionDescription{}
	c.pendingICE = false
	c.offersApplied = 0
	c.restartsLeft = 0
	c.remoteUfrag = ""
	c.staleUfrags = nil
	c.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			c.logger().Debug("closing peer connection: %v", err)
		}
	}
}

// AcquireMedia captures local media for the armed session.
func (c *Coordinator) AcquireMedia(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	gen, ok := c.params.Generation, c.active
	c.mu.Unlock()
	if !ok {
		return ErrStale
	}
	return c.acquire(ctx, gen)
}

// ReleaseMedia stops local capture.
func (c *Coordinator) ReleaseMedia() {
	c.mu.Lock()
	held := c.mediaHeld
	c.mediaHeld = false
	c.mu.Unlock()

	if held {
		c.engine.ReleaseLocalMedia()
	}
}

// SetMuted toggles the held local tracks.
func (c *Coordinator) SetMuted(audio, video bool) {
	c.engine.SetMuted(audio, video)
}

// State returns a snapshot of the negotiation state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffered returns the number of candidates waiting for a remote description.
func (c *Coordinator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Len()
}

// HasPeer reports whether a peer connection is open.
func (c *Coordinator) HasPeer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

// MediaHeld reports whether local media is captured.
func (c *Coordinator) MediaHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaHeld
}

// StartAsCaller acquires local media, creates the peer connection and sends
// the first offer. A media failure leaves the session untouched so a later
// request_offer can retry.
func (c *Coordinator) StartAsCaller(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	gen, ok := c.current(call.RoleCaller)
	if !ok {
		return ErrStale
	}
	if err := c.acquire(ctx, gen); err != nil {
		return err
	}
	peer, err := c.ensurePeer(gen)
	if err != nil {
		return err
	}
	return c.offer(gen, peer, false)
}

// HandleOffer applies a remote offer and answers it. Only the first offer of
// a session is applied; later ones are ignored unless they are the single
// permitted ICE-restart offer.
func (c *Coordinator) HandleOffer(ctx context.Context, sig signaling.Offer) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.active || c.params.Role != call.RoleCallee {
		c.mu.Unlock()
		c.logger().Debug("dropping offer from %s: no callee session", sig.SenderID)
		return nil
	}
	switch {
	case sig.Restart && c.offersApplied > 0 && c.restartsLeft > 0:
		c.restartsLeft--
		// Candidates for the new round wait for the new description.
		c.state.HasRemoteDescription = false
	case !sig.Restart && c.offersApplied == 0 && !c.state.HasRemoteDescription:
	default:
		c.mu.Unlock()
		c.logger().Debug("ignoring offer (restart=%v): already negotiated", sig.Restart)
		return nil
	}
	c.offersApplied++
	gen := c.params.Generation
	c.mu.Unlock()

	if err := c.acquire(ctx, gen); err != nil {
		return err
	}
	peer, err := c.ensurePeer(gen)
	if err != nil {
		return err
	}
	if err := peer.SetRemoteDescription(sig.Offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if err := c.remoteApplied(gen, DirectionOfferReceived, sig.Offer); err != nil {
		return err
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		return ErrStale
	}
	c.state.HasLocalDescription = true
	c.state.Direction = DirectionAnswerSent
	p := c.params
	c.mu.Unlock()

	c.logger().Debug("answer created")
	return c.out.Send(signaling.Answer{
		Envelope: signaling.Addressed(p.LocalID, p.RemoteID),
		Answer:   answer,
	})
}

// HandleAnswer applies a remote answer to our pending offer. Answers that do
// not match an outstanding offer are ignored.
func (c *Coordinator) HandleAnswer(ctx context.Context, sig signaling.Answer) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.active || c.params.Role != call.RoleCaller || !c.state.awaitingAnswer() || c.peer == nil {
		st := c.state
		c.mu.Unlock()
		c.logger().Debug("ignoring answer from %s (local=%v remote=%v)", sig.SenderID, st.HasLocalDescription, st.HasRemoteDescription)
		return nil
	}
	gen, peer := c.params.Generation, c.peer
	c.mu.Unlock()

	if err := peer.SetRemoteDescription(sig.Answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	if err := c.remoteApplied(gen, DirectionAnswerReceived, sig.Answer); err != nil {
		return err
	}

	c.mu.Lock()
	c.pendingOffer = webrtc.SessionDescription{}
	c.pendingICE = false
	c.mu.Unlock()
	c.logger().Debug("answer applied")
	return nil
}

// HandleCandidate applies cand now if the remote description it belongs to
// is set and buffers it otherwise. A candidate whose username fragment is
// not the applied one belongs to a restart description still on its way;
// it is buffered and HandleCandidate reports true. Candidates of a replaced
// description are dropped. It never blocks on offer or answer handling.
func (c *Coordinator) HandleCandidate(cand webrtc.ICECandidateInit) (ahead bool) {
	ufrag := CandidateUfrag(cand)

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	if c.isStaleUfrag(ufrag) {
		c.mu.Unlock()
		c.logger().Debug("dropping candidate for replaced ufrag %s", ufrag)
		return false
	}
	ahead = ufrag != "" && c.remoteUfrag != "" && ufrag != c.remoteUfrag
	if ahead || !c.state.HasRemoteDescription || c.peer == nil {
		c.buffer.Push(cand)
		c.mu.Unlock()
		c.metrics.CandidateBuffered()
		return ahead
	}
	peer := c.peer
	c.mu.Unlock()

	c.apply(peer, cand)
	return false
}

// HandleRequestOffer answers a callee asking for an offer. With no offer
// yet it runs the offer step, acquiring media only if none is held. With
// an offer pending and no answer it re-sends that same offer. Anything else
// is ignored; ICE restarts go through RestartICE.
func (c *Coordinator) HandleRequestOffer(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	gen, ok := c.current(call.RoleCaller)
	if !ok {
		return nil
	}

	c.mu.Lock()
	st, pending, restart, p := c.state, c.pendingOffer, c.pendingICE, c.params
	c.mu.Unlock()

	switch {
	case !st.HasLocalDescription:
		if err := c.acquire(ctx, gen); err != nil {
			return err
		}
		peer, err := c.ensurePeer(gen)
		if err != nil {
			return err
		}
		return c.offer(gen, peer, false)

	case st.awaitingAnswer():
		c.logger().Debug("re-sending pending offer")
		return c.out.Send(c.offerSignal(p, pending, restart))
	}

	c.logger().Debug("ignoring request_offer: already negotiated")
	return nil
}

// RestartICE sends an ICE-restart offer on a negotiated caller session. It
// reports false when no restart is possible.
func (c *Coordinator) RestartICE(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	gen, ok := c.current(call.RoleCaller)
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	possible := c.state.HasRemoteDescription && c.restartsLeft > 0
	c.mu.Unlock()
	if !possible {
		return false, nil
	}
	return true, c.restart(gen)
}

// PrepareRestart readies a negotiated callee session for a restart offer.
// Remote candidates are buffered until that offer is applied.
func (c *Coordinator) PrepareRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.params.Role != call.RoleCallee || c.offersApplied == 0 || c.restartsLeft == 0 {
		return false
	}
	c.state.HasRemoteDescription = false
	return true
}

func (c *Coordinator) restart(gen uint64) error {
	c.mu.Lock()
	if !c.isCurrent(gen) || c.restartsLeft == 0 || c.peer == nil {
		c.mu.Unlock()
		return nil
	}
	c.restartsLeft--
	peer := c.peer
	c.mu.Unlock()

	c.metrics.ICERestart()
	c.logger().Info("restarting ICE")
	return c.offer(gen, peer, true)
}

// offer creates, applies and sends an offer. Called with opMu held.
func (c *Coordinator) offer(gen uint64, peer Peer, restart bool) error {
	offer, err := peer.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		return ErrStale
	}
	c.state.HasLocalDescription = true
	c.state.HasRemoteDescription = false
	c.state.Direction = DirectionOfferSent
	c.pendingOffer = offer
	c.pendingICE = restart
	p := c.params
	c.mu.Unlock()

	c.logger().Debug("offer created (restart=%v)", restart)
	return c.out.Send(c.offerSignal(p, offer, restart))
}

func (c *Coordinator) offerSignal(p Params, offer webrtc.SessionDescription, restart bool) signaling.Offer {
	return signaling.Offer{
		Envelope:     signaling.Addressed(p.LocalID, p.RemoteID),
		Offer:        offer,
		CallerName:   p.LocalName,
		CallerAvatar: p.LocalAvatar,
		CallerID:     p.LocalID,
		Restart:      restart,
	}
}

// remoteApplied drains the candidate buffer in arrival order and then marks
// the remote description as set. The flag flips only once the buffer is
// observed empty under mu, so candidates arriving mid-drain queue behind the
// ones already buffered instead of overtaking them. Buffered candidates of
// the description desc replaces are dropped.
func (c *Coordinator) remoteApplied(gen uint64, dir Direction, desc webrtc.SessionDescription) error {
	ufrag := DescriptionUfrag(desc)

	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		return ErrStale
	}
	if ufrag != "" && ufrag != c.remoteUfrag {
		if c.remoteUfrag != "" {
			c.staleUfrags = append(c.staleUfrags, c.remoteUfrag)
		}
		c.remoteUfrag = ufrag
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if !c.isCurrent(gen) {
			c.mu.Unlock()
			return ErrStale
		}
		cand, ok := c.buffer.Pop()
		if !ok {
			c.state.HasRemoteDescription = true
			c.state.Direction = dir
			c.mu.Unlock()
			return nil
		}
		stale := c.isStaleUfrag(CandidateUfrag(cand))
		peer := c.peer
		c.mu.Unlock()

		if stale {
			c.logger().Debug("dropping buffered candidate for a replaced description")
			continue
		}
		c.apply(peer, cand)
	}
}

// isStaleUfrag must be called with mu held.
func (c *Coordinator) isStaleUfrag(ufrag string) bool {
	if ufrag == "" {
		return false
	}
	for _, u := range c.staleUfrags {
		if u == ufrag {
			return true
		}
	}
	return false
}

// apply adds one remote candidate. Failures are logged and counted; the
// call carries on with whatever candidates remain.
func (c *Coordinator) apply(peer Peer, cand webrtc.ICECandidateInit) {
	if err := peer.AddICECandidate(cand); err != nil {
		c.metrics.CandidateFailed()
		c.logger().Warn("add candidate: %v", err)
		return
	}
	c.metrics.CandidateApplied()
}

func (c *Coordinator) acquire(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		return ErrStale
	}
	held, kind := c.mediaHeld, c.params.MediaKind
	c.mu.Unlock()
	if held {
		return nil
	}

	if err := c.engine.AcquireLocalMedia(ctx, kind); err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	c.mu.Lock()
	c.mediaHeld = true
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) ensurePeer(gen uint64) (Peer, error) {
	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		return nil, ErrStale
	}
	if c.peer != nil {
		peer := c.peer
		c.mu.Unlock()
		return peer, nil
	}
	c.mu.Unlock()

	peer, err := c.engine.NewPeer(c.peerEvents(gen))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrent(gen) {
		c.mu.Unlock()
		peer.Close()
		return nil, ErrStale
	}
	c.peer = peer
	c.mu.Unlock()
	return peer, nil
}

// peerEvents binds engine callbacks to gen so late events from a replaced
// peer connection are discarded.
func (c *Coordinator) peerEvents(gen uint64) PeerEvents {
	return PeerEvents{
		OnCandidate: func(cand webrtc.ICECandidateInit) {
			c.mu.Lock()
			p, ok := c.params, c.isCurrent(gen)
			c.mu.Unlock()
			if !ok {
				return
			}
			if err := c.out.Send(signaling.Candidate{
				Envelope:  signaling.Addressed(p.LocalID, p.RemoteID),
				Candidate: cand,
			}); err != nil {
				c.logger().Warn("send candidate: %v", err)
			}
		},
		OnTrack: func(t TrackInfo) {
			if c.events.OnTrack != nil && c.isCurrentLocked(gen) {
				c.events.OnTrack(gen, t)
			}
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			if c.events.OnStateChange != nil && c.isCurrentLocked(gen) {
				c.events.OnStateChange(gen, s)
			}
		},
	}
}

// current returns the armed generation if the coordinator is active for role.
func (c *Coordinator) current(role call.Role) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.params.Role != role {
		return 0, false
	}
	return c.params.Generation, true
}

// isCurrent must be called with mu held.
func (c *Coordinator) isCurrent(gen uint64) bool {
	return c.active && c.params.Generation == gen
}

func (c *Coordinator) isCurrentLocked(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrent(gen)
}

// logger returns the session-scoped logger. Begin swaps it, so it is read
// under mu.
func (c *Coordinator) logger() util.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
