// Package negotiationtest provides an in-memory negotiation.Engine for tests.
package negotiationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation"
)

var (
	_ negotiation.Engine = (*Engine)(nil)
	_ negotiation.Peer   = (*Peer)(nil)
)

// Engine records every call made to it. Peers it creates report
// PeerConnectionStateConnected as soon as both descriptions are set when
// AutoConnect is true.
type Engine struct {
	mu sync.Mutex

	AutoConnect bool
	// CandidatesPerDescription is the number of local candidates each peer
	// emits after SetLocalDescription.
	CandidatesPerDescription int
	AcquireErr               error
	NewPeerErr               error

	acquires int
	releases int
	held     bool
	kind     call.MediaKind
	muted    [2]bool
	peers    []*Peer
}

func NewEngine() *Engine {
	return &Engine{AutoConnect: true}
}

func (e *Engine) AcquireLocalMedia(_ context.Context, kind call.MediaKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquires++
	if e.AcquireErr != nil {
		return e.AcquireErr
	}
	e.held = true
	e.kind = kind
	return nil
}

func (e *Engine) ReleaseLocalMedia() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	e.held = false
}

func (e *Engine) SetMuted(audio, video bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = [2]bool{audio, video}
}

func (e *Engine) NewPeer(events negotiation.PeerEvents) (negotiation.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewPeerErr != nil {
		return nil, e.NewPeerErr
	}
	p := &Peer{
		id:          len(e.peers) + 1,
		events:      events,
		autoConnect: e.AutoConnect,
		candidates:  e.CandidatesPerDescription,
	}
	e.peers = append(e.peers, p)
	return p, nil
}

// Acquires returns how many times local media was requested.
func (e *Engine) Acquires() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquires
}

// Releases returns how many times local media was released.
func (e *Engine) Releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}

// Held reports whether local media is currently captured.
func (e *Engine) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// Kind returns the media kind of the last successful acquisition.
func (e *Engine) Kind() call.MediaKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// Muted returns the last SetMuted arguments.
func (e *Engine) Muted() (audio, video bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted[0], e.muted[1]
}

// Peers returns every peer created so far, oldest first.
func (e *Engine) Peers() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Peer(nil), e.peers...)
}

// LastPeer returns the most recently created peer or nil.
func (e *Engine) LastPeer() *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

// Peer is a fake peer connection.
type Peer struct {
	mu sync.Mutex

	id          int
	events      negotiation.PeerEvents
	autoConnect bool
	candidates  int

	// AddErr, if set, decides the result of AddICECandidate.
	AddErr func(webrtc.ICECandidateInit) error

	offers     int
	answers    int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remotes    []webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	emitted    int
	connected  bool
	closed     bool
	iceRestart bool
	// round numbers the local ICE credentials; an ICE restart on either
	// side moves to a new round.
	round         int
	answeredUfrag string
}

func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("peer %d closed", p.id)
	}
	p.offers++
	p.iceRestart = p.iceRestart || iceRestart
	if iceRestart {
		p.round++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.describe("offer", p.offers)}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer %d: no remote offer", p.id)
	}
	p.answers++
	if ufrag := negotiation.DescriptionUfrag(*p.remote); ufrag != p.answeredUfrag {
		if p.answeredUfrag != "" {
			p.round++
		}
		p.answeredUfrag = ufrag
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.describe("answer", p.answers)}, nil
}

// describe renders a minimal parseable SDP. Called with mu held.
func (p *Peer) describe(kind string, n int) string {
	return fmt.Sprintf("v=0\r\no=- %d %d IN IP4 0.0.0.0\r\ns=fake-%s\r\nt=0 0\r\na=ice-ufrag:%s\r\n",
		p.id, n, kind, p.ufrag())
}

func (p *Peer) ufrag() string {
	return fmt.Sprintf("peer%dr%d", p.id, p.round)
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("peer %d closed", p.id)
	}
	p.local = &d
	n := p.candidates
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.emitCandidate()
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("peer %d closed", p.id)
	}
	p.remote = &d
	p.remotes = append(p.remotes, d)
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("peer %d: candidate before remote description", p.id)
	}
	if p.AddErr != nil {
		if err := p.AddErr(c); err != nil {
			return err
		}
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetState reports s to the owner as if the connection changed state.
func (p *Peer) SetState(s webrtc.PeerConnectionState) {
	if p.events.OnStateChange != nil {
		p.events.OnStateChange(s)
	}
}

// EmitTrack reports a remote track to the owner.
func (p *Peer) EmitTrack(t negotiation.TrackInfo) {
	if p.events.OnTrack != nil {
		p.events.OnTrack(t)
	}
}

// Applied returns the remote candidates added so far, in order.
func (p *Peer) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

// RemoteDescriptions returns every remote description set, in order.
func (p *Peer) RemoteDescriptions() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remotes...)
}

// Offers returns how many offers the peer created.
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ICERestarted reports whether any offer requested an ICE restart.
func (p *Peer) ICERestarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceRestart
}

func (p *Peer) emitCandidate() {
	p.mu.Lock()
	p.emitted++
	ufrag := p.ufrag()
	c := webrtc.ICECandidateInit{
		Candidate:        fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", p.emitted, p.id, p.emitted),
		UsernameFragment: &ufrag,
	}
	p.mu.Unlock()

	if p.events.OnCandidate != nil {
		p.events.OnCandidate(c)
	}
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	fire := p.autoConnect && !p.connected && p.local != nil && p.remote != nil
	if fire {
		p.connected = true
	}
	p.mu.Unlock()

	if fire {
		p.SetState(webrtc.PeerConnectionStateConnected)
	}
}
