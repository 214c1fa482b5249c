package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// peer wraps one PeerConnection.
type peer struct {
	pc     *webrtc.PeerConnection
	closed atomic.Bool
}

func (p *peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return p.pc.CreateAnswer(nil)
}

func (p *peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pc.SetLocalDescription(sdp)
}

func (p *peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pc.SetRemoteDescription(sdp)
}

func (p *peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pc.AddICECandidate(c)
}

// Close releases the PeerConnection. Later calls are no-ops.
func (p *peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}
