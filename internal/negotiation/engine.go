package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
)

// Engine is the media and negotiation engine the coordinator drives. The
// pion implementation lives in internal/media.
type Engine interface {
	// AcquireLocalMedia captures local tracks for kind. Calling it while media
	// is already held is a no-op.
	AcquireLocalMedia(ctx context.Context, kind call.MediaKind) error
	// ReleaseLocalMedia stops local tracks. Safe to call when none are held.
	ReleaseLocalMedia()
	// SetMuted enables or disables the held local tracks.
	SetMuted(audio, video bool)
	// NewPeer creates a session object carrying the held local tracks.
	NewPeer(events PeerEvents) (Peer, error)
}

// Peer is one engine session object, i.e. a peer connection.
type Peer interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// PeerEvents are invoked by the engine from its own goroutines.
type PeerEvents struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnTrack       func(TrackInfo)
	OnStateChange func(webrtc.PeerConnectionState)
}

// TrackInfo describes a received remote track.
type TrackInfo struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}
