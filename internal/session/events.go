package session

import (
	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation"
)

// StatusChanged is published on every status transition, including the
// automatic return to Idle after a terminal status.
type StatusChanged struct {
	SessionID  string
	Generation uint64
	RemoteID   string
	Role       call.Role
	Previous   call.Status
	Status     call.Status
}

// IncomingCallCleared withdraws a previously published incoming call.
type IncomingCallCleared struct {
	SenderID string
	// Reason is one of "accepted", "rejected", "cancelled", "timeout",
	// "failed" or "closed".
	Reason string
}

// RemoteTrack is published when the remote side starts sending a track.
type RemoteTrack struct {
	SessionID string
	Track     negotiation.TrackInfo
}

// CallError reports a failure to the UI. Retryable errors leave the user
// free to place or accept the call again.
type CallError struct {
	SessionID string
	Err       error
	Retryable bool
}

var (
	TopicStatus          = bus.NewTopic[StatusChanged]("call.status")
	TopicIncomingCall    = bus.NewTopic[call.IncomingCallOffer]("call.incoming")
	TopicIncomingCleared = bus.NewTopic[IncomingCallCleared]("call.incoming_cleared")
	TopicRemoteTrack     = bus.NewTopic[RemoteTrack]("call.remote_track")
	TopicError           = bus.NewTopic[CallError]("call.error")
)
