// Package call defines the value types shared by every layer of the call core:
// the CallSession record, its role and status enums, and the incoming-call
// offer shown to the user while a call is ringing.
package call

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidPeer = errors.New("invalid remote user")
	ErrBusy        = errors.New("a call is already in progress")
)

// Role is fixed when a session is created and never changes.
type Role uint8

const (
	RoleCaller Role = iota + 1
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

// Status is a CallSession lifecycle state.
type Status uint8

const (
	StatusIdle Status = iota
	StatusRinging
	StatusNegotiating
	StatusConnected
	StatusRejected
	StatusEnded
	StatusFailed
)

var statusNames = [...]string{
	StatusIdle:        "idle",
	StatusRinging:     "ringing",
	StatusNegotiating: "negotiating",
	StatusConnected:   "connected",
	StatusRejected:    "rejected",
	StatusEnded:       "ended",
	StatusFailed:      "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusFailed
}

// Active reports whether s is a non-terminal, non-idle state.
func (s Status) Active() bool {
	return s == StatusRinging || s == StatusNegotiating || s == StatusConnected
}

// InCall reports whether s counts as "in a call" for presence purposes.
func (s Status) InCall() bool {
	return s == StatusNegotiating || s == StatusConnected
}

// MediaKind selects which local tracks a call uses.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Session is one call attempt. The session manager owns the only mutable
// instance; everything else receives copies.
type Session struct {
	// ID is a random identifier used in logs and events.
	ID string
	// Generation increases by one for every session created in this process.
	// Callbacks tagged with an older generation are stale.
	Generation uint64

	LocalUserID  string
	RemoteUserID string
	Role         Role
	Status       Status
	MediaKind    MediaKind

	CreatedAt time.Time
	EndedAt   time.Time
}

// NewSession creates a session in the Ringing state.
func NewSession(gen uint64, local, remote string, role Role, kind MediaKind) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Generation:   gen,
		LocalUserID:  local,
		RemoteUserID: remote,
		Role:         role,
		Status:       StatusRinging,
		MediaKind:    kind,
		CreatedAt:    time.Now(),
	}
}

// ShortID returns the first eight characters of the session id for log lines.
func (s *Session) ShortID() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}

// Duration is the time from creation to the end of the session, or to now
// while it is still running.
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.CreatedAt)
	}
	return s.EndedAt.Sub(s.CreatedAt)
}

// IncomingCallOffer is shown to the user while a call_request waits for a
// decision. It is never persisted.
type IncomingCallOffer struct {
	SenderID     string
	SenderName   string
	SenderAvatar string
	MediaKind    MediaKind
	ReceivedAt   time.Time
}
