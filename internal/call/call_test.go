package call

import (
	"testing"
	"time"
)

func TestStatusPredicates(t *testing.T) {
	testCases := []struct {
		status   Status
		terminal bool
		active   bool
		inCall   bool
	}{
		{StatusIdle, false, false, false},
		{StatusRinging, false, true, false},
		{StatusNegotiating, false, true, true},
		{StatusConnected, false, true, true},
		{StatusRejected, true, false, false},
		{StatusEnded, true, false, false},
		{StatusFailed, true, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.status.String(), func(t *testing.T) {
			if got := tc.status.Terminal(); got != tc.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tc.terminal)
			}
			if got := tc.status.Active(); got != tc.active {
				t.Errorf("Active() = %v, want %v", got, tc.active)
			}
			if got := tc.status.InCall(); got != tc.inCall {
				t.Errorf("InCall() = %v, want %v", got, tc.inCall)
			}
		})
	}

	if Status(42).String() != "unknown" {
		t.Errorf("out-of-range status should stringify as unknown")
	}
}

func TestNewSession(t *testing.T) {
	s := NewSession(3, "1", "7", RoleCallee, MediaVideo)

	if s.Status != StatusRinging {
		t.Fatalf("new session status = %s, want ringing", s.Status)
	}
	if s.Generation != 3 || s.Role != RoleCallee || s.RemoteUserID != "7" {
		t.Fatalf("unexpected session fields: %+v", s)
	}
	if len(s.ShortID()) != 8 {
		t.Fatalf("ShortID() = %q", s.ShortID())
	}

	other := NewSession(4, "1", "7", RoleCallee, MediaVideo)
	if other.ID == s.ID {
		t.Fatal("session ids must be unique")
	}

	s.EndedAt = s.CreatedAt.Add(2 * time.Second)
	if s.Duration() != 2*time.Second {
		t.Fatalf("Duration() = %v", s.Duration())
	}
}

func TestMediaKindValid(t *testing.T) {
	if !MediaAudio.Valid() || !MediaVideo.Valid() {
		t.Fatal("known media kinds must be valid")
	}
	if MediaKind("screen").Valid() || MediaKind("").Valid() {
		t.Fatal("unknown media kinds must be invalid")
	}
}
