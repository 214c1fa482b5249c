// Package presence keeps the durable "in call" flag and re-announces the
// local user to the relay whenever the connection is (re)established.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/util"
)

var ErrNoStore = errors.New("presence: no flag store")

// InCallKey is the well-known key of the in-call flag.
const InCallKey = "callcore.in_call"

const storeTimeout = 2 * time.Second

// Announcer registers the local user with the relay.
// *signaling.Adapter implements it.
type Announcer interface {
	Join(userID string) error
}

// Gate owns the in-call flag. The flag is advisory: any failure to read it
// is treated as "not in call" so a broken store never swallows incoming
// calls.
type Gate struct {
	store     FlagStore
	announcer Announcer
	userID    string
	log       util.Logger
}

// NewGate returns a Gate. store may be nil, in which case the flag always
// reads false and writes fail with ErrNoStore.
func NewGate(store FlagStore, a Announcer, userID string) *Gate {
	return &Gate{
		store:     store,
		announcer: a,
		userID:    userID,
		log:       util.NewLogger("presence"),
	}
}

// Enter announces the local user so signals addressed to it reach this
// connection. It is wired as the relay client's on-connect hook.
func (g *Gate) Enter() error {
	if g.announcer == nil {
		return nil
	}
	if err := g.announcer.Join(g.userID); err != nil {
		g.log.Warn("announce %s: %v", g.userID, err)
		return err
	}
	g.log.Debug("announced %s", g.userID)
	return nil
}

// Recover clears a flag left set by an interrupted run. Sessions never
// outlive the process, so at startup any set flag is stale.
func (g *Gate) Recover(ctx context.Context) {
	if g.InCall(ctx) {
		g.log.Warn("clearing in-call flag left by a previous run")
		_ = g.SetInCall(ctx, false)
	}
}

// InCall reads the flag, failing open.
func (g *Gate) InCall(ctx context.Context) bool {
	if g.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	v, err := g.store.GetFlag(ctx, InCallKey)
	if err != nil {
		g.log.Warn("read in-call flag: %v (treating as not in call)", err)
		return false
	}
	return v
}

// SetInCall writes the flag.
func (g *Gate) SetInCall(ctx context.Context, v bool) error {
	if g.store == nil {
		return ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := g.store.SetFlag(ctx, InCallKey, v); err != nil {
		g.log.Warn("write in-call flag: %v", err)
		return err
	}
	return nil
}

// OnStatus mirrors session status into the flag: set on entering
// Negotiating or Connected, cleared on returning to Idle. Other statuses
// leave it unchanged.
func (g *Gate) OnStatus(s call.Status) {
	switch {
	case s.InCall():
		_ = g.SetInCall(context.Background(), true)
	case s == call.StatusIdle:
		_ = g.SetInCall(context.Background(), false)
	}
}
