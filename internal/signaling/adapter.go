package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/1ureka/callcore/internal/metrics"
	"github.com/1ureka/callcore/internal/protocol"
	"github.com/1ureka/callcore/internal/util"
)

// Transport is the relay channel: at-most-once, unordered, no acknowledgment.
// Client implements it over a WebSocket.
type Transport interface {
	Send(event string, payload []byte) error
	OnEvent(event string, handler func(payload []byte))
}

// Handler receives one validated inbound signal.
type Handler func(Signal)

// Adapter normalizes inbound transport events into Signals and outbound
// Signals into transport events. It keeps no call state and never retries.
type Adapter struct {
	ctx     context.Context
	tr      Transport
	out     *sender
	metrics metrics.Collector
	log     util.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewAdapter subscribes to every signal kind on tr and starts the outbound
// writer. The writer stops when ctx is cancelled.
func NewAdapter(ctx context.Context, tr Transport, m metrics.Collector) *Adapter {
	a := &Adapter{
		ctx:      ctx,
		tr:       tr,
		out:      newSender(ctx, tr),
		metrics:  metrics.OrNop(m),
		log:      util.NewLogger("signaling"),
		handlers: make(map[Kind]Handler),
	}
	for _, kind := range Kinds {
		kind := kind
		tr.OnEvent(string(kind), func(payload []byte) {
			a.dispatch(kind, payload)
		})
	}
	return a
}

// On registers the handler for kind, silently replacing any previous one.
// A nil handler unregisters.
func (a *Adapter) On(kind Kind, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.handlers, kind)
		return
	}
	a.handlers[kind] = h
}

// Send enqueues sig for delivery and returns immediately.
func (a *Adapter) Send(sig Signal) error {
	payload, err := Encode(sig)
	if err != nil {
		return err
	}
	kind := string(sig.Kind())
	err = a.out.enqueue(a.ctx, outbound{
		event:   kind,
		payload: payload,
		sent: func(err error) {
			if err == nil {
				a.metrics.SignalSent(kind)
			}
		},
	})
	if err != nil {
		a.metrics.SignalDropped(kind, dropReason(err))
		a.log.Warn("dropping outbound %s to %s: %v", kind, sig.To(), err)
		return err
	}
	return nil
}

// Done is closed once the outbound writer has stopped and flushed its queue.
func (a *Adapter) Done() <-chan struct{} {
	return a.out.done
}

// Join announces userID to the relay so frames addressed to it reach this
// connection.
func (a *Adapter) Join(userID string) error {
	payload, err := json.Marshal(protocol.JoinPayload{UserID: userID})
	if err != nil {
		return err
	}
	return a.out.enqueue(a.ctx, outbound{event: protocol.EventJoin, payload: payload})
}

// dispatch validates one inbound payload and hands it to the registered
// handler. Malformed payloads are dropped here and never propagated.
func (a *Adapter) dispatch(kind Kind, payload []byte) {
	sig, err := Decode(kind, payload)
	if err != nil {
		a.metrics.SignalDropped(string(kind), "malformed")
		a.log.Debug("dropping inbound %s: %v", kind, err)
		return
	}

	a.mu.RLock()
	h := a.handlers[kind]
	a.mu.RUnlock()

	if h == nil {
		a.metrics.SignalDropped(string(kind), "unhandled")
		a.log.Debug("no handler for %s from %s", kind, sig.From())
		return
	}

	a.metrics.SignalReceived(string(kind))
	h(sig)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
