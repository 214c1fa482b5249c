package signaling

import (
	"context"
	"errors"

	"github.com/1ureka/callcore/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

var (
	ErrQueueFull = errors.New("signaling send queue full")
	ErrClosed    = errors.New("signaling adapter closed")
)

// outbound is one frame waiting for the transport.
type outbound struct {
	event   string
	payload []byte
	sent    func(error)
}

// sender is a goroutine-based frame writer that serializes all writes to the
// transport so callers never block on the network.
type sender struct {
	inbox chan outbound
	tr    Transport
	log   util.Logger
	done  chan struct{}
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled, after writing the frames still queued; done is
// closed once it has.
func newSender(ctx context.Context, tr Transport) *sender {
	s := &sender{
		inbox: make(chan outbound, sendBufferSize),
		tr:    tr,
		log:   util.NewLogger("signaling"),
		done:  make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

// loop is the single-writer goroutine. On shutdown it flushes whatever is
// already queued, so a final call_end still goes out.
func (s *sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case f := <-s.inbox:
			s.write(f)
		case <-ctx.Done():
			for {
				select {
				case f := <-s.inbox:
					s.write(f)
				default:
					return
				}
			}
		}
	}
}

func (s *sender) write(f outbound) {
	err := s.tr.Send(f.event, f.payload)
	if err != nil {
		s.log.Warn("send %s failed: %v", f.event, err)
	}
	if f.sent != nil {
		f.sent(err)
	}
}

// enqueue hands a frame to the loop without blocking. Delivery is
// fire-and-forget: a full queue drops the frame.
func (s *sender) enqueue(ctx context.Context, f outbound) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- f:
		return nil
	default:
		return ErrQueueFull
	}
}
