package negotiation

import "github.com/pion/webrtc/v4"

// Direction records which description was exchanged last.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionOfferSent
	DirectionOfferReceived
	DirectionAnswerSent
	DirectionAnswerReceived
)

func (d Direction) String() string {
	switch d {
	case DirectionOfferSent:
		return "offer-sent"
	case DirectionOfferReceived:
		return "offer-received"
	case DirectionAnswerSent:
		return "answer-sent"
	case DirectionAnswerReceived:
		return "answer-received"
	default:
		return "none"
	}
}

// State is the negotiation progress of the current session.
type State struct {
	HasLocalDescription  bool
	HasRemoteDescription bool
	Direction            Direction
}

// awaitingAnswer reports whether a local offer is out and no remote
// description has been applied for it.
func (s State) awaitingAnswer() bool {
	return s.HasLocalDescription && !s.HasRemoteDescription && s.Direction == DirectionOfferSent
}

// CandidateBuffer is a FIFO of remote candidates that arrived before the
// remote description. It is not safe for concurrent use; the coordinator
// guards it.
type CandidateBuffer struct {
	items []webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.items = append(b.items, c)
}

// Pop removes and returns the oldest candidate.
func (b *CandidateBuffer) Pop() (webrtc.ICECandidateInit, bool) {
	if len(b.items) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	c := b.items[0]
	b.items[0] = webrtc.ICECandidateInit{}
	b.items = b.items[1:]
	return c, true
}

func (b *CandidateBuffer) Len() int { return len(b.items) }

func (b *CandidateBuffer) Clear() { b.items = nil }
