// Package signaling turns relay frames into typed call signals and typed
// signals back into relay frames. It owns no call state.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/protocol"
)

var (
	ErrMalformed   = errors.New("malformed signal")
	ErrUnknownKind = errors.New("unknown signal kind")
)

// Kind identifies a signal on the wire.
type Kind string

const (
	KindCallRequest  Kind = "call_request"
	KindCallAccept   Kind = "call_accept"
	KindCallReject   Kind = "call_reject"
	KindCallEnd      Kind = "call_end"
	KindOffer        Kind = "signal_offer"
	KindAnswer       Kind = "signal_answer"
	KindCandidate    Kind = "signal_candidate"
	KindRequestOffer Kind = "request_offer"
)

// Kinds lists every signal kind the adapter consumes.
var Kinds = []Kind{
	KindCallRequest,
	KindCallAccept,
	KindCallReject,
	KindCallEnd,
	KindOffer,
	KindAnswer,
	KindCandidate,
	KindRequestOffer,
}

// Signal is the closed set of call signals. Consumers switch on the concrete
// type; only types in this package implement it.
type Signal interface {
	Kind() Kind
	From() string
	To() string
	isSignal()
}

// Envelope carries the addressing every signal has.
type Envelope struct {
	SenderID   string `json:"senderId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
}

func (e Envelope) From() string { return e.SenderID }
func (e Envelope) To() string   { return e.ReceiverID }
func (Envelope) isSignal()      {}

// Addressed builds an Envelope.
func Addressed(from, to string) Envelope {
	return Envelope{SenderID: from, ReceiverID: to}
}

type CallRequest struct {
	Envelope
	SenderName   string         `json:"senderName,omitempty"`
	SenderAvatar string         `json:"senderAvatar,omitempty"`
	MediaKind    call.MediaKind `json:"mediaKind" validate:"oneof=audio video"`
}

type CallAccept struct{ Envelope }

type CallReject struct{ Envelope }

type CallEnd struct{ Envelope }

type Offer struct {
	Envelope
	Offer        webrtc.SessionDescription `json:"offer"`
	CallerName   string                    `json:"callerName,omitempty"`
	CallerAvatar string                    `json:"callerAvatar,omitempty"`
	CallerID     string                    `json:"callerId,omitempty"`
	// Restart marks an ICE-restart offer for an already negotiated session.
	Restart bool `json:"restart,omitempty"`
}

type Answer struct {
	Envelope
	Answer webrtc.SessionDescription `json:"answer"`
}

type Candidate struct {
	Envelope
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type RequestOffer struct {
	Envelope
	Restart bool `json:"restart,omitempty"`
}

func (CallRequest) Kind() Kind  { return KindCallRequest }
func (CallAccept) Kind() Kind   { return KindCallAccept }
func (CallReject) Kind() Kind   { return KindCallReject }
func (CallEnd) Kind() Kind      { return KindCallEnd }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (Candidate) Kind() Kind    { return KindCandidate }
func (RequestOffer) Kind() Kind { return KindRequestOffer }

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		sd := sl.Current().Interface().(webrtc.SessionDescription)
		if sd.SDP == "" {
			sl.ReportError(sd.SDP, "SDP", "sdp", "required", "")
		}
	}, webrtc.SessionDescription{})

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(webrtc.ICECandidateInit)
		if c.Candidate == "" {
			sl.ReportError(c.Candidate, "Candidate", "candidate", "required", "")
		}
	}, webrtc.ICECandidateInit{})
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// Decode parses and validates the payload of a kind frame. Both the
// senderId/receiverId and from/to addressing forms are accepted.
func Decode(kind Kind, payload []byte) (Signal, error) {
	route, err := protocol.PeekRoute(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Addressed(route.Sender(), route.Receiver())

	var sig Signal
	switch kind {
	case KindCallRequest:
		s := CallRequest{}
		err = json.Unmarshal(payload, &s)
		if s.MediaKind == "" {
			s.MediaKind = call.MediaAudio
		}
		s.Envelope = env
		sig = s
	case KindCallAccept:
		sig = CallAccept{Envelope: env}
	case KindCallReject:
		sig = CallReject{Envelope: env}
	case KindCallEnd:
		sig = CallEnd{Envelope: env}
	case KindOffer:
		s := Offer{}
		err = json.Unmarshal(payload, &s)
		s.Offer.Type = webrtc.SDPTypeOffer
		s.Envelope = env
		sig = s
	case KindAnswer:
		s := Answer{}
		err = json.Unmarshal(payload, &s)
		s.Answer.Type = webrtc.SDPTypeAnswer
		s.Envelope = env
		sig = s
	case KindCandidate:
		s := Candidate{}
		err = json.Unmarshal(payload, &s)
		s.Envelope = env
		sig = s
	case KindRequestOffer:
		s := RequestOffer{}
		err = json.Unmarshal(payload, &s)
		s.Envelope = env
		sig = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}

	if err := validate.Struct(sig); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return sig, nil
}

// routedWire carries both addressing forms so peers that only read from/to
// still route call_end and request_offer.
type routedWire struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Restart    bool   `json:"restart,omitempty"`
}

// Encode returns the wire payload for sig.
func Encode(sig Signal) ([]byte, error) {
	var v any = sig
	switch s := sig.(type) {
	case CallEnd:
		v = routedWire{SenderID: s.SenderID, ReceiverID: s.ReceiverID, From: s.SenderID, To: s.ReceiverID}
	case RequestOffer:
		v = routedWire{SenderID: s.SenderID, ReceiverID: s.ReceiverID, From: s.SenderID, To: s.ReceiverID, Restart: s.Restart}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", sig.Kind(), err)
	}
	return data, nil
}
