package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/call"
)

func TestDecodeValid(t *testing.T) {
	testCases := []struct {
		name    string
		kind    Kind
		payload string
		check   func(t *testing.T, sig Signal)
	}{
		{
			name:    "call request",
			kind:    KindCallRequest,
			payload: `{"senderId":"7","receiverId":"1","senderName":"Ann","senderAvatar":"a.png","mediaKind":"video"}`,
			check: func(t *testing.T, sig Signal) {
				req := sig.(CallRequest)
				if req.SenderName != "Ann" || req.MediaKind != call.MediaVideo {
					t.Errorf("unexpected request: %+v", req)
				}
			},
		},
		{
			name:    "call request defaults to audio",
			kind:    KindCallRequest,
			payload: `{"senderId":"7","receiverId":"1"}`,
			check: func(t *testing.T, sig Signal) {
				if sig.(CallRequest).MediaKind != call.MediaAudio {
					t.Errorf("media kind = %q, want audio", sig.(CallRequest).MediaKind)
				}
			},
		},
		{
			name:    "call end with from/to",
			kind:    KindCallEnd,
			payload: `{"from":"7","to":"1"}`,
			check: func(t *testing.T, sig Signal) {
				if _, ok := sig.(CallEnd); !ok {
					t.Errorf("got %T, want CallEnd", sig)
				}
			},
		},
		{
			name:    "offer",
			kind:    KindOffer,
			payload: `{"senderId":"7","receiverId":"1","offer":{"type":"offer","sdp":"v=0"},"callerId":"7","restart":true}`,
			check: func(t *testing.T, sig Signal) {
				o := sig.(Offer)
				if o.Offer.SDP != "v=0" || o.Offer.Type != webrtc.SDPTypeOffer || !o.Restart {
					t.Errorf("unexpected offer: %+v", o)
				}
			},
		},
		{
			name:    "answer without explicit type",
			kind:    KindAnswer,
			payload: `{"senderId":"7","receiverId":"1","answer":{"sdp":"v=0"}}`,
			check: func(t *testing.T, sig Signal) {
				if sig.(Answer).Answer.Type != webrtc.SDPTypeAnswer {
					t.Errorf("answer type = %v", sig.(Answer).Answer.Type)
				}
			},
		},
		{
			name:    "candidate",
			kind:    KindCandidate,
			payload: `{"senderId":"7","receiverId":"1","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}}`,
			check: func(t *testing.T, sig Signal) {
				c := sig.(Candidate)
				if c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != "0" {
					t.Errorf("unexpected candidate: %+v", c)
				}
			},
		},
		{
			name:    "request offer",
			kind:    KindRequestOffer,
			payload: `{"from":"1","to":"7"}`,
			check: func(t *testing.T, sig Signal) {
				if sig.From() != "1" || sig.To() != "7" {
					t.Errorf("route = %s -> %s", sig.From(), sig.To())
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Decode(tc.kind, []byte(tc.payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if sig.Kind() != tc.kind {
				t.Fatalf("kind = %s, want %s", sig.Kind(), tc.kind)
			}
			tc.check(t, sig)
		})
	}
}

// Every payload missing senderId/receiverId, or carrying an empty
// description or candidate, must be rejected.
func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name    string
		kind    Kind
		payload string
	}{
		{"not json", KindCallAccept, `nope`},
		{"missing sender", KindCallAccept, `{"receiverId":"1"}`},
		{"missing receiver", KindCallReject, `{"senderId":"7"}`},
		{"empty object", KindCallEnd, `{}`},
		{"bad media kind", KindCallRequest, `{"senderId":"7","receiverId":"1","mediaKind":"hologram"}`},
		{"offer without sdp", KindOffer, `{"senderId":"7","receiverId":"1","offer":{"type":"offer"}}`},
		{"answer missing", KindAnswer, `{"senderId":"7","receiverId":"1"}`},
		{"empty candidate", KindCandidate, `{"senderId":"7","receiverId":"1","candidate":{}}`},
		{"candidate wrong type", KindCandidate, `{"senderId":"7","receiverId":"1","candidate":"x"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.kind, []byte(tc.payload))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := Decode("call_hold", []byte(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind: err = %v", err)
	}
}

// Encoding a signal and decoding the result must yield the same signal.
func TestEncodeDecode(t *testing.T) {
	mid := "0"
	signals := []Signal{
		CallRequest{Envelope: Addressed("1", "7"), SenderName: "Bo", MediaKind: call.MediaVideo},
		CallAccept{Envelope: Addressed("1", "7")},
		CallReject{Envelope: Addressed("1", "7")},
		CallEnd{Envelope: Addressed("1", "7")},
		Offer{Envelope: Addressed("1", "7"), Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, CallerID: "1"},
		Answer{Envelope: Addressed("1", "7"), Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}},
		Candidate{Envelope: Addressed("1", "7"), Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}},
		RequestOffer{Envelope: Addressed("1", "7"), Restart: true},
	}

	for _, sig := range signals {
		t.Run(string(sig.Kind()), func(t *testing.T) {
			data, err := Encode(sig)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(sig.Kind(), data)
			if err != nil {
				t.Fatalf("Decode(%s): %v", data, err)
			}

			want, _ := json.Marshal(sig)
			have, _ := json.Marshal(got)
			if string(want) != string(have) {
				t.Errorf("round trip mismatch:\n got %s\nwant %s", have, want)
			}
		})
	}
}

// call_end and request_offer go out with both addressing forms.
func TestEncodeLegacyRouting(t *testing.T) {
	data, err := Encode(RequestOffer{Envelope: Addressed("1", "7")})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"senderId", "receiverId", "from", "to"} {
		if _, ok := m[key]; !ok {
			t.Errorf("payload %s missing %q", data, key)
		}
	}
}
