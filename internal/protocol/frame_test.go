package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// TestEncodeDecode verifies that a frame survives encoding and decoding with
// its event name and payload intact.
func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name    string
		event   string
		payload any
		want    string
	}{
		{
			name:    "join",
			event:   EventJoin,
			payload: JoinPayload{UserID: "42"},
			want:    `{"userId":"42"}`,
		},
		{
			name:    "routed payload",
			event:   "call_accept",
			payload: Route{SenderID: "1", ReceiverID: "2"},
			want:    `{"senderId":"1","receiverId":"2"}`,
		},
		{
			name:    "no payload",
			event:   "ping",
			payload: nil,
			want:    ``,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.event, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			frame, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if frame.Event != tc.event {
				t.Errorf("event = %q, want %q", frame.Event, tc.event)
			}
			if !bytes.Equal(frame.Payload, []byte(tc.want)) {
				t.Errorf("payload = %s, want %s", frame.Payload, tc.want)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("hello")},
		{"missing event", []byte(`{"payload":{}}`)},
		{"empty event", []byte(`{"event":""}`)},
		{"oversized", []byte(`{"event":"x","payload":"` + strings.Repeat("a", MaxFrameSize) + `"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	if _, err := Encode("", nil); !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("Encode with empty event: err = %v, want ErrEmptyEvent", err)
	}
}

func TestPeekRoute(t *testing.T) {
	testCases := []struct {
		name         string
		payload      string
		wantSender   string
		wantReceiver string
	}{
		{"sender receiver", `{"senderId":"7","receiverId":"9","offer":{}}`, "7", "9"},
		{"from to", `{"from":"7","to":"9"}`, "7", "9"},
		{"sender wins over from", `{"senderId":"7","from":"8","to":"9"}`, "7", "9"},
		{"empty", ``, "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := PeekRoute([]byte(tc.payload))
			if err != nil {
				t.Fatalf("PeekRoute: %v", err)
			}
			if r.Sender() != tc.wantSender || r.Receiver() != tc.wantReceiver {
				t.Errorf("route = (%q -> %q), want (%q -> %q)",
					r.Sender(), r.Receiver(), tc.wantSender, tc.wantReceiver)
			}
		})
	}

	if _, err := PeekRoute([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}
