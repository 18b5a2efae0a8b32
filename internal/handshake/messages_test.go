package handshake

import "testing"

func TestSessionCreateRoundTrip(t *testing.T) {
	msg := BuildSessionCreate(42, "A,B", []byte("encrypted-key"))

	encoded, err := Encode(msg, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sid, ok := decoded.SessionIDUint32()
	if !ok || sid != 42 {
		t.Fatalf("SessionIDUint32 = %d, %v", sid, ok)
	}
	channels, ok := decoded.Get(TypeChannels)
	if !ok || string(channels) != "A,B" {
		t.Fatalf("channels = %q, %v", channels, ok)
	}
}

func TestHandshakeResponseSuccessFlag(t *testing.T) {
	ok := BuildHandshakeResponseOK("sess-id", []byte{1, 2, 3}, nil)
	if !ok.IsSuccess() {
		t.Fatalf("expected success response to report IsSuccess")
	}

	fail := BuildHandshakeResponseError("HANDSHAKE_AUTH_ERROR", "bad cert")
	if fail.IsSuccess() {
		t.Fatalf("expected failure response to report !IsSuccess")
	}
}

func TestMessageTypeString(t *testing.T) {
	cases := map[MessageType]string{
		HandshakeRequest:      "HANDSHAKE_REQUEST",
		HandshakeResponse:     "HANDSHAKE_RESPONSE",
		SessionCreate:         "SESSION_CREATE",
		SessionCreateResponse: "SESSION_CREATE_RESPONSE",
		StreamReady:           "STREAM_READY",
		StreamStart:           "STREAM_START",
	}
	for mt, want := range cases {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", mt, got, want)
		}
	}
}
