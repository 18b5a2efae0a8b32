package handshake

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub := bytes.Repeat([]byte{0xAB}, 32)
	req := BuildHandshakeRequest("SALSA2012", "KYBER512", 32, pub, "")

	encoded, err := Encode(req, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.MsgType != HandshakeRequest {
		t.Fatalf("MsgType = %v, want HandshakeRequest", decoded.MsgType)
	}
	gotEnc, ok := decoded.Get(TypeEncType)
	if !ok || string(gotEnc) != "SALSA2012" {
		t.Fatalf("TypeEncType = %q, %v", gotEnc, ok)
	}
	gotPub, ok := decoded.Get(TypeAlicePubKey)
	if !ok || !bytes.Equal(gotPub, pub) {
		t.Fatalf("TypeAlicePubKey mismatch")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	req := BuildHandshakeRequest("x", "y", 0, []byte{1}, "")
	encoded, err := Encode(req, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the magic.
	corrupted := append([]byte{}, encoded...)
	corrupted[0] ^= 0xFF

	if _, err := Decode(corrupted, nil); err == nil {
		t.Fatalf("expected decode to fail on bad magic")
	}
}

func TestDecodeRejectsMissingRequiredTLV(t *testing.T) {
	msg := &Message{MsgType: HandshakeRequest}
	// Deliberately omit TypeKEMType and TypeAlicePubKey.
	msg.Set(TypeEncType, []byte("x"))

	encoded, err := Encode(msg, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded, nil); err == nil {
		t.Fatalf("expected decode to fail on missing required TLV")
	}
}

func TestDecodeSkipsUnknownOptionalTLV(t *testing.T) {
	req := BuildHandshakeRequest("SALSA2012", "KYBER512", 32, []byte{1, 2, 3}, "")
	req.Set(TLVType(0x04FF), []byte("future extension"))

	encoded, err := Encode(req, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode should skip unknown optional TLV: %v", err)
	}
	if decoded.MsgType != HandshakeRequest {
		t.Fatalf("MsgType mismatch")
	}
}

func TestEncodeRejectsOversizeTLV(t *testing.T) {
	msg := &Message{MsgType: HandshakeRequest}
	msg.Set(TypeEncType, []byte("x"))
	msg.Set(TypeKEMType, []byte("y"))
	msg.Set(TypeAlicePubKey, bytes.Repeat([]byte{0}, MaxTLVValueSize+1))

	if _, err := Encode(msg, nil); err == nil {
		t.Fatalf("expected encode to reject oversize TLV value")
	}
}

func TestCustomMagicProvider(t *testing.T) {
	custom := func() uint32 { return 0xDEADBEEF }
	req := BuildHandshakeRequest("x", "y", 0, []byte{1}, "")

	encoded, err := Encode(req, custom)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded, custom); err != nil {
		t.Fatalf("Decode with matching custom magic should succeed: %v", err)
	}
}
