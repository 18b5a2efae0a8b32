package stream

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	buf := EncodeHeader(PacketData, 1234)
	if len(buf) != HeaderSize {
		t.Fatalf("header length = %d, want %d", len(buf), HeaderSize)
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != PacketData || hdr.Size != 1234 {
		t.Fatalf("hdr = %+v, want {Data 1234}", hdr)
	}
}

func TestScanForMagicFindsOffsetAndMissing(t *testing.T) {
	buf := append([]byte{0xde, 0xad}, EncodeHeader(PacketKeepAlive, 0)...)
	if idx := ScanForMagic(buf); idx != 2 {
		t.Fatalf("ScanForMagic = %d, want 2", idx)
	}
	if idx := ScanForMagic([]byte{1, 2, 3}); idx != -1 {
		t.Fatalf("ScanForMagic on garbage = %d, want -1", idx)
	}
}

func TestChannelPacketRoundTrip(t *testing.T) {
	cp := ChannelPacket{ID: 3, Type: 7, SeqID: 42, EncType: 1, Data: []byte("hello")}
	buf := EncodeChannelPacket(cp)
	got, err := DecodeChannelPacket(buf)
	if err != nil {
		t.Fatalf("DecodeChannelPacket: %v", err)
	}
	if got.ID != cp.ID || got.Type != cp.Type || got.SeqID != cp.SeqID || string(got.Data) != "hello" {
		t.Fatalf("got = %+v, want equivalent of %+v", got, cp)
	}
}

func TestChannelPacketDecodeSizeMismatch(t *testing.T) {
	cp := ChannelPacket{ID: 1, Data: []byte("xyz")}
	buf := EncodeChannelPacket(cp)
	buf = buf[:len(buf)-1] // truncate, so declared size no longer matches
	if _, err := DecodeChannelPacket(buf); err == nil {
		t.Fatal("expected error on truncated channel packet")
	}
}

func TestFragmentPacketRoundTrip(t *testing.T) {
	fp := FragmentPacket{FullSize: 100, MemShift: 20, Data: []byte("chunk")}
	buf := EncodeFragmentPacket(fp)
	got, err := DecodeFragmentPacket(buf)
	if err != nil {
		t.Fatalf("DecodeFragmentPacket: %v", err)
	}
	if got.FullSize != 100 || got.MemShift != 20 || string(got.Data) != "chunk" {
		t.Fatalf("got = %+v", got)
	}
}

func TestServicePacketRoundTrip(t *testing.T) {
	buf := EncodeServicePacket(ServicePacket{SessionID: 99})
	got, err := DecodeServicePacket(buf)
	if err != nil {
		t.Fatalf("DecodeServicePacket: %v", err)
	}
	if got.SessionID != 99 {
		t.Fatalf("SessionID = %d, want 99", got.SessionID)
	}
	if _, err := DecodeServicePacket(buf[:3]); err == nil {
		t.Fatal("expected error on bad-size service packet")
	}
}
