package stream

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// newCapturingStream builds a Stream whose Ops.Write records each
// framed packet into the returned slice, so tests can feed them back
// into a Reader one at a time or all at once.
func newCapturingStream(t *testing.T) (*Stream, *[][]byte) {
	t.Helper()
	var writes [][]byte
	ops := &transport.Ops{
		Write: func(conn transport.Conn, buf []byte) (int, error) {
			cp := make([]byte, len(buf))
			copy(cp, buf)
			writes = append(writes, cp)
			return len(buf), nil
		},
		Close: func(conn transport.Conn) error { return nil },
	}
	desc := &transport.Descriptor{Kind: transport.KindHTTP, Name: "http", Ops: ops}
	st := New(&fakeConn{addr: "10.0.0.2:5555"}, desc, nil)
	return st, &writes
}

func newEncryptedCapturingStream(t *testing.T) (*Stream, *[][]byte) {
	t.Helper()
	st, writes := newCapturingStream(t)
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	key, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Key: %v", err)
	}
	st.Session = &session.Session{ID: 1, Key: key}
	return st, writes
}

func TestWriteReadSingleDataPacketRoundTrip(t *testing.T) {
	writer, writes := newEncryptedCapturingStream(t)
	ch := NewChannel(5, writer)
	if err := writer.Channels.Add(ch); err != nil {
		t.Fatalf("Add channel: %v", err)
	}

	var got []byte
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return true }
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) { got = payload }, nil)

	reader, _ := newCapturingStream(t)
	reader.Session = writer.Session
	if err := reader.Channels.Add(ch); err != nil {
		t.Fatalf("Add channel on reader: %v", err)
	}
	rdr := NewReader(reader, nil)

	if _, err := Write(writer, ch, 9, []byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var raw []byte
	for _, w := range *writes {
		raw = append(raw, w...)
	}
	if _, err := rdr.Feed(raw); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("dispatched payload = %q, want %q", got, "hello world")
	}
	if reader.LastRecvSeq() != 1 {
		t.Fatalf("LastRecvSeq = %d, want 1", reader.LastRecvSeq())
	}
}

func TestWriteFragmentsLargePayload(t *testing.T) {
	st, writes := newEncryptedCapturingStream(t)
	ch := NewChannel(1, st)
	if err := st.Channels.Add(ch); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var got []byte
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return true }
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) { got = payload }, nil)

	reader, _ := newCapturingStream(t)
	reader.Session = st.Session
	if err := reader.Channels.Add(ch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rdr := NewReader(reader, nil)

	payload := []byte(strings.Repeat("x", maxChunkSize*3+17))
	if _, err := Write(st, ch, 1, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var raw []byte
	for _, w := range *writes {
		raw = append(raw, w...)
	}
	if _, err := rdr.Feed(raw); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload length = %d, want %d", len(got), len(payload))
	}
}

func TestReaderSequenceGapDetection(t *testing.T) {
	st, writes := newEncryptedCapturingStream(t)
	ch := NewChannel(2, st)
	if err := st.Channels.Add(ch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return true }

	var seen []byte
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) { seen = append(seen, payload...) }, nil)

	reader, _ := newCapturingStream(t)
	reader.Session = st.Session
	if err := reader.Channels.Add(ch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rdr := NewReader(reader, nil)

	if _, err := Write(st, ch, 1, []byte("a")); err != nil { // seq 1
		t.Fatalf("Write a: %v", err)
	}
	if _, err := Write(st, ch, 1, []byte("b")); err != nil { // seq 2
		t.Fatalf("Write b: %v", err)
	}
	if _, err := Write(st, ch, 1, []byte("c")); err != nil { // seq 3
		t.Fatalf("Write c: %v", err)
	}
	pkts := *writes

	// Feed seq 1, then seq 3 (loss: seq 2 skipped), then replay seq 1.
	if _, err := rdr.Feed(pkts[0]); err != nil {
		t.Fatalf("Feed seq1: %v", err)
	}
	if _, err := rdr.Feed(pkts[2]); err != nil {
		t.Fatalf("Feed seq3: %v", err)
	}
	if reader.LastRecvSeq() != 3 {
		t.Fatalf("LastRecvSeq after loss = %d, want 3", reader.LastRecvSeq())
	}
	if _, err := rdr.Feed(pkts[0]); err != nil {
		t.Fatalf("Feed replay: %v", err)
	}
	if reader.LastRecvSeq() != 3 {
		t.Fatalf("LastRecvSeq after replay should stay 3, got %d", reader.LastRecvSeq())
	}
	if string(seen) != "ac" {
		t.Fatalf("seen = %q, want %q (b lost, replayed a dropped)", seen, "ac")
	}
}

// TestReaderKeepAliveRepliesWithAlive pins §4.2's KEEPALIVE handling:
// the receiver writes back a header-only ALIVE packet and rearms its
// keep-alive timer, without touching is_active.
func TestReaderKeepAliveRepliesWithAlive(t *testing.T) {
	st, writes := newCapturingStream(t)
	st.KeepAlive = time.NewTimer(time.Hour)
	st.SetActive(true)

	rdr := NewReader(st, nil)
	if _, err := rdr.Feed(framePacket(PacketKeepAlive, nil)); err != nil {
		t.Fatalf("Feed keepalive: %v", err)
	}

	pkts := *writes
	if len(pkts) != 1 {
		t.Fatalf("writes = %d, want 1 ALIVE reply", len(pkts))
	}
	hdr, err := DecodeHeader(pkts[0])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != PacketAlive {
		t.Fatalf("reply type = %v, want PacketAlive", hdr.Type)
	}
	if hdr.Size != 0 {
		t.Fatalf("reply size = %d, want 0 (header-only)", hdr.Size)
	}
	if !st.IsActive() {
		t.Fatal("is_active should be untouched by KEEPALIVE")
	}
	select {
	case <-st.KeepAlive.C:
		t.Fatal("keep-alive timer should have been rearmed, not left to fire immediately")
	default:
	}
}

// TestReaderAliveClearsActive pins §4.2's ALIVE handling: receiving it
// clears is_active on this side.
func TestReaderAliveClearsActive(t *testing.T) {
	st, _ := newCapturingStream(t)
	st.SetActive(true)

	rdr := NewReader(st, nil)
	if _, err := rdr.Feed(framePacket(PacketAlive, nil)); err != nil {
		t.Fatalf("Feed alive: %v", err)
	}
	if st.IsActive() {
		t.Fatal("is_active should be cleared on receiving ALIVE")
	}
}
