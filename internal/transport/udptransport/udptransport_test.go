package udptransport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// TestHeaderRoundTrip pins the 18-byte datagram header's wire layout
// (§3, §4.6) independent of the client/server adapters.
func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello")
	datagram := BuildDatagram(DatagramData, 7, 0xDEADBEEF, payload)
	if len(datagram) != HeaderSize+len(payload) {
		t.Fatalf("datagram length = %d, want %d", len(datagram), HeaderSize+len(payload))
	}

	hdr, err := DecodeHeader(datagram)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", hdr.Version, ProtocolVersion)
	}
	if hdr.Type != DatagramData {
		t.Errorf("Type = %d, want %d", hdr.Type, DatagramData)
	}
	if hdr.Length != uint16(len(payload)) {
		t.Errorf("Length = %d, want %d", hdr.Length, len(payload))
	}
	if hdr.SeqNum != 7 {
		t.Errorf("SeqNum = %d, want 7", hdr.SeqNum)
	}
	if hdr.SessionID != 0xDEADBEEF {
		t.Errorf("SessionID = %#x, want %#x", hdr.SessionID, uint64(0xDEADBEEF))
	}
}

// TestDecodeHeaderShort confirms §4.6 step 1's "drop datagrams shorter
// than the header" is surfaced as an error rather than a panic.
func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("DecodeHeader of a short buffer should error")
	}
}

// TestRoundTrip drives a full HANDSHAKE -> SESSION_CREATE -> DATA
// exchange between the client adapter and a real Listener over loopback
// UDP (§7 worked example 2), mirroring httptransport's TestRoundTrip at
// the datagram layer.
func TestRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kem := crypto.NewX25519KEM()
	sessions := session.NewStore()

	serverDesc := &transport.Descriptor{Kind: transport.KindUDPBasic, Name: "udp_basic", Ops: ServerOps()}

	serverStreams := make(chan *stream.Stream, 1)
	onSession := func(sid uint32, channels string, st *stream.Stream) {
		for _, id := range []byte(channels) {
			ch := stream.NewChannel(id, st)
			ch.PacketIn = func(c *stream.Channel, pkt stream.ChannelPacket) bool { return true }
			ch.SetReady(true, true)
			ch.Subscribe(func(c *stream.Channel, pktType byte, payload []byte, arg any) {
				_, _ = stream.Write(st, c, pktType, payload)
			}, nil)
			_ = st.Channels.Add(ch)
		}
		serverStreams <- st
	}

	listener, err := NewListener("127.0.0.1:0", kem, serverDesc, sessions, onSession, log, false)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	clientOps := New(kem, log)
	clientDesc := &transport.Descriptor{Kind: transport.KindUDPBasic, Name: "udp_basic", Ops: clientOps}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, err := clientOps.StagePrepare(dialCtx, listener.Addr().String())
	if err != nil {
		t.Fatalf("StagePrepare: %v", err)
	}

	clientPub, clientPriv, err := kem.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	params := transport.HandshakeParams{
		SymmetricAlgorithm: "chacha20poly1305",
		KEMAlgorithm:       "x25519",
		ProtocolVersion:    1,
		ClientKEMPublic:    clientPub,
	}
	if err := params.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	result, err := clientOps.HandshakeInit(dialCtx, conn, params)
	if err != nil {
		t.Fatalf("HandshakeInit: %v", err)
	}
	if !result.Success {
		t.Fatalf("handshake not successful: %s", result.ErrorMessage)
	}

	secret, err := kem.Decapsulate(result.ServerKEMCT, clientPriv)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	sessionKey, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Key: %v", err)
	}

	sid, err := clientOps.SessionCreate(dialCtx, conn, "0")
	if err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}
	if err := clientOps.SessionStart(dialCtx, conn); err != nil {
		t.Fatalf("SessionStart: %v", err)
	}

	clientSess := &session.Session{ID: sid, Key: sessionKey}
	clientSt := stream.New(conn, clientDesc, clientSess)

	clientCh := stream.NewChannel('0', clientSt)
	clientCh.PacketIn = func(c *stream.Channel, pkt stream.ChannelPacket) bool { return true }
	clientCh.SetReady(true, true)
	received := make(chan []byte, 1)
	clientCh.Subscribe(func(c *stream.Channel, pktType byte, payload []byte, arg any) {
		received <- append([]byte(nil), payload...)
	}, nil)
	if err := clientSt.Channels.Add(clientCh); err != nil {
		t.Fatalf("Channels.Add: %v", err)
	}

	clientReader := stream.NewReader(clientSt, log)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := clientOps.Read(conn, buf)
			if n > 0 {
				_, _ = clientReader.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	var serverSt *stream.Stream
	select {
	case serverSt = <-serverStreams:
	case <-dialCtx.Done():
		t.Fatal("timed out waiting for server stream")
	}

	if _, err := stream.Write(clientSt, clientCh, byte(stream.PacketData), []byte("hello over udp")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello over udp" {
			t.Fatalf("echoed payload = %q, want %q", got, "hello over udp")
		}
	case <-dialCtx.Done():
		t.Fatal("timed out waiting for echoed payload")
	}

	_ = clientOps.Close(conn)
	_ = serverSt.Close()
	<-readDone
}

// TestSessionCreateFallsBackToHandshakeKey pins the behavior added in
// handleSessionCreate: when a client sends no wrapped session key (this
// adapter's client.go never does, by design — see DESIGN.md), the
// server installs the handshake key itself as the session key rather
// than leaving the session unencrypted, so both sides end up holding
// the same symmetric key.
func TestSessionCreateFallsBackToHandshakeKey(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kem := crypto.NewX25519KEM()
	sessions := session.NewStore()
	serverDesc := &transport.Descriptor{Kind: transport.KindUDPBasic, Name: "udp_basic", Ops: ServerOps()}

	gotKey := make(chan crypto.Key, 1)
	onSession := func(sid uint32, channels string, st *stream.Stream) {
		gotKey <- st.Session.Key
	}

	listener, err := NewListener("127.0.0.1:0", kem, serverDesc, sessions, onSession, log, false)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	clientOps := New(kem, log)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, err := clientOps.StagePrepare(dialCtx, listener.Addr().String())
	if err != nil {
		t.Fatalf("StagePrepare: %v", err)
	}
	defer clientOps.Close(conn)

	clientPub, _, err := kem.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	params := transport.HandshakeParams{
		SymmetricAlgorithm: "chacha20poly1305",
		KEMAlgorithm:       "x25519",
		ProtocolVersion:    1,
		ClientKEMPublic:    clientPub,
	}
	if _, err := clientOps.HandshakeInit(dialCtx, conn, params); err != nil {
		t.Fatalf("HandshakeInit: %v", err)
	}
	if _, err := clientOps.SessionCreate(dialCtx, conn, "0"); err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}

	select {
	case key := <-gotKey:
		if key == nil {
			t.Fatal("server session key is nil, want the handshake key installed as a fallback")
		}
	case <-dialCtx.Done():
		t.Fatal("timed out waiting for onSession callback")
	}
}
