package httptransport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// TestRoundTrip drives a real handshake, session-create, and bidirectional
// data exchange against an httptest.Server wrapping Handler, exercising
// the same sequence internal/stage.Client drives but without the stage
// machine itself, to pin down the wire contract between the client
// adapter in this package and its own server handler.
func TestRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kem := crypto.NewX25519KEM()
	sessions := session.NewStore()

	serverDesc := &transport.Descriptor{Kind: transport.KindHTTP, Name: "http", Ops: ServerOps()}

	serverStreams := make(chan *stream.Stream, 1)
	onSession := func(sid uint32, channels string, st *stream.Stream) {
		for _, id := range []byte(channels) {
			ch := stream.NewChannel(id, st)
			ch.PacketIn = func(c *stream.Channel, pkt stream.ChannelPacket) bool { return true }
			ch.SetReady(true, true)
			ch.Subscribe(func(c *stream.Channel, pktType byte, payload []byte, arg any) {
				// Echo whatever arrives straight back on the same channel.
				_, _ = stream.Write(st, c, pktType, payload)
			}, nil)
			_ = st.Channels.Add(ch)
		}
		serverStreams <- st
	}

	handler := NewHandler(kem, sessions, nil, serverDesc, log, onSession)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientOps := New(log)
	clientDesc := &transport.Descriptor{Kind: transport.KindHTTP, Name: "http", Ops: clientOps}

	conn, err := clientOps.StagePrepare(ctx, ts.URL)
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

	result, err := clientOps.HandshakeInit(ctx, conn, params)
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

	sid, err := clientOps.SessionCreate(ctx, conn, "0")
	if err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}

	if err := clientOps.SessionStart(ctx, conn); err != nil {
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

	serverSt := <-serverStreams

	if _, err := stream.Write(clientSt, clientCh, byte(stream.PacketData), []byte("hello from client")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello from client" {
			t.Fatalf("echoed payload = %q, want %q", got, "hello from client")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed payload")
	}

	_ = clientOps.Close(conn)
	_ = serverSt.Close()
	<-readDone
}
