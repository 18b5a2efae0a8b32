package stage

import (
	"context"
	"testing"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/streamerr"
	"github.com/dap-stream/dap-stream/internal/transport"
)

type fakeConn struct{ addr string }

func (c *fakeConn) RemoteAddr() string { return c.addr }

func successOps(t *testing.T) *transport.Ops {
	t.Helper()
	kem := crypto.NewX25519KEM()
	serverPub, _, err := kem.GenerateKeypair()
	if err != nil {
		t.Fatalf("kem.GenerateKeypair: %v", err)
	}
	return &transport.Ops{
		HandshakeInit: func(ctx context.Context, conn transport.Conn, params transport.HandshakeParams) (transport.HandshakeResult, error) {
			ct, _, err := kem.Encapsulate(params.ClientKEMPublic)
			if err != nil {
				return transport.HandshakeResult{}, err
			}
			_ = serverPub
			return transport.HandshakeResult{Success: true, ServerKEMCT: ct}, nil
		},
		SessionCreate: func(ctx context.Context, conn transport.Conn, channels string) (uint32, error) {
			return 42, nil
		},
		StagePrepare: func(ctx context.Context, addr string) (transport.Conn, error) {
			return &fakeConn{addr: "ctl"}, nil
		},
		Connect: func(ctx context.Context, addr string) (transport.Conn, error) {
			return &fakeConn{addr: addr}, nil
		},
		SessionStart: func(ctx context.Context, conn transport.Conn) error {
			return nil
		},
	}
}

func TestGoStageReachesStreamingOnSuccess(t *testing.T) {
	reg := transport.NewRegistry()
	if err := reg.Register("http", transport.KindHTTP, successOps(t), transport.SocketStream); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c, err := New(
		WithRegistry(reg),
		WithFallbackOrder(transport.KindHTTP),
		WithAddr("example:1234"),
		WithChannels("A,B"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.GoStage(context.Background(), StageStreamStreaming); err != nil {
		t.Fatalf("GoStage: %v", err)
	}
	if c.CurrentStage() != StageStreamStreaming {
		t.Fatalf("stage = %v, want STREAM_STREAMING", c.CurrentStage())
	}
	if c.Status() != StatusComplete {
		t.Fatalf("status = %v, want COMPLETE", c.Status())
	}
	if c.Stream == nil {
		t.Fatal("expected a Stream to be constructed at STREAM_STREAMING")
	}
}

func TestGoStageFallsBackOnConnectionRefused(t *testing.T) {
	reg := transport.NewRegistry()
	httpOps := successOps(t)
	httpOps.Connect = func(ctx context.Context, addr string) (transport.Conn, error) {
		return nil, streamerr.New(streamerr.KindNetworkRefused)
	}
	wsOps := successOps(t)

	if err := reg.Register("http", transport.KindHTTP, httpOps, transport.SocketStream); err != nil {
		t.Fatalf("Register http: %v", err)
	}
	if err := reg.Register("websocket", transport.KindWebSocket, wsOps, transport.SocketStream); err != nil {
		t.Fatalf("Register websocket: %v", err)
	}

	c, err := New(
		WithRegistry(reg),
		WithFallbackOrder(transport.KindHTTP, transport.KindWebSocket),
		WithAddr("example:1234"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.GoStage(context.Background(), StageStreamStreaming); err != nil {
		t.Fatalf("GoStage: %v", err)
	}
	if c.active.Kind != transport.KindWebSocket {
		t.Fatalf("active transport = %v, want websocket after fallback", c.active.Kind)
	}
}

func TestGoStageExhaustsFallbackAndSurfacesError(t *testing.T) {
	reg := transport.NewRegistry()
	refusedOps := &transport.Ops{
		HandshakeInit: func(ctx context.Context, conn transport.Conn, params transport.HandshakeParams) (transport.HandshakeResult, error) {
			return transport.HandshakeResult{}, streamerr.New(streamerr.KindNetworkRefused)
		},
	}
	if err := reg.Register("http", transport.KindHTTP, refusedOps, transport.SocketStream); err != nil {
		t.Fatalf("Register: %v", err)
	}

	errCh := make(chan error, 1)
	c2, err := New(
		WithRegistry(reg),
		WithFallbackOrder(transport.KindHTTP),
		WithAddr("x"),
		WithErrorCallback(func(cl *Client, e error) { errCh <- e }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var gotErr error
	if err := c2.GoStage(context.Background(), StageStreamStreaming); err == nil {
		t.Fatal("expected error once fallback is exhausted")
	} else if streamerr.KindOf(err) != streamerr.KindTransportExhausted {
		t.Fatalf("err kind = %v, want TRANSPORT_FALLBACK_EXHAUSTED", streamerr.KindOf(err))
	}
	select {
	case gotErr = <-errCh:
	default:
		t.Fatal("expected error callback invocation")
	}
	if streamerr.KindOf(gotErr) != streamerr.KindTransportExhausted {
		t.Fatalf("callback err kind = %v", streamerr.KindOf(gotErr))
	}
}

func TestConnectOnDemandQueuesWriteUntilStreaming(t *testing.T) {
	reg := transport.NewRegistry()
	if err := reg.Register("http", transport.KindHTTP, successOps(t), transport.SocketStream); err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan struct{})
	c, err := New(
		WithRegistry(reg),
		WithFallbackOrder(transport.KindHTTP),
		WithAddr("x"),
		WithConnectOnDemand(true),
		WithDoneCallback(func(cl *Client) { close(done) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Write(context.Background(), 1, 9, []byte("queued")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done // Write's connect_on_demand path drives the stage chain asynchronously.
	if c.CurrentStage() != StageStreamStreaming {
		t.Fatalf("stage = %v, want STREAM_STREAMING", c.CurrentStage())
	}
}
