package udptransport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/handshake"
	"github.com/dap-stream/dap-stream/internal/streamerr"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// Conn is the client-side udptransport.Conn: a connected UDP socket
// (so Go's net package fixes the remote peer, matching §4.6's "connect()
// on UDP fixes the remote peer so send/recv work"), plus the per-stream
// sequence counter and session id assigned by the handshake.
type Conn struct {
	nc   *net.UDPConn
	addr string

	seq       atomic.Uint32
	sessionID atomic.Uint64

	mu           sync.Mutex
	handshakeKey crypto.Key
}

func (c *Conn) RemoteAddr() string { return c.addr }

// New builds the client-side UDP transport's Ops (§4.6 "Client side").
func New(kem crypto.KEM, log *slog.Logger) *transport.Ops {
	if log == nil {
		log = slog.Default()
	}
	a := &clientAdapter{kem: kem, log: log}
	return &transport.Ops{
		StagePrepare:     a.stagePrepare,
		Connect:          a.connect,
		HandshakeInit:    a.handshakeInit,
		HandshakeProcess: a.handshakeProcess,
		SessionCreate:    a.sessionCreate,
		SessionStart:     a.sessionStart,
		Read:             a.read,
		Write:            a.write,
		Close:            a.close,
		Listen:           a.listen,
	}
}

type clientAdapter struct {
	kem crypto.KEM
	log *slog.Logger
}

// stagePrepare creates the datagram socket and connects it to addr
// (§4.6: "creates a datagram socket ... connects it"). This is where
// the real dial happens, not at the later Connect transition, because
// doHandshakeInit needs a usable conn first.
func (a *clientAdapter) stagePrepare(ctx context.Context, addr string) (transport.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetworkRefused, "resolve udp addr", err)
	}
	nc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetworkRefused, "dial udp", err)
	}
	return &Conn{nc: nc, addr: addr}, nil
}

// connect is a no-op: the socket is already connected from stagePrepare
// (§4.6: "Connect is a no-op (already bound)").
func (a *clientAdapter) connect(ctx context.Context, addr string) (transport.Conn, error) {
	return nil, nil
}

// handshakeInit sends a HANDSHAKE datagram carrying the TLV request with
// the client's KEM public key, and waits for the server's response
// carrying its KEM ciphertext and assigned session id (§4.6, §7 worked
// example 2).
func (a *clientAdapter) handshakeInit(ctx context.Context, rawConn transport.Conn, params transport.HandshakeParams) (transport.HandshakeResult, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return transport.HandshakeResult{}, streamerr.New(streamerr.KindStageWrongAddress)
	}

	msg := handshake.BuildHandshakeRequest(params.SymmetricAlgorithm, params.KEMAlgorithm, params.BlockKeySize, params.ClientKEMPublic, params.AuthCertName)
	body, err := handshake.Encode(msg, nil)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeControl, "encode handshake request", err)
	}
	datagram := BuildDatagram(DatagramHandshake, 0, 0, body)

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	} else {
		_ = c.nc.SetDeadline(time.Now().Add(15 * time.Second))
	}
	defer c.nc.SetDeadline(time.Time{})

	if _, err := c.nc.Write(datagram); err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindNetworkRefused, "send handshake datagram", err)
	}

	buf := make([]byte, 64*1024)
	n, err := c.nc.Read(buf)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "read handshake response", err)
	}
	hdr, err := DecodeHeader(buf[:n])
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "decode handshake response header", err)
	}
	if hdr.Type != DatagramHandshake {
		return transport.HandshakeResult{}, streamerr.Newf(streamerr.KindHandshakeBadResponse, "unexpected datagram type %d", hdr.Type)
	}
	payload := buf[HeaderSize:n]
	if len(payload) != int(hdr.Length) {
		return transport.HandshakeResult{}, streamerr.New(streamerr.KindHandshakeBadResponse)
	}

	respMsg, err := handshake.Decode(payload, nil)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "decode handshake TLV", err)
	}
	if !respMsg.IsSuccess() {
		errMsg, _ := respMsg.Get(handshake.TypeErrorMsg)
		return transport.HandshakeResult{Success: false, ErrorMessage: string(errMsg)}, nil
	}

	serverCT, _ := respMsg.Get(handshake.TypeBobKEMCT)
	sid, _ := respMsg.SessionIDUint32()
	c.sessionID.Store(uint64(sid))

	return transport.HandshakeResult{
		Success:     true,
		ServerKEMCT: serverCT,
	}, nil
}

// handshakeProcess is unused client-side; server datagram dispatch is
// driven by Listener instead (server.go).
func (a *clientAdapter) handshakeProcess(ctx context.Context, rawConn transport.Conn, reqPayload []byte) ([]byte, error) {
	return nil, streamerr.New(streamerr.KindHandshakeControl)
}

// sessionCreate sends the SESSION_CREATE datagram carrying the session
// id and channel set only; it sends no session-key TLV. The stage
// machine installs the handshake key derived in doHandshakeInit as the
// stream's session key directly, and the server falls back to the same
// key when no session-key TLV arrives.
func (a *clientAdapter) sessionCreate(ctx context.Context, rawConn transport.Conn, channels string) (uint32, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}

	sid := uint32(c.sessionID.Load())
	msg := handshake.BuildSessionCreate(sid, channels, nil)
	body, err := handshake.Encode(msg, nil)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeControl, "encode session_create", err)
	}
	datagram := BuildDatagram(DatagramSessionCreate, c.seq.Add(1), c.sessionID.Load(), body)

	_ = c.nc.SetDeadline(time.Now().Add(15 * time.Second))
	defer c.nc.SetDeadline(time.Time{})

	if _, err := c.nc.Write(datagram); err != nil {
		return 0, streamerr.Wrap(streamerr.KindNetworkRefused, "send session_create datagram", err)
	}

	buf := make([]byte, 4096)
	n, err := c.nc.Read(buf)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "read session_create response", err)
	}
	hdr, err := DecodeHeader(buf[:n])
	if err != nil || hdr.Type != DatagramSessionCreate {
		return 0, streamerr.New(streamerr.KindHandshakeBadResponse)
	}
	respMsg, err := handshake.Decode(buf[HeaderSize:n], nil)
	if err != nil || !respMsg.IsSuccess() {
		return 0, streamerr.New(streamerr.KindHandshakeAuth)
	}
	return sid, nil
}

func (a *clientAdapter) sessionStart(ctx context.Context, rawConn transport.Conn) error {
	return nil
}

// read strips the UDP datagram header and returns the inner (already
// stream-packet-framed) payload; KEEPALIVE datagrams at this layer are
// swallowed rather than surfaced (the stream codec's own KEEPALIVE/ALIVE
// packets, carried inside DATA datagrams, are what the stream engine
// reacts to — §4.2).
func (a *clientAdapter) read(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}
	raw := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(raw)
		if err != nil {
			return 0, streamerr.Wrap(streamerr.KindStreamAborted, "udp read", err)
		}
		if n < HeaderSize {
			continue // drop short datagram, per §4.6 step 1
		}
		hdr, err := DecodeHeader(raw[:n])
		if err != nil {
			continue
		}
		payload := raw[HeaderSize:n]
		if int(hdr.Length) != len(payload) {
			continue // length disagreement: dropped, not truncated (§8)
		}
		switch hdr.Type {
		case DatagramData:
			return copy(buf, payload), nil
		case DatagramKeepalive, DatagramClose:
			continue
		default:
			continue
		}
	}
}

// write wraps application bytes (already a complete stream packet, per
// the codec in internal/stream) in a DATA datagram and sends it.
func (a *clientAdapter) write(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}
	datagram := BuildDatagram(DatagramData, c.seq.Add(1), c.sessionID.Load(), buf)
	if _, err := c.nc.Write(datagram); err != nil {
		return 0, streamerr.Wrap(streamerr.KindStreamAborted, "udp write", err)
	}
	return len(buf), nil
}

func (a *clientAdapter) close(rawConn transport.Conn) error {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return nil
	}
	datagram := BuildDatagram(DatagramClose, c.seq.Add(1), c.sessionID.Load(), nil)
	_, _ = c.nc.Write(datagram)
	return c.nc.Close()
}

func (a *clientAdapter) listen(ctx context.Context, addr string, accept func(transport.Conn)) error {
	return streamerr.New(streamerr.KindStageWrongAddress)
}
