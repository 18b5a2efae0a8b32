package udptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/handshake"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/ratelimit"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// handshakeRateLimit bounds HANDSHAKE datagrams accepted per remote
// address: a flood from one address would otherwise allocate a fresh
// KEM keypair and session-table entry per datagram (§7 "Resource
// exhaustion"). 5 attempts/second with a burst of 10 comfortably
// covers legitimate client retries while capping a single-address
// flood.
var handshakeRateLimit = ratelimit.Config{Rate: 5, Burst: 10, Period: time.Second}

// addrKey hashes a remote address into the session table's lookup key.
// The per-datagram hot path (§4.6 "Socket model": every inbound
// datagram is demuxed by remote address) would otherwise pay for a
// fresh string allocation and comparison per lookup; xxhash turns that
// into a single pass over the (short, fixed-format) IP:port text with
// no allocation beyond the uint64 result. A 64-bit keyspace makes
// collisions between concurrently active remote addresses practically
// impossible for any session table this server will hold in memory.
func addrKey(addr *net.UDPAddr) uint64 {
	return xxhash.Sum64String(addr.String())
}

// entry is one row of the UDP session table (§3 "UDP session table
// (server side)"): keyed by remote address, holding the virtual
// stream's session id, its Stream, the handshake key pending
// SESSION_CREATE, and a liveness timestamp.
type entry struct {
	mu sync.Mutex

	remoteAddr   *net.UDPAddr
	sessionID    uint64
	st           *stream.Stream
	reader       *stream.Reader
	handshakeKey crypto.Key
	seq          atomic.Uint32
	lastActivity atomic.Int64 // unix nanos
}

// serverConn is the virtual stream's transport.Conn: no OS socket of
// its own, writes go back out through the listener's sendto (§4.6
// "Server side, send path").
type serverConn struct {
	listener *Listener
	e        *entry
}

func (c *serverConn) RemoteAddr() string { return c.e.remoteAddr.String() }

// Listener is the single physical UDP socket a server binds, demuxing
// inbound datagrams by remote address into virtual streams (§4.6
// "Socket model").
type Listener struct {
	pc   *net.UDPConn
	kem  crypto.KEM
	desc *transport.Descriptor

	sessions  session.Backend
	onSession func(sessionID uint32, channels string, st *stream.Stream)
	met       *metrics.Metrics

	mu      sync.RWMutex
	byAddr  map[uint64]*entry
	nextSID uint64

	handshakeLimiter *ratelimit.Limiter

	log *slog.Logger
}

// NewListener binds addr and constructs a Listener. onSession is called
// once a virtual stream reaches STREAM_STREAMING (i.e. SESSION_CREATE
// completes) so the caller can wire channel handlers. When reusePort is
// true the socket is bound with SO_REUSEPORT (SPEC_FULL.md §1.2: several
// Listener goroutines sharing one port, each with its own session
// table, for a multi-core UDP server) via listenUDPReusePort; otherwise
// it binds with the ordinary net.ListenUDP.
func NewListener(addr string, kem crypto.KEM, desc *transport.Descriptor, sessions session.Backend, onSession func(uint32, string, *stream.Stream), log *slog.Logger, reusePort bool) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolve listen addr: %w", err)
	}
	var pc *net.UDPConn
	if reusePort {
		pc, err = listenUDPReusePort(laddr)
	} else {
		pc, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen: %w", err)
	}
	return &Listener{
		pc:               pc,
		kem:              kem,
		desc:             desc,
		sessions:         sessions,
		onSession:        onSession,
		byAddr:           make(map[uint64]*entry),
		handshakeLimiter: ratelimit.New(handshakeRateLimit),
		log:              log,
	}, nil
}

// SetMetrics attaches the optional Prometheus instrumentation
// (SPEC_FULL.md §1.1) to every virtual stream this listener creates
// from now on.
func (l *Listener) SetMetrics(met *metrics.Metrics) {
	l.met = met
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// Close shuts down the physical socket.
func (l *Listener) Close() error { return l.pc.Close() }

// Serve runs the receive loop described in §4.6 "Server side, receive
// path" until ctx is canceled or the socket closes.
func (l *Listener) Serve(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, raddr, err := l.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udptransport: read: %w", err)
		}
		l.dispatch(ctx, raddr, buf[:n])
	}
}

// dispatch classifies and routes one datagram (§4.6 steps 1-8). The
// session-table lock is held as reader only for the entry lookup;
// datagrams are dispatched one at a time from Serve's loop, so a CLOSE
// is handled only after the previous DATA has been delivered (§8:
// "DATA is delivered, then stream is deleted").
func (l *Listener) dispatch(ctx context.Context, raddr *net.UDPAddr, datagram []byte) {
	if len(datagram) < HeaderSize {
		return // drop short datagram
	}

	l.mu.RLock()
	e, exists := l.byAddr[addrKey(raddr)]
	l.mu.RUnlock()

	if exists {
		e.mu.Lock()
		hasKey := e.st != nil && e.st.Session != nil && e.st.Session.Key != nil
		e.mu.Unlock()
		if hasKey && datagram[0] != ProtocolVersion {
			// §4.6 step 3: indistinguishable-from-noise encrypted DATA
			// payload riding a version byte that doesn't match 1.
			l.routeData(e, datagram)
			return
		}
	}

	hdr, err := DecodeHeader(datagram)
	if err != nil {
		return
	}
	if hdr.Version != ProtocolVersion {
		return
	}
	payload := datagram[HeaderSize:]
	if int(hdr.Length) != len(payload) {
		return // length disagreement: dropped, not truncated (§8)
	}

	switch hdr.Type {
	case DatagramHandshake:
		l.handleHandshake(raddr, payload)
	case DatagramSessionCreate:
		if exists {
			l.handleSessionCreate(e, payload)
		}
	case DatagramData:
		if exists {
			e.lastActivity.Store(time.Now().UnixNano())
			l.routeData(e, datagram)
		}
	case DatagramKeepalive:
		if exists {
			e.lastActivity.Store(time.Now().UnixNano())
		}
	case DatagramClose:
		l.handleClose(raddr)
	}
}

// handleHandshake creates a session entry (if none exists yet) with a
// freshly allocated Stream whose conn has no OS socket (§4.6 step 4).
func (l *Listener) handleHandshake(raddr *net.UDPAddr, payload []byte) {
	if res := l.handshakeLimiter.Allow(raddr.String()); !res.Allowed {
		l.log.Warn("udptransport: handshake rate limit exceeded", "remote", raddr.String(), "retry_after", res.RetryAfter)
		return
	}

	l.mu.Lock()
	if _, exists := l.byAddr[addrKey(raddr)]; exists {
		l.mu.Unlock()
		return
	}
	l.nextSID++
	sid := l.nextSID
	l.mu.Unlock()

	reqMsg, err := handshake.Decode(payload, nil)
	if err != nil {
		l.log.Warn("udptransport: bad handshake payload", "err", err)
		return
	}
	clientPub, _ := reqMsg.Get(handshake.TypeAlicePubKey)

	ct, secret, err := l.kem.Encapsulate(clientPub)
	if err != nil {
		l.log.Warn("udptransport: kem encapsulate failed", "err", err)
		return
	}
	handshakeKey, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		l.log.Warn("udptransport: deriving handshake key failed", "err", err)
		return
	}

	e := &entry{remoteAddr: raddr, sessionID: sid, handshakeKey: handshakeKey}
	conn := &serverConn{listener: l, e: e}
	e.st = stream.New(conn, l.desc, nil)
	e.st.Metrics = l.met
	e.reader = stream.NewReader(e.st, l.log)

	l.mu.Lock()
	l.byAddr[addrKey(raddr)] = e
	l.mu.Unlock()

	respMsg := handshake.BuildHandshakeResponseOK(fmt.Sprintf("%d", sid), ct, nil)
	// Stash the session id directly: the HANDSHAKE_RESPONSE's
	// session-id TLV doubles as the UDP session id for this adapter
	// (the generic handshake.Message's session-id TLV is reused rather
	// than adding a ninth TLV type solely for this).
	respMsg.Set(handshake.TypeSessionID, uint32BE(uint32(sid)))
	body, err := handshake.Encode(respMsg, nil)
	if err != nil {
		l.log.Warn("udptransport: encode handshake response failed", "err", err)
		return
	}
	datagram := BuildDatagram(DatagramHandshake, 0, sid, body)
	if _, err := l.pc.WriteToUDP(datagram, raddr); err != nil {
		l.log.Warn("udptransport: send handshake response failed", "err", err)
	}
}

// handleSessionCreate decrypts the session key with the handshake key
// and installs it; when the request carries no session-key TLV, the
// handshake key itself becomes the session key. The entry's handshake
// key reference is then cleared.
func (l *Listener) handleSessionCreate(e *entry, payload []byte) {
	reqMsg, err := handshake.Decode(payload, nil)
	if err != nil {
		l.log.Warn("udptransport: bad session_create payload", "err", err)
		return
	}
	channels, _ := reqMsg.Get(handshake.TypeChannels)
	encryptedKey, hasKey := reqMsg.Get(handshake.TypeSessionKey)

	e.mu.Lock()
	hsKey := e.handshakeKey
	sid := e.sessionID
	st := e.st
	e.mu.Unlock()

	var sessKey crypto.Key
	switch {
	case hasKey && hsKey != nil:
		secret, err := hsKey.Decrypt(encryptedKey)
		if err != nil {
			l.log.Warn("udptransport: decrypt session key failed", "err", err)
			return
		}
		sessKey, err = crypto.NewChaCha20Poly1305Key(secret)
		if err != nil {
			l.log.Warn("udptransport: rebuild session key failed", "err", err)
			return
		}
	default:
		// The client never sent a wrapped session key (this adapter's
		// client.go treats the KEM-derived handshake key as the session
		// key directly, the same simplification httptransport and
		// wstransport make — see DESIGN.md). Fall back to the handshake
		// key itself so both sides end up with the same symmetric key
		// instead of the server silently leaving the session unencrypted.
		sessKey = hsKey
	}

	sess := l.sessions.Create(uint32(sid), sessKey, string(channels), false)
	if _, err := l.sessions.Open(uint32(sid), string(channels)); err != nil {
		l.log.Warn("udptransport: open session failed", "err", err)
		return
	}
	st.Session = sess
	st.SetActive(true)

	e.mu.Lock()
	e.handshakeKey = nil // zeroize: never used again
	e.mu.Unlock()

	if l.onSession != nil {
		l.onSession(uint32(sid), string(channels), st)
	}

	respMsg := handshake.BuildSessionCreateResponse(uint32(sid), true)
	body, err := handshake.Encode(respMsg, nil)
	if err != nil {
		return
	}
	datagram := BuildDatagram(DatagramSessionCreate, e.seq.Add(1), sid, body)
	if _, err := l.pc.WriteToUDP(datagram, e.remoteAddr); err != nil {
		l.log.Warn("udptransport: send session_create response failed", "err", err)
	}
}

// routeData hands a DATA datagram's payload to the virtual stream's
// reader. Zero-copy per §9 design notes would reseat the stream's
// esocket pointer at the listener's buffer; this Go port instead passes
// the payload slice directly into the stream engine, the documented
// fallback for implementations without that C-specific trick.
func (l *Listener) routeData(e *entry, datagram []byte) {
	hdr, err := DecodeHeader(datagram)
	if err != nil {
		return
	}
	payload := datagram[HeaderSize:]
	if int(hdr.Length) != len(payload) {
		return
	}

	e.mu.Lock()
	reader := e.reader
	e.mu.Unlock()
	if reader == nil {
		return
	}

	if _, err := reader.Feed(payload); err != nil {
		l.log.Warn("udptransport: feed stream reader failed", "err", err)
	}
}

// handleClose removes the session entry under the writer lock (§4.6
// step 8). It runs on Serve's single dispatch loop, so it never
// overlaps the delivery of an earlier DATA datagram (§8).
func (l *Listener) handleClose(raddr *net.UDPAddr) {
	l.mu.Lock()
	key := addrKey(raddr)
	e, exists := l.byAddr[key]
	if exists {
		delete(l.byAddr, key)
	}
	l.mu.Unlock()
	if !exists {
		return
	}
	e.mu.Lock()
	st := e.st
	sid := e.sessionID
	e.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
	l.sessions.Close(uint32(sid))
}

// write implements the server's send path (§4.6 "Server side, send
// path"): the virtual stream has no socket of its own, so writes are a
// sendto on the shared listener fd using the remembered remote address.
func (c *serverConn) write(buf []byte) (int, error) {
	c.e.mu.Lock()
	sid := c.e.sessionID
	seq := c.e.seq.Add(1)
	raddr := c.e.remoteAddr
	c.e.mu.Unlock()

	datagram := BuildDatagram(DatagramData, seq, sid, buf)
	return c.listener.pc.WriteToUDP(datagram, raddr)
}

// ServerOps returns an Ops whose Write routes through serverConn.write
// and whose Close sends a CLOSE datagram and drops the session-table
// entry; the remaining vtable entries are unused for dispatcher-owned
// virtual streams (the Listener drives HandshakeProcess/SessionCreate
// directly instead of through the generic stage machine, since the
// server side has no stage machine of its own — it reacts to inbound
// datagrams).
func ServerOps() *transport.Ops {
	return &transport.Ops{
		Write: func(conn transport.Conn, buf []byte) (int, error) {
			sc, ok := conn.(*serverConn)
			if !ok {
				return 0, fmt.Errorf("udptransport: not a server conn")
			}
			return sc.write(buf)
		},
		Close: func(conn transport.Conn) error {
			sc, ok := conn.(*serverConn)
			if !ok {
				return fmt.Errorf("udptransport: not a server conn")
			}
			l := sc.listener
			l.mu.Lock()
			key := addrKey(sc.e.remoteAddr)
			if l.byAddr[key] == sc.e {
				delete(l.byAddr, key)
			}
			l.mu.Unlock()

			datagram := BuildDatagram(DatagramClose, sc.e.seq.Add(1), sc.e.sessionID, nil)
			_, err := l.pc.WriteToUDP(datagram, sc.e.remoteAddr)
			return err
		},
	}
}

func uint32BE(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
