package wstransport

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"sync"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/handshake"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// serverConn is the per-connection transport.Conn the Handler hands to
// stream.New: the raw, already-upgraded net.Conn wrapped as a Conn so
// Ops.Write/Close can reach the ping/pong state alongside it.
type serverConn struct {
	*Conn
}

// Handler is the server-side half of the WebSocket transport adapter
// (§4.5): it upgrades one HTTP connection, then drives the same
// HANDSHAKE_REQUEST / SESSION_CREATE exchange the HTTP and UDP adapters
// drive, framed as binary WebSocket messages instead of POST bodies or
// datagrams (grounded on httptransport.Handler and udptransport.Listener,
// adapted from per-address dispatch to one goroutine per connection,
// which is all a hijacked net.Conn ever serves).
type Handler struct {
	kem       crypto.KEM
	sessions  session.Backend
	desc      *transport.Descriptor
	log       *slog.Logger
	met       *metrics.Metrics
	onSession func(sessionID uint32, channels string, st *stream.Stream)

	mu      sync.Mutex
	nextSID uint32
}

// NewHandler builds the WebSocket upgrade endpoint.
func NewHandler(kem crypto.KEM, sessions session.Backend, desc *transport.Descriptor, log *slog.Logger, onSession func(uint32, string, *stream.Stream)) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{kem: kem, sessions: sessions, desc: desc, log: log, onSession: onSession}
}

// SetMetrics attaches the optional Prometheus instrumentation
// (SPEC_FULL.md §1.1) to every stream this handler creates from now on.
func (h *Handler) SetMetrics(met *metrics.Metrics) {
	h.met = met
}

// ServeHTTP hijacks the connection, completes the RFC 6455 upgrade, and
// runs the connection's handshake/session/stream loop to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}
	nc, buf, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	if err := Accept(nc, textproto.MIMEHeader(r.Header)); err != nil {
		nc.Close()
		return
	}
	if buf != nil {
		_ = buf.Flush()
	}

	c := &Conn{nc: nc, addr: r.RemoteAddr}
	go h.serve(c)
}

// serve runs the per-connection lifecycle: HANDSHAKE_REQUEST ->
// HANDSHAKE_RESPONSE, SESSION_CREATE -> SESSION_CREATE_RESPONSE, then a
// binary-frame read loop feeding the stream's packet reader, mirroring
// udptransport's handleHandshake/handleSessionCreate/routeData in frame
// terms instead of datagram terms.
func (h *Handler) serve(c *Conn) {
	defer c.nc.Close()

	reqPayload, err := h.readMessage(c)
	if err != nil {
		h.log.Warn("wstransport: read handshake request failed", "err", err)
		return
	}
	reqMsg, err := handshake.Decode(reqPayload, nil)
	if err != nil {
		h.log.Warn("wstransport: bad handshake payload", "err", err)
		return
	}
	clientPub, _ := reqMsg.Get(handshake.TypeAlicePubKey)

	ct, secret, err := h.kem.Encapsulate(clientPub)
	if err != nil {
		h.log.Warn("wstransport: kem encapsulate failed", "err", err)
		return
	}
	handshakeKey, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		h.log.Warn("wstransport: deriving handshake key failed", "err", err)
		return
	}

	h.mu.Lock()
	h.nextSID++
	sid := h.nextSID
	h.mu.Unlock()

	respMsg := handshake.BuildHandshakeResponseOK(fmt.Sprintf("%d", sid), ct, nil)
	respMsg.Set(handshake.TypeSessionID, uint32BE(sid))
	if err := h.sendMessage(c, respMsg); err != nil {
		h.log.Warn("wstransport: send handshake response failed", "err", err)
		return
	}

	sessPayload, err := h.readMessage(c)
	if err != nil {
		h.log.Warn("wstransport: read session_create failed", "err", err)
		return
	}
	sessMsg, err := handshake.Decode(sessPayload, nil)
	if err != nil {
		h.log.Warn("wstransport: bad session_create payload", "err", err)
		return
	}
	channels, _ := sessMsg.Get(handshake.TypeChannels)
	encryptedKey, hasKey := sessMsg.Get(handshake.TypeSessionKey)

	var sessKey crypto.Key
	if hasKey {
		plain, err := handshakeKey.Decrypt(encryptedKey)
		if err != nil {
			h.log.Warn("wstransport: decrypt session key failed", "err", err)
			return
		}
		sessKey, err = crypto.NewChaCha20Poly1305Key(plain)
		if err != nil {
			h.log.Warn("wstransport: rebuild session key failed", "err", err)
			return
		}
	}

	st := stream.New(&serverConn{c}, h.desc, nil)
	sess := h.sessions.Create(sid, sessKey, string(channels), false)
	if _, err := h.sessions.Open(sid, string(channels)); err != nil {
		h.log.Warn("wstransport: open session failed", "err", err)
		return
	}
	st.Session = sess
	st.Metrics = h.met
	st.SetActive(true)
	handshakeKey = nil // zeroize: never used again

	respCreate := handshake.BuildSessionCreateResponse(sid, true)
	if err := h.sendMessage(c, respCreate); err != nil {
		h.log.Warn("wstransport: send session_create response failed", "err", err)
		return
	}

	if h.onSession != nil {
		h.onSession(sid, string(channels), st)
	}
	defer h.sessions.Close(sid)
	defer st.Close()

	reader := stream.NewReader(st, h.log)
	for {
		opcode, payload, err := readFrame(c.nc)
		if err != nil {
			return
		}
		switch opcode {
		case opPing:
			_ = writeFrame(c.nc, opPong, payload, false)
		case opPong:
		case opClose:
			_ = writeCloseFrame(c.nc, false)
			return
		case opBinary, opText:
			if _, err := reader.Feed(payload); err != nil {
				h.log.Warn("wstransport: feed stream reader failed", "err", err)
			}
		}
	}
}

// readMessage reads one binary frame carrying a handshake TLV message,
// ignoring any ping/pong frames interleaved before it.
func (h *Handler) readMessage(c *Conn) ([]byte, error) {
	for {
		opcode, payload, err := readFrame(c.nc)
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opPing:
			if err := writeFrame(c.nc, opPong, payload, false); err != nil {
				return nil, err
			}
		case opBinary, opText:
			return payload, nil
		}
	}
}

func (h *Handler) sendMessage(c *Conn, msg *handshake.Message) error {
	body, err := handshake.Encode(msg, nil)
	if err != nil {
		return err
	}
	return writeFrame(c.nc, opBinary, body, false)
}

// write implements the server's send path: server-to-client frames are
// never masked (§4.5 "client frames masked, server frames not").
func (c *serverConn) write(buf []byte) (int, error) {
	if err := writeFrame(c.nc, opBinary, buf, false); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// ServerOps returns an Ops whose Write/Close drive the upgraded
// connection directly; the remaining vtable entries are unused since
// the Handler drives the handshake/session exchange itself rather than
// through the client-side stage machine.
func ServerOps() *transport.Ops {
	return &transport.Ops{
		Write: func(conn transport.Conn, buf []byte) (int, error) {
			sc, ok := conn.(*serverConn)
			if !ok {
				return 0, fmt.Errorf("wstransport: not a server conn")
			}
			return sc.write(buf)
		},
		Close: func(conn transport.Conn) error {
			sc, ok := conn.(*serverConn)
			if !ok {
				return fmt.Errorf("wstransport: not a server conn")
			}
			_ = writeCloseFrame(sc.nc, false)
			return sc.nc.Close()
		},
	}
}

func uint32BE(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
