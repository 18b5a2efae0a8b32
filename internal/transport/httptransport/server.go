package httptransport

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/handshake"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// Handler implements the three HTTP endpoints §4.4/§6 name:
//
//	POST /enc_init/<opaque>   handshake request/response
//	POST /stream_ctl          session create
//	GET  /stream/<session-id> session start, streaming download
//	PUT  /stream/<session-id> streaming upload (adapter's own extension
//	                          for the duplex byte channel, see
//	                          Conn.write's doc comment)
//
// It is the server-side half of the HTTP transport adapter (§2 item 7).
type Handler struct {
	kem       crypto.KEM
	sessions  session.Backend
	registry  *transport.Registry
	desc      *transport.Descriptor
	log       *slog.Logger
	met       *metrics.Metrics
	onSession func(sid uint32, channels string, st *stream.Stream)

	mu         sync.Mutex
	kemPrivs   map[string][]byte // opaque -> server KEM secret, pending handshake
	pending    map[string]crypto.Key
	downstream map[uint32]chan []byte
	readers    map[uint32]*stream.Reader
}

// serverConn is the httptransport server's own transport.Conn, carrying
// the session id PushDownstream needs to find the right GET response's
// channel (distinct from the client-side Conn, which instead carries an
// *http.Client and dial state it never needs on this side).
type serverConn struct {
	h         *Handler
	sessionID uint32
	addr      string
}

func (c *serverConn) RemoteAddr() string { return c.addr }

// NewHandler builds the server-side HTTP transport handler. onSession is
// invoked once a stream's session reaches STREAM_STREAMING so the caller
// can register channel handlers before data flows.
func NewHandler(kem crypto.KEM, sessions session.Backend, registry *transport.Registry, desc *transport.Descriptor, log *slog.Logger, onSession func(uint32, string, *stream.Stream)) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		kem:        kem,
		sessions:   sessions,
		registry:   registry,
		desc:       desc,
		log:        log,
		onSession:  onSession,
		kemPrivs:   make(map[string][]byte),
		pending:    make(map[string]crypto.Key),
		downstream: make(map[uint32]chan []byte),
		readers:    make(map[uint32]*stream.Reader),
	}
}

// SetMetrics attaches the optional Prometheus instrumentation
// (SPEC_FULL.md §1.1) to every stream this handler creates from now on.
func (h *Handler) SetMetrics(met *metrics.Metrics) {
	h.met = met
}

// ServeHTTP routes the three (four, counting the upload extension)
// endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/enc_init/") && r.Method == http.MethodPost:
		h.handleEncInit(w, r)
	case r.URL.Path == "/stream_ctl" && r.Method == http.MethodPost:
		h.handleStreamCtl(w, r)
	case strings.HasPrefix(r.URL.Path, "/stream/") && r.Method == http.MethodGet:
		h.handleStreamGet(w, r)
	case strings.HasPrefix(r.URL.Path, "/stream/") && r.Method == http.MethodPut:
		h.handleStreamPut(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleEncInit(w http.ResponseWriter, r *http.Request) {
	opaque := strings.TrimPrefix(r.URL.Path, "/enc_init/")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	reqMsg, err := handshake.Decode(body, nil)
	if err != nil {
		h.log.Warn("httptransport: bad handshake request", "err", err)
		h.writeHandshakeError(w, "HANDSHAKE_RESPONSE_FORMAT_ERROR", err.Error())
		return
	}
	clientPub, _ := reqMsg.Get(handshake.TypeAlicePubKey)

	ct, secret, err := h.kem.Encapsulate(clientPub)
	if err != nil {
		h.writeHandshakeError(w, "HANDSHAKE_CONTROL_ERROR", err.Error())
		return
	}
	key, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		h.writeHandshakeError(w, "HANDSHAKE_CONTROL_ERROR", err.Error())
		return
	}

	sessionKeyID := base64.StdEncoding.EncodeToString(randomBytes(16))
	h.mu.Lock()
	h.pending[sessionKeyID] = key
	h.mu.Unlock()

	respMsg := handshake.BuildHandshakeResponseOK(sessionKeyID, ct, nil)
	respBody, err := handshake.Encode(respMsg, nil)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("KeyID", sessionKeyID)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
	_ = opaque
}

func (h *Handler) writeHandshakeError(w http.ResponseWriter, kind, msg string) {
	respMsg := handshake.BuildHandshakeResponseError(kind, msg)
	respBody, err := handshake.Encode(respMsg, nil)
	if err != nil {
		http.Error(w, "encode error response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *Handler) handleStreamCtl(w http.ResponseWriter, r *http.Request) {
	keyID := r.Header.Get("KeyID")
	h.mu.Lock()
	key, ok := h.pending[keyID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown KeyID", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	reqMsg, err := handshake.Decode(body, nil)
	if err != nil {
		http.Error(w, "decode session_create", http.StatusBadRequest)
		return
	}
	channels, _ := reqMsg.Get(handshake.TypeChannels)

	sid := newSessionID()
	h.sessions.Create(sid, key, string(channels), false)
	if _, err := h.sessions.Open(sid, string(channels)); err != nil {
		http.Error(w, "open session", http.StatusInternalServerError)
		return
	}

	respMsg := handshake.BuildSessionCreateResponse(sid, true)
	respBody, err := handshake.Encode(respMsg, nil)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *Handler) handleStreamGet(w http.ResponseWriter, r *http.Request) {
	sid, ok := parseSessionPath(r.URL.Path)
	if !ok {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	sess, err := h.sessions.Lookup(sid)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.downstream[sid] = ch
	h.mu.Unlock()

	conn := &serverConn{h: h, sessionID: sid, addr: r.RemoteAddr}
	st := stream.New(conn, h.desc, sess)
	st.Metrics = h.met
	st.SetActive(true)

	reader := stream.NewReader(st, h.log)
	h.mu.Lock()
	h.readers[sid] = reader
	h.mu.Unlock()

	if h.onSession != nil {
		h.onSession(sid, sess.Channels, st)
	}

	defer func() {
		h.mu.Lock()
		delete(h.downstream, sid)
		delete(h.readers, sid)
		h.mu.Unlock()
	}()

	for buf := range ch {
		if _, err := w.Write(buf); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleStreamPut accepts the client's upload side (see Conn.write's
// doc comment) and feeds bytes through a stream.Reader once a stream is
// registered for the session by handleStreamGet.
func (h *Handler) handleStreamPut(w http.ResponseWriter, r *http.Request) {
	sid, ok := parseSessionPath(r.URL.Path)
	if !ok {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Lookup(sid); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			h.mu.Lock()
			reader := h.readers[sid]
			h.mu.Unlock()
			if reader != nil {
				if _, feedErr := reader.Feed(buf[:n]); feedErr != nil {
					h.log.Warn("httptransport: feed stream reader failed", "err", feedErr)
				}
			}
		}
		if err != nil {
			break
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServerOps returns an Ops whose Write pushes to the session's streaming
// GET response via PushDownstream and whose Close drops the downstream
// channel and reader; mirrors udptransport.ServerOps()/wstransport.
// ServerOps()'s shape for this carrier's own duplex split.
func ServerOps() *transport.Ops {
	return &transport.Ops{
		Write: func(conn transport.Conn, buf []byte) (int, error) {
			sc, ok := conn.(*serverConn)
			if !ok {
				return 0, fmt.Errorf("httptransport: not a server conn")
			}
			if err := sc.h.PushDownstream(sc.sessionID, buf); err != nil {
				return 0, err
			}
			return len(buf), nil
		},
		Close: func(conn transport.Conn) error {
			sc, ok := conn.(*serverConn)
			if !ok {
				return fmt.Errorf("httptransport: not a server conn")
			}
			sc.h.mu.Lock()
			if ch, ok := sc.h.downstream[sc.sessionID]; ok {
				close(ch)
				delete(sc.h.downstream, sc.sessionID)
			}
			delete(sc.h.readers, sc.sessionID)
			sc.h.mu.Unlock()
			return nil
		},
	}
}

// PushDownstream writes raw bytes to the streaming GET response for
// sid, implementing transport.Ops.Write's server-side counterpart.
func (h *Handler) PushDownstream(sid uint32, buf []byte) error {
	h.mu.Lock()
	ch, ok := h.downstream[sid]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("httptransport: no downstream registered for session %d", sid)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	ch <- cp
	return nil
}

func parseSessionPath(path string) (uint32, bool) {
	rest := strings.TrimPrefix(path, "/stream/")
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func newSessionID() uint32 {
	b := randomBytes(4)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
