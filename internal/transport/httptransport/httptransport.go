// Package httptransport adapts the HTTP carrier to the transport.Ops
// vtable (§2 item 7, §4.4): handshake over POST /enc_init/<opaque>,
// session negotiation over POST /stream_ctl, and streaming over a
// long-lived GET /stream/<session-id> response body.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dap-stream/dap-stream/internal/handshake"
	"github.com/dap-stream/dap-stream/internal/streamerr"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// Conn is the HTTP adapter's transport.Conn: an http.Client bound to a
// base address, the streaming GET response body once session-start has
// run, and a pipe used to push outbound bytes to the server (§4.4: the
// adapter needs a duplex byte channel but HTTP only hands back one
// response body per request, so writes are carried as one chunked PUT to
// the same /stream/<id> path, grounded on the teacher's ReverseProxy
// client defaults in internal/adapter/inbound/httpgw/reverse_proxy.go).
type Conn struct {
	mu sync.Mutex

	client  *http.Client
	baseURL string
	addr    string

	sessionID uint32
	keyID     string

	downBody io.ReadCloser

	upWriter  *io.PipeWriter
	upStarted bool
	upErr     chan error
}

func (c *Conn) RemoteAddr() string { return c.addr }

// New returns the client-side HTTP transport Ops; the caller registers
// them with a transport.Registry. The channel set reaches the adapter
// through the SessionCreate call, not through New.
func New(log *slog.Logger) *transport.Ops {
	if log == nil {
		log = slog.Default()
	}
	a := &adapter{log: log}
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

type adapter struct {
	log *slog.Logger
}

func (a *adapter) stagePrepare(ctx context.Context, addr string) (transport.Conn, error) {
	return &Conn{client: &http.Client{Timeout: 15 * time.Second}, addr: addr, baseURL: normalizeBase(addr)}, nil
}

// connect is a no-op: stagePrepare already bound and populated the conn
// this client has been using since the handshake request, and HTTP has
// no separate connection-escalation step the way WebSocket does.
func (a *adapter) connect(ctx context.Context, addr string) (transport.Conn, error) {
	return nil, nil
}

func normalizeBase(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// handshakeInit issues POST /enc_init/<opaque> carrying the TLV
// handshake request, per §4.4 and §6.
func (a *adapter) handshakeInit(ctx context.Context, rawConn transport.Conn, params transport.HandshakeParams) (transport.HandshakeResult, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return transport.HandshakeResult{}, streamerr.New(streamerr.KindStageWrongAddress)
	}

	msg := handshake.BuildHandshakeRequest(params.SymmetricAlgorithm, params.KEMAlgorithm, params.BlockKeySize, params.ClientKEMPublic, params.AuthCertName)
	body, err := handshake.Encode(msg, nil)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeControl, "encode handshake request", err)
	}

	opaque := randomOpaque()
	u := fmt.Sprintf("%s/enc_init/%s", c.baseURL, opaque)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeControl, "build enc_init request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindNetworkRefused, "enc_init request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "read enc_init response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return transport.HandshakeResult{Success: false, ErrorMessage: fmt.Sprintf("enc_init returned %d", resp.StatusCode)}, nil
	}

	respMsg, err := handshake.Decode(respBody, nil)
	if err != nil {
		return transport.HandshakeResult{}, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "decode enc_init response", err)
	}
	if !respMsg.IsSuccess() {
		errMsg, _ := respMsg.Get(handshake.TypeErrorMsg)
		return transport.HandshakeResult{Success: false, ErrorMessage: string(errMsg)}, nil
	}

	sessionKeyID, _ := respMsg.Get(handshake.TypeSessionID)
	serverCT, _ := respMsg.Get(handshake.TypeBobKEMCT)
	nodeSig, _ := respMsg.Get(handshake.TypeBobSignature)

	c.mu.Lock()
	c.keyID = string(sessionKeyID)
	c.mu.Unlock()

	return transport.HandshakeResult{
		Success:       true,
		SessionKeyID:  string(sessionKeyID),
		ServerKEMCT:   serverCT,
		NodeSignature: nodeSig,
	}, nil
}

// handshakeProcess always returns an error: the server side of the
// POST /enc_init/<opaque> exchange is handled by Handler.ServeHTTP in
// server.go, not through this Ops entry.
func (a *adapter) handshakeProcess(ctx context.Context, rawConn transport.Conn, reqPayload []byte) ([]byte, error) {
	return nil, streamerr.Newf(streamerr.KindHandshakeControl, "httptransport: server-side processing lives in Handler.ServeHTTP")
}

// sessionCreate issues POST /stream_ctl with a TLV SESSION_CREATE
// message that it builds itself, carrying the channel set and no
// session-key TLV; the body is not encrypted. The KeyID header names
// the handshake whose KEM-derived key the server uses for the session.
func (a *adapter) sessionCreate(ctx context.Context, rawConn transport.Conn, channels string) (uint32, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}

	msg := handshake.BuildSessionCreate(0, channels, nil)
	body, err := handshake.Encode(msg, nil)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeControl, "encode session_create", err)
	}

	u := c.baseURL + "/stream_ctl"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeControl, "build stream_ctl request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.mu.Lock()
	if c.keyID != "" {
		req.Header.Set("KeyID", c.keyID)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindNetworkRefused, "stream_ctl request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "read stream_ctl response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, streamerr.Newf(streamerr.KindHandshakeControl, "stream_ctl returned %d", resp.StatusCode)
	}

	respMsg, err := handshake.Decode(respBody, nil)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "decode stream_ctl response", err)
	}
	if !respMsg.IsSuccess() {
		return 0, streamerr.New(streamerr.KindHandshakeAuth)
	}
	sid, ok := respMsg.SessionIDUint32()
	if !ok {
		return 0, streamerr.New(streamerr.KindHandshakeBadResponse)
	}

	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	return sid, nil
}

// sessionStart issues GET /stream/<session-id>; the response body
// becomes the stream byte channel and is consumed by read (§4.4, §6).
func (a *adapter) sessionStart(ctx context.Context, rawConn transport.Conn) error {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return streamerr.New(streamerr.KindStageWrongAddress)
	}

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()

	u := fmt.Sprintf("%s/stream/%d", c.baseURL, sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return streamerr.Wrap(streamerr.KindStreamWrongResponse, "build stream request", err)
	}

	// The GET is long-lived: use a client with no overall timeout so the
	// streaming body is not cut off mid-session.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return streamerr.Wrap(streamerr.KindNetworkRefused, "stream request", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return streamerr.Newf(streamerr.KindStreamWrongResponse, "stream returned %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.downBody = resp.Body
	c.mu.Unlock()
	return nil
}

// read pulls bytes off the streaming GET response body.
func (a *adapter) read(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}
	c.mu.Lock()
	body := c.downBody
	c.mu.Unlock()
	if body == nil {
		return 0, io.EOF
	}
	return body.Read(buf)
}

// write ships outbound stream bytes as a chunked-body PUT to the same
// /stream/<session-id> path. The first Write for a conn lazily opens a
// persistent request whose body is an io.Pipe; subsequent Writes append
// to that pipe so a single HTTP request carries the whole upload side.
func (a *adapter) write(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}

	c.mu.Lock()
	if !c.upStarted {
		pr, pw := io.Pipe()
		c.upWriter = pw
		c.upStarted = true
		c.upErr = make(chan error, 1)
		sid := c.sessionID
		client := c.client
		u := fmt.Sprintf("%s/stream/%d", c.baseURL, sid)
		go func() {
			req, err := http.NewRequest(http.MethodPut, u, pr)
			if err != nil {
				c.upErr <- err
				return
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, err := client.Do(req)
			if err != nil {
				c.upErr <- err
				return
			}
			resp.Body.Close()
			c.upErr <- nil
		}()
	}
	w := c.upWriter
	c.mu.Unlock()

	n, err := w.Write(buf)
	if err != nil {
		return n, streamerr.Wrap(streamerr.KindStreamAborted, "http upload write", err)
	}
	return n, nil
}

func (a *adapter) close(rawConn transport.Conn) error {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.downBody != nil {
		c.downBody.Close()
	}
	if c.upWriter != nil {
		c.upWriter.Close()
	}
	return nil
}

// listen is unused on the client side; the server-side listener is the
// standard net/http.Server driven by Handler below, not an Ops.Listen
// loop (HTTP's accept model is per-request, not per-connection).
func (a *adapter) listen(ctx context.Context, addr string, accept func(transport.Conn)) error {
	return streamerr.New(streamerr.KindStageWrongAddress)
}

func randomOpaque() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// ParseStreamParams bridges the legacy query-string parameters spec.md
// §4.4 describes for pre-TLV servers: channels=<chars>,enc_type=<n>,
// enc_key_size=<n>,enc_headers=<0|1>.
type StreamParams struct {
	Channels    string
	EncType     int
	EncKeySize  int
	EncHeaders  bool
}

// ParseStreamParams decodes the legacy query string form.
func ParseStreamParams(rawQuery string) (StreamParams, error) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return StreamParams{}, err
	}
	var p StreamParams
	p.Channels = q.Get("channels")
	if v := q.Get("enc_type"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return StreamParams{}, fmt.Errorf("httptransport: bad enc_type %q: %w", v, err)
		}
		p.EncType = n
	}
	if v := q.Get("enc_key_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return StreamParams{}, fmt.Errorf("httptransport: bad enc_key_size %q: %w", v, err)
		}
		p.EncKeySize = n
	}
	p.EncHeaders = q.Get("enc_headers") == "1"
	return p, nil
}

// EncodeStreamParams formats StreamParams back into a query string.
func EncodeStreamParams(p StreamParams) string {
	v := url.Values{}
	v.Set("channels", p.Channels)
	v.Set("enc_type", strconv.Itoa(p.EncType))
	v.Set("enc_key_size", strconv.Itoa(p.EncKeySize))
	if p.EncHeaders {
		v.Set("enc_headers", "1")
	} else {
		v.Set("enc_headers", "0")
	}
	return v.Encode()
}
