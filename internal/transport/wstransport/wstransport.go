package wstransport

import (
	"bufio"
	"context"
	"crypto/sha1"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/dap-stream/dap-stream/internal/streamerr"
	"github.com/dap-stream/dap-stream/internal/transport"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// pingInterval/pongTimeout implement §4.5's keep-alive: "a ping timer
// (default 30s); a pong must arrive within 10s or the socket is closed."
const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// Conn is the wstransport's transport.Conn: a raw net.Conn post-upgrade,
// plus the ping/pong liveness timers.
type Conn struct {
	mu   sync.Mutex
	nc   net.Conn
	addr string

	lastPong  time.Time
	pingTimer *time.Timer
	closed    bool
}

func (c *Conn) RemoteAddr() string { return c.addr }

// New builds the WebSocket transport's Ops. handshakeInit/sessionCreate
// are delegated to httpOps per §4.5 ("Handshake and session-create
// reuse the HTTP endpoints until the upgrade completes"); Connect,
// Read, Write, Close, and SessionStart are this adapter's own.
func New(httpOps *transport.Ops, log *slog.Logger) *transport.Ops {
	if log == nil {
		log = slog.Default()
	}
	a := &adapter{httpOps: httpOps, log: log}
	return &transport.Ops{
		StagePrepare:     httpOps.StagePrepare,
		HandshakeInit:    httpOps.HandshakeInit,
		HandshakeProcess: httpOps.HandshakeProcess,
		SessionCreate:    httpOps.SessionCreate,
		Connect:          a.connect,
		SessionStart:     a.sessionStart,
		Read:             a.read,
		Write:            a.write,
		Close:            a.close,
		Listen:           a.listen,
	}
}

type adapter struct {
	httpOps *transport.Ops
	log     *slog.Logger
}

// connect dials the TCP peer and performs the RFC 6455 client upgrade
// (§4.5: "generates a 16-byte random nonce, base64-encodes it ... expects
// the server to echo base64(SHA1(key || GUID))").
func (a *adapter) connect(ctx context.Context, addr string) (transport.Conn, error) {
	host := addr
	path := "/"
	if idx := strings.Index(addr, "/"); idx >= 0 {
		host, path = addr[:idx], addr[idx:]
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetworkRefused, "ws dial", err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		nc.Close()
		return nil, streamerr.Wrap(streamerr.KindHandshakeControl, "ws nonce", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n\r\n",
		path, host, key,
	)
	if _, err := nc.Write([]byte(req)); err != nil {
		nc.Close()
		return nil, streamerr.Wrap(streamerr.KindNetworkRefused, "ws upgrade request", err)
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		nc.Close()
		return nil, streamerr.Wrap(streamerr.KindHandshakeBadResponse, "ws upgrade response", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		nc.Close()
		return nil, streamerr.Newf(streamerr.KindHandshakeBadResponse, "ws upgrade returned %d", resp.StatusCode)
	}
	want := acceptKey(key)
	if resp.Header.Get("Sec-WebSocket-Accept") != want {
		nc.Close()
		return nil, streamerr.New(streamerr.KindHandshakeBadResponse)
	}

	c := &Conn{nc: nc, addr: host, lastPong: time.Now()}
	a.armPing(c)
	return c, nil
}

// Accept performs the server-side half of the upgrade against an
// already-hijacked net.Conn and the client's original request line.
func Accept(nc net.Conn, reqHeader textproto.MIMEHeader) error {
	key := reqHeader.Get("Sec-Websocket-Key")
	if key == "" {
		key = reqHeader.Get("Sec-WebSocket-Key")
	}
	resp := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		acceptKey(key),
	)
	_, err := nc.Write([]byte(resp))
	return err
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (a *adapter) armPing(c *Conn) {
	c.mu.Lock()
	c.pingTimer = time.AfterFunc(pingInterval, func() { a.firePing(c) })
	c.mu.Unlock()
}

func (a *adapter) firePing(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	nc := c.nc
	lastPong := c.lastPong
	c.mu.Unlock()

	if time.Since(lastPong) > pingInterval+pongTimeout {
		a.log.Warn("wstransport: pong timeout, closing connection")
		_ = nc.Close()
		return
	}
	if err := writeFrame(nc, opPing, nil, true); err != nil {
		a.log.Warn("wstransport: ping write failed", "err", err)
		return
	}

	c.mu.Lock()
	if !c.closed {
		c.pingTimer = time.AfterFunc(pingInterval, func() { a.firePing(c) })
	}
	c.mu.Unlock()
}

// sessionStart is a no-op: the WebSocket upgrade already established the
// duplex byte channel (§4.5).
func (a *adapter) sessionStart(ctx context.Context, rawConn transport.Conn) error {
	return nil
}

// read returns the payload of the next binary/text frame, transparently
// answering pings with pongs and updating the liveness timestamp on
// pong (§4.5 keep-alive); a close frame surfaces as io.EOF-equivalent.
func (a *adapter) read(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}
	for {
		opcode, payload, err := readFrame(c.nc)
		if err != nil {
			return 0, streamerr.Wrap(streamerr.KindStreamAborted, "ws read", err)
		}
		switch opcode {
		case opPing:
			if err := writeFrame(c.nc, opPong, payload, true); err != nil {
				return 0, streamerr.Wrap(streamerr.KindStreamAborted, "ws pong", err)
			}
			continue
		case opPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		case opClose:
			_ = writeCloseFrame(c.nc, true)
			return 0, streamerr.New(streamerr.KindStreamAborted)
		case opBinary, opText:
			n := copy(buf, payload)
			return n, nil
		default:
			continue
		}
	}
}

func (a *adapter) write(rawConn transport.Conn, buf []byte) (int, error) {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return 0, streamerr.New(streamerr.KindStageWrongAddress)
	}
	if err := writeFrame(c.nc, opBinary, buf, true); err != nil {
		return 0, streamerr.Wrap(streamerr.KindStreamAborted, "ws write", err)
	}
	return len(buf), nil
}

func (a *adapter) close(rawConn transport.Conn) error {
	c, ok := rawConn.(*Conn)
	if !ok || c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.mu.Unlock()
	_ = writeCloseFrame(c.nc, true)
	return c.nc.Close()
}

func (a *adapter) listen(ctx context.Context, addr string, accept func(transport.Conn)) error {
	return streamerr.New(streamerr.KindStageWrongAddress)
}
