package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/streamerr"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// tracerName identifies this package's spans to whatever TracerProvider
// the embedding application has installed (SPEC_FULL.md §1.1:
// OpenTelemetry tracing around the handshake and session-create stages).
// With no provider configured, otel.Tracer returns a no-op tracer and
// these spans cost nothing.
const tracerName = "github.com/dap-stream/dap-stream/internal/stage"

// pendingWrite is a queued application write, flushed once
// connect_on_demand reaches the target stage.
type pendingWrite struct {
	channel byte
	pktType byte
	data    []byte
}

// Client drives a single connection through the stage machine described
// in §4.3, owning the active transport, the in-flight handshake state,
// and a fallback list of alternates to try on failure.
type Client struct {
	mu sync.Mutex

	registry      *transport.Registry
	addr          string
	fallbackOrder []transport.Kind
	tried         map[transport.Kind]bool
	active        *transport.Descriptor

	kem             crypto.KEM
	handshakeParams transport.HandshakeParams
	channels        string
	sessionID       uint32
	sessionKey      crypto.Key
	kemPriv         []byte

	conn   transport.Conn
	Stream *stream.Stream
	reader *stream.Reader

	stage  Stage
	status Status
	target Stage

	connectOnDemand bool
	pending         []pendingWrite

	doneCB func(*Client)
	errCB  func(*Client, error)
	log    *slog.Logger
	met    *metrics.Metrics

	handshakeStart time.Time

	tracer trace.Tracer
}

// New creates a stage-machine client. A registry and at least one
// fallback transport are required.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		tried:  make(map[transport.Kind]bool),
		stage:  StageBegin,
		status: StatusNone,
		kem:    crypto.NewX25519KEM(),
		log:    slog.Default(),
		handshakeParams: transport.HandshakeParams{
			SymmetricAlgorithm: "SALSA2012",
			KEMAlgorithm:       "KYBER512",
			ProtocolVersion:    1,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.registry == nil {
		return nil, fmt.Errorf("stage: registry is required")
	}
	if len(c.fallbackOrder) == 0 {
		return nil, fmt.Errorf("stage: at least one transport is required")
	}
	desc, ok := c.registry.Find(c.fallbackOrder[0])
	if !ok {
		return nil, fmt.Errorf("stage: transport %s not registered", c.fallbackOrder[0])
	}
	c.active = desc
	return c, nil
}

// stageSnapshot returns the client's current stage.
func (c *Client) stageSnapshot() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// CurrentStage reports the client's current stage (thread-safe).
func (c *Client) CurrentStage() Stage { return c.stageSnapshot() }

// Status reports the client's current stage-status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GoStage drives the client toward target, advancing one stage at a
// time via the transport primitives in §4.3's transition table, and
// falling back to the next untried transport (restarting from BEGIN)
// on a transport- or handshake-classified error. It returns
// streamerr.KindTransportExhausted once every fallback transport has
// been tried (§7 worked example 6; Open Question #1).
func (c *Client) GoStage(ctx context.Context, target Stage) error {
	c.mu.Lock()
	c.target = target
	c.status = StatusInProgress
	c.mu.Unlock()

	for {
		err := c.drive(ctx)
		if err == nil {
			c.mu.Lock()
			c.status = StatusComplete
			cb := c.doneCB
			c.mu.Unlock()
			if cb != nil {
				cb(c)
			}
			c.flushPending(ctx)
			return nil
		}

		if !isFallbackEligible(err) {
			c.mu.Lock()
			c.status = StatusError
			cb := c.errCB
			c.mu.Unlock()
			if cb != nil {
				cb(c, err)
			}
			return err
		}

		if fbErr := c.fallback(); fbErr != nil {
			c.mu.Lock()
			c.status = StatusError
			cb := c.errCB
			c.mu.Unlock()
			if cb != nil {
				cb(c, fbErr)
			}
			return fbErr
		}
		// Fallback succeeded: active transport changed, stage reset to
		// BEGIN inside fallback(); loop around and retry drive.
	}
}

// isFallbackEligible reports whether err is one of the transport- or
// handshake-classified failures that should trigger fallback rather
// than surfacing directly (§7: "Propagation policy").
func isFallbackEligible(err error) bool {
	switch streamerr.KindOf(err) {
	case streamerr.KindNetworkRefused, streamerr.KindNetworkTimeout,
		streamerr.KindHandshakeControl, streamerr.KindHandshakeAuth, streamerr.KindHandshakeBadResponse:
		return true
	default:
		return false
	}
}

// fallback marks the active transport tried, selects the next untried
// transport in fallbackOrder, drops the previous transport's conn, and
// resets the stage to BEGIN. It returns
// streamerr.KindTransportExhausted once len(fallbackOrder) transports
// have all been tried (hard cap, §7 worked example 1 / REDESIGN FLAGS).
func (c *Client) fallback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tried[c.active.Kind] = true
	if len(c.tried) >= len(c.fallbackOrder) {
		return streamerr.New(streamerr.KindTransportExhausted)
	}
	for _, kind := range c.fallbackOrder {
		if c.tried[kind] {
			continue
		}
		desc, ok := c.registry.Find(kind)
		if !ok {
			continue
		}
		c.active = desc
		c.conn = nil
		c.stage = StageBegin
		c.log.Warn("stage: falling back to next transport", "transport", kind)
		return nil
	}
	return streamerr.New(streamerr.KindTransportExhausted)
}

// drive runs the linear stage transitions until the client's stage
// reaches its target, or a transition fails.
func (c *Client) drive(ctx context.Context) error {
	for {
		stage := c.stageSnapshot()
		c.mu.Lock()
		target := c.target
		c.mu.Unlock()
		if stage >= target {
			return nil
		}

		var err error
		switch stage {
		case StageBegin:
			c.handshakeStart = time.Now()
			err = c.traced(ctx, "dap_stream.handshake_init", c.doHandshakeInit)
		case StageEncInit:
			err = c.traced(ctx, "dap_stream.session_create", c.doSessionCreate)
		case StageStreamCtl:
			err = c.doStagePrepare(ctx)
		case StageStreamSession:
			err = c.doConnect(ctx)
		case StageStreamConnected:
			err = c.doSessionStart(ctx)
		default:
			return nil
		}
		if err != nil {
			if stage == StageBegin || stage == StageEncInit {
				c.met.IncHandshakeFailure(streamerr.KindOf(err).String())
			}
			return err
		}
		if stage == StageEncInit && !c.handshakeStart.IsZero() {
			c.met.ObserveHandshakeDuration(time.Since(c.handshakeStart).Seconds())
		}

		c.mu.Lock()
		c.stage = stage + 1
		c.mu.Unlock()
	}
}

// traced wraps a single stage transition in a span, recording the
// target address and the active transport kind as attributes and
// setting the span's status from the transition's error, so a
// configured exporter (for example stdouttrace, which cmd/dap-streamd
// installs only when stream.debug_more is set) shows handshake and
// session-create latency per attempt.
func (c *Client) traced(ctx context.Context, name string, fn func(context.Context) error) error {
	c.mu.Lock()
	addr, active := c.addr, c.active
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("dap_stream.addr", addr),
	))
	if active != nil {
		span.SetAttributes(attribute.String("dap_stream.transport", active.Name))
	}
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// prepareConn lazily obtains the per-attempt conn used for the
// handshake and session-create requests, via the transport's
// StagePrepare op. §4.3's transition table names stage_prepare as the
// STREAM_CTL->STREAM_SESSION step, but HTTP (and similarly shaped
// transports) need that conn earlier to make the ENC_INIT and
// STREAM_CTL requests themselves — so it is obtained once, on first
// use, and reused; the later STREAM_CTL->STREAM_SESSION transition
// becomes a no-op once it has already run (see DESIGN.md).
func (c *Client) prepareConn(ctx context.Context) (transport.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	active, addr := c.active, c.addr
	c.mu.Unlock()

	if active.Ops.StagePrepare == nil {
		return nil, nil
	}
	conn, err := active.Ops.StagePrepare(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) doHandshakeInit(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	params := c.handshakeParams
	c.mu.Unlock()

	conn, err := c.prepareConn(ctx)
	if err != nil {
		return err
	}

	pub, priv, err := c.kem.GenerateKeypair()
	if err != nil {
		return streamerr.Wrap(streamerr.KindHandshakeControl, "generate kem keypair", err)
	}
	params.ClientKEMPublic = pub

	if err := params.Validate(); err != nil {
		return streamerr.Wrap(streamerr.KindHandshakeControl, "validate handshake params", err)
	}

	if active.Ops.HandshakeInit == nil {
		return streamerr.New(streamerr.KindHandshakeControl)
	}
	result, err := active.Ops.HandshakeInit(ctx, conn, params)
	if err != nil {
		return err
	}
	if !result.Success {
		return streamerr.Newf(streamerr.KindHandshakeAuth, "%s", result.ErrorMessage)
	}

	secret, err := c.kem.Decapsulate(result.ServerKEMCT, priv)
	if err != nil {
		return streamerr.Wrap(streamerr.KindHandshakeBadResponse, "decapsulate kem response", err)
	}
	key, err := crypto.NewChaCha20Poly1305Key(secret)
	if err != nil {
		return streamerr.Wrap(streamerr.KindHandshakeBadResponse, "derive session key", err)
	}

	c.mu.Lock()
	c.kemPriv = priv
	c.sessionKey = key
	c.mu.Unlock()
	return nil
}

func (c *Client) doSessionCreate(ctx context.Context) error {
	c.mu.Lock()
	active, channels := c.active, c.channels
	c.mu.Unlock()

	conn, err := c.prepareConn(ctx)
	if err != nil {
		return err
	}

	if active.Ops.SessionCreate == nil {
		return streamerr.New(streamerr.KindHandshakeControl)
	}
	id, err := active.Ops.SessionCreate(ctx, conn, channels)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	return nil
}

// doStagePrepare is the literal STREAM_CTL->STREAM_SESSION transition.
// For transports whose ops already obtained a conn via prepareConn (to
// serve the earlier handshake/session-create requests), this is a
// no-op; for transports with no such need it runs StagePrepare now.
func (c *Client) doStagePrepare(ctx context.Context) error {
	_, err := c.prepareConn(ctx)
	return err
}

func (c *Client) doConnect(ctx context.Context) error {
	c.mu.Lock()
	active, addr := c.active, c.addr
	c.mu.Unlock()

	if active.Ops.Connect == nil {
		return nil
	}
	conn, err := active.Ops.Connect(ctx, addr)
	if err != nil {
		return streamerr.Wrap(streamerr.KindNetworkRefused, "connect", err)
	}
	// A transport whose StagePrepare already produced the conn this
	// client is using (HTTP, UDP: see DESIGN.md's conn-threading
	// resolution) returns nil here to signal "nothing to replace";
	// only a transport that escalates to a distinct connection at this
	// stage (WebSocket's raw-socket upgrade) returns a new one.
	if conn != nil {
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) doSessionStart(ctx context.Context) error {
	c.mu.Lock()
	active, conn, key := c.active, c.conn, c.sessionKey
	c.mu.Unlock()

	if active.Ops.SessionStart != nil {
		if err := active.Ops.SessionStart(ctx, conn); err != nil {
			return err
		}
	}

	sess := &session.Session{ID: c.sessionID, Key: key}
	st := stream.New(conn, active, sess)
	st.Metrics = c.met
	st.SetActive(true)

	for _, id := range []byte(c.channels) {
		ch := stream.NewChannel(id, st)
		ch.PacketIn = func(ch *stream.Channel, pkt stream.ChannelPacket) bool { return true }
		ch.SetReady(true, true)
		if err := st.Channels.Add(ch); err != nil {
			c.log.Warn("stage: add channel failed", "channel", id, "err", err)
		}
	}

	c.mu.Lock()
	c.Stream = st
	c.reader = stream.NewReader(st, c.log)
	c.reader.SetMetrics(c.met)
	c.mu.Unlock()
	return nil
}

// Write sends data on the given channel once streaming; with
// connect_on_demand enabled and the client not yet at STREAM_STREAMING,
// it first
// triggers the stage chain toward STREAM_STREAMING and queues data to
// flush once reached (§4.3).
func (c *Client) Write(ctx context.Context, channel byte, pktType byte, data []byte) error {
	c.mu.Lock()
	stage, onDemand := c.stage, c.connectOnDemand
	c.mu.Unlock()

	if stage >= StageStreamStreaming {
		return c.writeNow(channel, pktType, data)
	}
	if !onDemand {
		return streamerr.New(streamerr.KindStageWrongStage)
	}

	c.mu.Lock()
	c.pending = append(c.pending, pendingWrite{channel: channel, pktType: pktType, data: data})
	alreadyStarting := c.status == StatusInProgress
	c.mu.Unlock()

	if alreadyStarting {
		return nil
	}
	go c.GoStage(ctx, StageStreamStreaming)
	return nil
}

func (c *Client) writeNow(channel byte, pktType byte, data []byte) error {
	c.mu.Lock()
	st := c.Stream
	c.mu.Unlock()
	if st == nil {
		return streamerr.New(streamerr.KindStageWrongStage)
	}
	ch, ok := st.Channels.Get(channel)
	if !ok {
		return streamerr.Newf(streamerr.KindStreamWrongResponse, "no channel %d", channel)
	}
	_, err := stream.Write(st, ch, pktType, data)
	return err
}

func (c *Client) flushPending(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		if err := c.writeNow(p.channel, p.pktType, p.data); err != nil {
			c.log.Warn("stage: flushing queued write failed", "channel", p.channel, "err", err)
		}
	}
}

// Subscribe registers fn to receive every packet dispatched on channel,
// mirroring the notifier pattern the server side wires per-session
// (cmd/dap-streamd/cmd/start.go's onSessionReady). Returns an error if
// the channel was not requested via WithChannels / has not been created
// yet (the STREAM_CONNECTED -> STREAM_STREAMING transition has not run).
func (c *Client) Subscribe(channel byte, fn stream.Notifier, arg any) error {
	c.mu.Lock()
	st := c.Stream
	c.mu.Unlock()
	if st == nil {
		return streamerr.New(streamerr.KindStageWrongStage)
	}
	ch, ok := st.Channels.Get(channel)
	if !ok {
		return streamerr.Newf(streamerr.KindStreamWrongResponse, "no channel %d", channel)
	}
	ch.Subscribe(fn, arg)
	return nil
}

// ServeReads runs the client's read pump: it repeatedly reads the next
// chunk of transport bytes from the active connection and feeds them to
// the stream packet reader, which reassembles fragments and dispatches
// completed channel packets to whatever Subscribe registered (§4.2 "the
// reader side of the packet codec"). It blocks until ctx is canceled or
// the transport read fails (peer closed, network error), and is meant
// to be run in its own goroutine once GoStage has reached
// StageStreamStreaming.
func (c *Client) ServeReads(ctx context.Context) error {
	c.mu.Lock()
	active, conn, reader := c.active, c.conn, c.reader
	c.mu.Unlock()
	if active == nil || active.Ops.Read == nil || conn == nil || reader == nil {
		return streamerr.New(streamerr.KindStageWrongStage)
	}

	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := active.Ops.Read(conn, buf)
		if err != nil {
			return streamerr.Wrap(streamerr.KindNetworkRefused, "transport read", err)
		}
		if n == 0 {
			continue
		}
		if _, err := reader.Feed(buf[:n]); err != nil {
			c.log.Warn("stage: feed stream reader failed", "err", err)
		}
	}
}
