// Package dapstream is the public Go SDK for the stream-transport
// framework: dial a server over whichever transport is configured,
// drive the handshake/session/stream stage chain, and exchange
// channel-multiplexed data, all behind a small facade so an application
// never has to reach into internal/stage or internal/stream directly
// (grounded on sdks/go/client.go's NewClient/Option shape, adapted from
// a one-shot policy-evaluation request to a long-lived stream session).
package dapstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/stage"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
	"github.com/dap-stream/dap-stream/internal/transport/httptransport"
	"github.com/dap-stream/dap-stream/internal/transport/policy"
	"github.com/dap-stream/dap-stream/internal/transport/udptransport"
	"github.com/dap-stream/dap-stream/internal/transport/wstransport"
)

// Client is the application-facing handle to one stream-transport
// session. The zero value is not usable; use Dial.
type Client struct {
	inner *stage.Client
	log   *slog.Logger

	readCancel context.CancelFunc
	readDone   chan struct{}
}

// config collects every Dial option before a Client is built, mirroring
// sdks/go/client.go's NewClient reading SENTINELGATE_* environment
// variables before applying explicit Option overrides.
type config struct {
	addr          string
	channels      string
	fallbackOrder []transport.Kind
	connectTimeout time.Duration
	log           *slog.Logger
	met           *metrics.Metrics
	onData        func(channel byte, pktType byte, data []byte)
	selector      *policy.Selector
	policyAttrs   policy.Attrs
}

// Option configures a Dial call.
type Option func(*config)

// WithAddr sets the remote address to dial. Required.
func WithAddr(addr string) Option { return func(c *config) { c.addr = addr } }

// WithChannels sets the set of channel ids to open, e.g. "01" for two
// channels with ids 0x30 and 0x31 ('0' and '1').
func WithChannels(channels string) Option { return func(c *config) { c.channels = channels } }

// WithFallbackOrder sets the ordered transport list Dial tries, e.g.
// []string{"http", "websocket", "udp_basic"}. Unknown names map to
// transport.KindHTTP via transport.ParseKind, matching DAPClientConfig's
// YAML/environment parsing.
func WithFallbackOrder(names ...string) Option {
	return func(c *config) {
		kinds := make([]transport.Kind, 0, len(names))
		for _, n := range names {
			kinds = append(kinds, transport.ParseKind(n))
		}
		c.fallbackOrder = kinds
	}
}

// WithConnectTimeout bounds the time Connect spends driving the stage
// chain to StreamStreaming, including all fallback attempts.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithLogger overrides the client's logger; defaults to slog.Default().
func WithLogger(log *slog.Logger) Option { return func(c *config) { c.log = log } }

// WithMetrics attaches optional Prometheus instrumentation.
func WithMetrics(met *metrics.Metrics) Option { return func(c *config) { c.met = met } }

// WithOnData registers the callback invoked for every packet received
// on any opened channel, once streaming begins. fn is called from the
// client's internal read-pump goroutine; it must not block for long.
func WithOnData(fn func(channel byte, pktType byte, data []byte)) Option {
	return func(c *config) { c.onData = fn }
}

// WithTransportPolicy evaluates a compiled CEL transport-selection
// expression against attrs and reorders the fallback list so its chosen
// transport is tried first, same semantics as stage.WithTransportPolicy.
func WithTransportPolicy(sel *policy.Selector, attrs policy.Attrs) Option {
	return func(c *config) { c.selector, c.policyAttrs = sel, attrs }
}

// Dial builds a transport registry covering HTTP, WebSocket and UDP,
// then drives the stage chain to StreamStreaming and starts the
// internal read pump. It blocks until the session is streaming, the
// connect timeout elapses, or every fallback transport is exhausted.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		fallbackOrder:  []transport.Kind{transport.KindHTTP, transport.KindWebSocket, transport.KindUDPBasic},
		connectTimeout: 10 * time.Second,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.addr == "" {
		return nil, fmt.Errorf("dapstream: WithAddr is required")
	}

	registry, err := defaultRegistry(cfg.log)
	if err != nil {
		return nil, err
	}

	stageOpts := []stage.Option{
		stage.WithRegistry(registry),
		stage.WithAddr(cfg.addr),
		stage.WithFallbackOrder(cfg.fallbackOrder...),
		stage.WithChannels(cfg.channels),
		stage.WithLogger(cfg.log),
		stage.WithMetrics(cfg.met),
	}
	if cfg.selector != nil {
		stageOpts = append(stageOpts, stage.WithTransportPolicy(cfg.selector, cfg.policyAttrs))
	}

	inner, err := stage.New(stageOpts...)
	if err != nil {
		return nil, fmt.Errorf("dapstream: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()
	if err := inner.GoStage(connectCtx, stage.StageStreamStreaming); err != nil {
		return nil, fmt.Errorf("dapstream: connect: %w", err)
	}

	if cfg.onData != nil {
		for _, id := range []byte(cfg.channels) {
			id := id
			if err := inner.Subscribe(id, func(ch *stream.Channel, pktType byte, payload []byte, arg any) {
				cfg.onData(ch.ID, pktType, payload)
			}, nil); err != nil {
				cfg.log.Warn("dapstream: subscribe failed", "channel", id, "err", err)
			}
		}
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	c := &Client{inner: inner, log: cfg.log, readCancel: readCancel, readDone: make(chan struct{})}
	go func() {
		defer close(c.readDone)
		if err := inner.ServeReads(readCtx); err != nil && readCtx.Err() == nil {
			c.log.Debug("dapstream: read pump stopped", "err", err)
		}
	}()

	return c, nil
}

// defaultRegistry registers the HTTP, WebSocket and UDP client-side
// transport adapters, mirroring cmd/dap-streamd/cmd/start.go's server
// registration but with the client Ops constructors.
func defaultRegistry(log *slog.Logger) (*transport.Registry, error) {
	registry := transport.NewRegistry()

	httpOps := httptransport.New(log)
	if err := registry.Register("http", transport.KindHTTP, httpOps, transport.SocketStream); err != nil {
		return nil, fmt.Errorf("dapstream: register http transport: %w", err)
	}

	wsOps := wstransport.New(httpOps, log)
	if err := registry.Register("websocket", transport.KindWebSocket, wsOps, transport.SocketStream); err != nil {
		return nil, fmt.Errorf("dapstream: register websocket transport: %w", err)
	}

	udpOps := udptransport.New(crypto.NewX25519KEM(), log)
	if err := registry.Register("udp_basic", transport.KindUDPBasic, udpOps, transport.SocketDatagram); err != nil {
		return nil, fmt.Errorf("dapstream: register udp transport: %w", err)
	}

	return registry, nil
}

// CurrentStage reports the connection's current stage-machine position.
func (c *Client) CurrentStage() stage.Stage { return c.inner.CurrentStage() }

// Write sends a packet of pktType on channel. Valid once Dial returns.
func (c *Client) Write(ctx context.Context, channel byte, pktType byte, data []byte) error {
	return c.inner.Write(ctx, channel, pktType, data)
}

// Subscribe registers fn for packets received on channel, in addition
// to (or instead of) the WithOnData callback passed to Dial.
func (c *Client) Subscribe(channel byte, fn stream.Notifier, arg any) error {
	return c.inner.Subscribe(channel, fn, arg)
}

// Close stops the read pump and tears down the underlying connection.
func (c *Client) Close() error {
	c.readCancel()
	<-c.readDone
	if c.inner.Stream == nil {
		return nil
	}
	return c.inner.Stream.Close()
}
