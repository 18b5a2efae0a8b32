package stage

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/transport"
	"github.com/dap-stream/dap-stream/internal/transport/policy"
)

// Option is a functional option for configuring a Client, following the
// SDK's WithXxx convention (grounded on sdks/go/options.go).
type Option func(*Client)

// WithAddr sets the remote address the client connects to.
func WithAddr(addr string) Option {
	return func(c *Client) { c.addr = addr }
}

// WithFallbackOrder sets the ordered list of transports the stage
// machine tries in sequence on failure (§4.3, §7 worked example 6).
// The first entry is the initial active transport.
func WithFallbackOrder(kinds ...transport.Kind) Option {
	return func(c *Client) { c.fallbackOrder = append([]transport.Kind(nil), kinds...) }
}

// WithRegistry sets the transport registry the client resolves
// descriptors from. Required.
func WithRegistry(r *transport.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithHandshakeParams sets the cryptographic parameters proposed at the
// ENC_INIT stage.
func WithHandshakeParams(p transport.HandshakeParams) Option {
	return func(c *Client) { c.handshakeParams = p }
}

// WithChannels sets the channel set requested at STREAM_CTL.
func WithChannels(channels string) Option {
	return func(c *Client) { c.channels = channels }
}

// WithConnectOnDemand enables connect_on_demand: the first application
// write auto-starts the stage chain toward STREAM_STREAMING and queues
// the payload until it is reached (§4.3).
func WithConnectOnDemand(enabled bool) Option {
	return func(c *Client) { c.connectOnDemand = enabled }
}

// WithDoneCallback sets the callback invoked when the client reaches
// its target stage.
func WithDoneCallback(fn func(*Client)) Option {
	return func(c *Client) { c.doneCB = fn }
}

// WithErrorCallback sets the callback invoked when a stage transition
// fails and no further fallback is available.
func WithErrorCallback(fn func(*Client, error)) Option {
	return func(c *Client) { c.errCB = fn }
}

// WithLogger overrides the client's logger; defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics attaches the optional Prometheus instrumentation
// (SPEC_FULL.md §1.1: handshake latency and failure counts). A nil met
// disables instrumentation.
func WithMetrics(met *metrics.Metrics) Option {
	return func(c *Client) { c.met = met }
}

// WithTracer overrides the OpenTelemetry tracer used for handshake and
// session-create spans; defaults to otel.Tracer bound to this package's
// name, which is a no-op until the embedding application installs a
// TracerProvider (see cmd/dap-streamd/cmd/start.go).
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithTransportPolicy evaluates a compiled CEL transport-selection
// expression (stream.transport_policy) against attrs and reorders the
// already-configured fallback list so the policy's chosen transport is
// tried first (SPEC_FULL.md §1.2, §4.3 "transport-selected retry list of
// alternates"). A failed evaluation is logged and falls back to the
// static WithFallbackOrder list unchanged, so a bad policy expression
// never prevents a connection attempt.
func WithTransportPolicy(sel *policy.Selector, attrs policy.Attrs) Option {
	return func(c *Client) {
		if sel == nil {
			return
		}
		kind, err := sel.Select(context.Background(), attrs)
		if err != nil {
			if c.log != nil {
				c.log.Warn("stage: transport policy evaluation failed, using static fallback order", "err", err)
			}
			return
		}
		c.fallbackOrder = policy.ReorderFallback(c.fallbackOrder, kind)
	}
}
