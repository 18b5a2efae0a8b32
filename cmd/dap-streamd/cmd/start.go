package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dap-stream/dap-stream/internal/crypto"
	"github.com/dap-stream/dap-stream/internal/dapconfig"
	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/internal/transport"
	"github.com/dap-stream/dap-stream/internal/transport/httptransport"
	"github.com/dap-stream/dap-stream/internal/transport/udptransport"
	"github.com/dap-stream/dap-stream/internal/transport/wstransport"
)

// setupTracing installs an OpenTelemetry TracerProvider so
// internal/stage's handshake_init/session_create spans (SPEC_FULL.md
// §1.1) go somewhere observable. With debugMore off, it leaves the
// global no-op provider in place (otel.Tracer costs nothing unused);
// with it on (stream.debug_more, mirroring the teacher's verbose-debug
// config flags), spans print to stderr via the stdouttrace exporter.
// The returned shutdown func must be called before the process exits to
// flush any buffered spans.
func setupTracing(debugMore bool) (func(context.Context) error, error) {
	if !debugMore {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stream-transport server",
	Long: `start brings up all three transports (HTTP, WebSocket on the
same listener, and UDP on its own socket), wires them
to a shared session store, and begins accepting client handshakes.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

// newSessionBackend picks the configured session-store implementation,
// mirroring internal/dapconfig.SessionStoreConfig's "memory" (default)
// or "sqlite" backend selection (§3 Session, SPEC_FULL.md §1.2).
func newSessionBackend(cfg dapconfig.SessionStoreConfig) (session.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return session.NewStore(), nil
	case "sqlite":
		if cfg.SqlitePath == "" {
			return nil, errors.New("session_store.sqlite_path is required when backend is sqlite")
		}
		return session.NewSQLiteStore(cfg.SqlitePath)
	default:
		return nil, fmt.Errorf("session_store: unknown backend %q", cfg.Backend)
	}
}

// onSessionReady attaches one Channel per requested channel id to a
// newly streaming Stream and subscribes a diagnostic echo notifier,
// mirroring the reference behavior a bare server binary (as opposed to
// an application embedding the framework) provides out of the box:
// every byte received on a channel is logged and mirrored back, which
// is enough to exercise the end-to-end scenarios in §8 from the
// dap-stream-client CLI without any application-specific wiring.
func onSessionReady(log *slog.Logger, met *metrics.Metrics) func(sessionID uint32, channels string, st *stream.Stream) {
	return func(sessionID uint32, channels string, st *stream.Stream) {
		for _, id := range []byte(channels) {
			ch := stream.NewChannel(id, st)
			ch.PacketIn = func(c *stream.Channel, pkt stream.ChannelPacket) bool { return true }
			ch.SetReady(true, true)
			ch.Subscribe(func(c *stream.Channel, pktType byte, payload []byte, arg any) {
				log.Debug("dap-streamd: channel data", "session", sessionID, "channel", fmt.Sprintf("%c", c.ID), "bytes", len(payload))
				if _, err := stream.Write(st, c, pktType, payload); err != nil {
					log.Warn("dap-streamd: echo write failed", "session", sessionID, "err", err)
				}
			}, nil)
			if err := st.Channels.Add(ch); err != nil {
				log.Warn("dap-streamd: add channel failed", "session", sessionID, "channel", id, "err", err)
			}
		}
		log.Info("dap-streamd: session streaming", "session", sessionID, "channels", channels)
	}
}

func runStart(cmdline *cobra.Command, args []string) error {
	cfg, err := dapconfig.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	shutdownTracing, err := setupTracing(cfg.Stream.DebugMore)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	kem := crypto.NewX25519KEM()

	sessions, err := newSessionBackend(cfg.SessionStore)
	if err != nil {
		return err
	}

	registry := transport.NewRegistry()
	if err := registry.Register("http", transport.KindHTTP, httptransport.New(log), transport.SocketStream); err != nil {
		return fmt.Errorf("register http transport: %w", err)
	}
	httpDesc, _ := registry.Find(transport.KindHTTP)

	wsOps := wstransport.New(httpDesc.Ops, log)
	if err := registry.Register("websocket", transport.KindWebSocket, wsOps, transport.SocketStream); err != nil {
		return fmt.Errorf("register websocket transport: %w", err)
	}

	onSession := onSessionReady(log, met)

	httpServerDesc := &transport.Descriptor{Kind: transport.KindHTTP, Name: "http", Ops: httptransport.ServerOps()}
	httpHandler := httptransport.NewHandler(kem, sessions, registry, httpServerDesc, log, onSession)
	httpHandler.SetMetrics(met)

	wsDesc := &transport.Descriptor{Kind: transport.KindWebSocket, Name: "websocket", Ops: wstransport.ServerOps()}
	wsHandler := wstransport.NewHandler(kem, sessions, wsDesc, log, onSession)
	wsHandler.SetMetrics(met)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", httpHandler)

	httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}

	udpDesc := &transport.Descriptor{Kind: transport.KindUDPBasic, Name: "udp_basic", Ops: udptransport.ServerOps()}
	listener, err := udptransport.NewListener(cfg.Server.UDPAddr, kem, udpDesc, sessions, onSession, log, cfg.StreamUDP.ReusePort)
	if err != nil {
		return fmt.Errorf("start udp listener: %w", err)
	}
	listener.SetMetrics(met)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("dap-streamd: http/websocket listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("dap-streamd: udp listening", "addr", listener.Addr().String())
		if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("dap-streamd: shutting down")
	case err := <-errCh:
		log.Error("dap-streamd: fatal error", "err", err)
		stop()
		_ = httpServer.Close()
		_ = listener.Close()
		return err
	}

	_ = httpServer.Shutdown(context.Background())
	_ = listener.Close()
	return nil
}
