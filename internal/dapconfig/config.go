// Package dapconfig provides the YAML + environment configuration schema
// for dap-streamd and dap-stream-client.
package dapconfig

import (
	"fmt"
)

// Config is the top-level configuration for both the server (dap-streamd)
// and the client (dap-stream-client); the two binaries each read only the
// sections relevant to them.
type Config struct {
	// Server configures the listening addresses for each enabled transport.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Stream configures the stream packet engine (§6 configuration keys).
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// StreamUDP configures the UDP transport adapter specifically.
	StreamUDP StreamUDPConfig `yaml:"stream_udp" mapstructure:"stream_udp"`

	// DAPClient configures client-side defaults.
	DAPClient DAPClientConfig `yaml:"dap_client" mapstructure:"dap_client"`

	// SessionStore selects the session-store backend.
	SessionStore SessionStoreConfig `yaml:"session_store" mapstructure:"session_store"`

	// DevMode makes SetDevDefaults raise the log level to debug and turn
	// on the stream and UDP debug diagnostics; validation is unchanged.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the listener addresses dap-streamd binds.
type ServerConfig struct {
	// HTTPAddr is the address the HTTP/WebSocket transport listens on.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// UDPAddr is the address the UDP transport listens on.
	UDPAddr string `yaml:"udp_addr" mapstructure:"udp_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StreamConfig configures the stream packet engine (spec.md §6's
// "stream.*" configuration keys).
type StreamConfig struct {
	// PreferredEncryption names the default session cipher algorithm.
	PreferredEncryption string `yaml:"preferred_encryption" mapstructure:"preferred_encryption" validate:"omitempty,oneof=chacha20poly1305"`

	// DebugDumpStreamHeaders logs every packet header when true.
	DebugDumpStreamHeaders bool `yaml:"debug_dump_stream_headers" mapstructure:"debug_dump_stream_headers"`

	// DebugMore adds verbose stream-engine diagnostics.
	DebugMore bool `yaml:"debug_more" mapstructure:"debug_more"`

	// TransportPolicy is an optional CEL expression for choosing the
	// transport from connection attributes. It is loaded here only; the
	// commands in this module do not read it. A policy takes effect when
	// a caller passes a compiled policy.Selector to WithTransportPolicy
	// (internal/stage or pkg/dapstream), which moves the chosen transport
	// to the front of the fallback list.
	TransportPolicy string `yaml:"transport_policy" mapstructure:"transport_policy"`
}

// StreamUDPConfig configures the UDP transport adapter.
type StreamUDPConfig struct {
	// DebugMore enables verbose UDP adapter diagnostics.
	DebugMore bool `yaml:"debug_more" mapstructure:"debug_more"`

	// ReusePort enables SO_REUSEPORT on the UDP listen socket (Linux only).
	ReusePort bool `yaml:"reuse_port" mapstructure:"reuse_port"`
}

// DAPClientConfig configures client-side connection defaults.
type DAPClientConfig struct {
	// DefaultTransport names the carrier new clients start on.
	DefaultTransport string `yaml:"default_transport" mapstructure:"default_transport" validate:"omitempty,oneof=http websocket udp_basic udp_reliable tls_direct dns_tunnel"`

	// FallbackOrder names the transports tried, in order, after the
	// default transport is classified as unreachable.
	FallbackOrder []string `yaml:"fallback_order" mapstructure:"fallback_order"`

	// ConnectTimeout bounds each transport attempt (e.g. "10s").
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"omitempty"`
}

// SessionStoreConfig selects and configures the session-store backend.
type SessionStoreConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`

	// SqlitePath is the database file path when Backend is "sqlite"
	// (spec.md's "stream.session_store=sqlite:///path" form, split here
	// into backend + path for struct-tag validation).
	SqlitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SetDefaults applies sensible default values, mirroring the teacher's
// OSSConfig.SetDefaults.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8443"
	}
	if c.Server.UDPAddr == "" {
		c.Server.UDPAddr = "127.0.0.1:8444"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Stream.PreferredEncryption == "" {
		c.Stream.PreferredEncryption = "chacha20poly1305"
	}
	if c.DAPClient.DefaultTransport == "" {
		c.DAPClient.DefaultTransport = "http"
	}
	if len(c.DAPClient.FallbackOrder) == 0 {
		c.DAPClient.FallbackOrder = []string{"http", "websocket", "udp_basic"}
	}
	if c.DAPClient.ConnectTimeout == "" {
		c.DAPClient.ConnectTimeout = "10s"
	}
	if c.SessionStore.Backend == "" {
		c.SessionStore.Backend = "memory"
	}
}

// SetDevDefaults applies permissive defaults for development mode,
// mirroring the teacher's OSSConfig.SetDevDefaults.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Stream.DebugMore = true
	c.StreamUDP.DebugMore = true
}

// Validate validates cross-field rules beyond what struct tags express.
func (c *Config) Validate() error {
	if c.SessionStore.Backend == "sqlite" && c.SessionStore.SqlitePath == "" {
		return fmt.Errorf("dapconfig: session_store.sqlite_path is required when backend is sqlite")
	}
	return nil
}
