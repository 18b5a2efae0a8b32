// Package transport implements the process-wide transport registry
// (§2 item 1, §4.1): a mapping from transport kind to a transport
// descriptor, holding a borrowed vtable the stage machine and stream
// engine drive against. The registry itself never owns a connection;
// it only answers "which transport implements kind/name X".
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// paramsValidator is a package-level validator instance; the teacher's
// own config validator (internal/dapconfig/validator.go) does the same,
// since *validator.Validate caches struct reflection and is safe for
// concurrent use.
var paramsValidator = validator.New()

// Kind enumerates the carriers a transport descriptor can identify as.
type Kind int

const (
	KindHTTP Kind = iota
	KindUDPBasic
	KindUDPReliable
	KindWebSocket
	KindTLSDirect
	KindDNSTunnel
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindUDPBasic:
		return "udp_basic"
	case KindUDPReliable:
		return "udp_reliable"
	case KindWebSocket:
		return "websocket"
	case KindTLSDirect:
		return "tls_direct"
	case KindDNSTunnel:
		return "dns_tunnel"
	default:
		return "unknown"
	}
}

// ParseKind parses a transport name case-insensitively, recognizing the
// aliases spec.md §4.1 enumerates. Unknown names map to KindHTTP, the
// documented default.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "udp", "udp_basic":
		return KindUDPBasic
	case "udp_reliable":
		return KindUDPReliable
	case "udp_quic", "quic":
		return KindUDPReliable
	case "websocket", "ws":
		return KindWebSocket
	case "tls", "tls_direct":
		return KindTLSDirect
	case "dns", "dns_tunnel":
		return KindDNSTunnel
	case "http", "https":
		return KindHTTP
	default:
		return KindHTTP
	}
}

// SocketKind describes the underlying OS socket semantics a transport
// rides on, used by the UDP adapter and others to decide demultiplexing
// strategy (§3 Transport descriptor).
type SocketKind int

const (
	SocketStream SocketKind = iota
	SocketDatagram
	SocketOther
)

// Capability is a single bit in a transport's capability set.
type Capability uint32

const (
	CapReliable Capability = 1 << iota
	CapOrdered
	CapObfuscation
	CapPadding
	CapMimicry
	CapMultiplexing
	CapBidirectional
	CapLowLatency
	CapHighThroughput
)

// Has reports whether cap is set within caps.
func (caps Capability) Has(cap Capability) bool { return caps&cap != 0 }

// HandshakeParams carries the client's proposed cryptographic parameters
// for a handshake attempt (§3 Handshake params).
type HandshakeParams struct {
	SymmetricAlgorithm string `validate:"required"`
	KEMAlgorithm       string `validate:"required"`
	KEMPublicKeySize   int    `validate:"gte=0"`
	BlockKeySize       int    `validate:"gte=0"`
	ProtocolVersion    uint32 `validate:"required"`
	AuthCertName       string `validate:"omitempty,max=255"`
	ClientKEMPublic    []byte `validate:"required"`
	SignatureCount     int    `validate:"gte=0"`
}

// Validate runs struct-tag validation over p (SPEC_FULL.md §1.2: the
// teacher's go-playground/validator/v10 dependency additionally covers
// HandshakeParams, not just Config), rejecting a handshake attempt
// whose proposed parameters are structurally malformed before any
// bytes reach the wire.
func (p HandshakeParams) Validate() error {
	return paramsValidator.Struct(p)
}

// HandshakeResult carries the server's handshake outcome back to the
// stage machine (§3 Handshake response).
type HandshakeResult struct {
	Success       bool
	SessionKeyID  string
	ServerKEMCT   []byte
	NodeSignature []byte
	ErrorMessage  string
}

// Ops is the explicit vtable every transport implementation provides
// (§2 item 1: "connect, listen, handshake_init/process, session_create/
// start, read, write, close, stage_prepare"). It is a plain record of
// function values plus whatever closure state the adapter needs; there
// is no inheritance and callers never downcast it (§9 design notes).
type Ops struct {
	// Connect establishes the underlying transport connection to addr.
	Connect func(ctx context.Context, addr string) (Conn, error)

	// Listen starts accepting inbound connections at addr, invoking
	// accept for each new peer.
	Listen func(ctx context.Context, addr string, accept func(Conn)) error

	// HandshakeInit sends the initial handshake request over conn and
	// waits for the response.
	HandshakeInit func(ctx context.Context, conn Conn, params HandshakeParams) (HandshakeResult, error)

	// HandshakeProcess is the server-side counterpart: given an inbound
	// handshake request payload, produce the response payload.
	HandshakeProcess func(ctx context.Context, conn Conn, reqPayload []byte) (respPayload []byte, err error)

	// SessionCreate negotiates active channels for the already-encrypted
	// connection and returns the assigned session id.
	SessionCreate func(ctx context.Context, conn Conn, channels string) (sessionID uint32, err error)

	// SessionStart marks the session ready for data flow.
	SessionStart func(ctx context.Context, conn Conn) error

	// Read reads the next chunk of transport bytes from conn.
	Read func(conn Conn, buf []byte) (n int, err error)

	// Write writes bytes to conn.
	Write func(conn Conn, buf []byte) (n int, err error)

	// Close tears down conn.
	Close func(conn Conn) error

	// StagePrepare performs whatever socket-creation step must happen
	// before Connect (§4.3 stage table: STREAM_CTL -> STREAM_SESSION).
	// addr is the peer the client was configured with; transports that
	// need a bound/connected socket before the handshake request can be
	// made (e.g. UDP) dial it here rather than waiting for the later
	// Connect transition.
	StagePrepare func(ctx context.Context, addr string) (Conn, error)
}

// Conn is the minimal handle an Ops implementation hands back to the
// stage machine / stream engine. Concrete adapters embed whatever extra
// per-transport context they need behind this interface.
type Conn interface {
	// RemoteAddr identifies the peer, used as the UDP session-table key
	// and for authorized-stream lookups.
	RemoteAddr() string
}

// Descriptor is the process-wide record for one registered transport
// (§3 Transport descriptor).
type Descriptor struct {
	Kind               Kind
	Name               string
	Ops                *Ops
	Capabilities       Capability
	SocketKind         SocketKind
	MTU                int
	HasSessionControl  bool
}

// Registry is the process-wide transport table (§2 item 1, §5
// "guarded by its own lock (read-heavy)"). The zero value is not usable;
// use NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	byKind map[Kind]*Descriptor
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind]*Descriptor)}
}

// Register adds a transport descriptor. Returns an error if a descriptor
// is already registered for kind (uniqueness invariant, §3) or if
// required fields are missing.
func (r *Registry) Register(name string, kind Kind, ops *Ops, socketKind SocketKind) error {
	if name == "" {
		return fmt.Errorf("transport: invalid-args: name must not be empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("transport: invalid-args: name exceeds 63 characters")
	}
	if ops == nil {
		return fmt.Errorf("transport: invalid-args: ops vtable must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("transport: already-registered: kind %s", kind)
	}

	r.byKind[kind] = &Descriptor{
		Kind:       kind,
		Name:       name,
		Ops:        ops,
		SocketKind: socketKind,
	}
	return nil
}

// Unregister removes the descriptor for kind, if any.
func (r *Registry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKind, kind)
}

// Find looks up a descriptor by kind.
func (r *Registry) Find(kind Kind) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKind[kind]
	return d, ok
}

// FindByName looks up a descriptor by its registered name, case-sensitive
// (names are operator-chosen; parsing user input should go through
// ParseKind + Find instead).
func (r *Registry) FindByName(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byKind {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// ListAll returns a snapshot of all registered descriptors, sorted by
// kind for deterministic output.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byKind))
	for _, d := range r.byKind {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
