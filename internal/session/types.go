// Package session implements the session store (§2 item 3, §3 Session):
// a map from a 32-bit session id to per-session state — active channels,
// symmetric key, creation time, and liveness.
package session

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/dap-stream/dap-stream/internal/crypto"
)

// ErrSessionNotFound is returned when a session id has no entry.
var ErrSessionNotFound = errors.New("session: not found")

// ErrAlreadyOpened is returned by Open when a session has already been
// opened once (§3 invariant: "a session may be opened exactly once
// before first stream attaches").
var ErrAlreadyOpened = errors.New("session: already opened")

// Session is the server-side record binding a session key to a set of
// active channels (§3 Session).
type Session struct {
	ID uint32

	// Channels is the string of active channel ids (each a single byte).
	// Set at creation; for a session created empty, Open fills it in
	// once.
	Channels string

	// Key is the symmetric session key used to encrypt/decrypt stream
	// packet payloads for every stream bound to this session.
	Key crypto.Key

	CreatedAt time.Time

	// CreateEmpty mirrors the "create_empty" flag: a session created
	// with no channels yet negotiated, expecting SESSION_CREATE to fill
	// Channels in before the first stream attaches.
	CreateEmpty bool

	// ServiceKey is an optional opaque string identifying a higher-level
	// service multiplexed over this session.
	ServiceKey string

	// AuthorizedNodeAddr is the optional node address this session is
	// bound to, once a stream authorizes against it.
	AuthorizedNodeAddr string

	opened   atomic.Bool
	refcount atomic.Int32
	alive    atomic.Bool
}

// IsOpened reports whether Open has already succeeded for this session.
func (s *Session) IsOpened() bool { return s.opened.Load() }

// IsAlive reports the liveness flag (§3: "liveness flag").
func (s *Session) IsAlive() bool { return s.alive.Load() }

// Retain increments the stream refcount bound to this session.
func (s *Session) Retain() { s.refcount.Add(1) }

// Release decrements the refcount and reports whether it reached zero
// (§3 Session lifetime: "destroyed when refcount reaches zero or on
// explicit close").
func (s *Session) Release() bool {
	return s.refcount.Add(-1) <= 0
}
