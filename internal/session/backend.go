package session

import "github.com/dap-stream/dap-stream/internal/crypto"

// Backend is the interface *Store satisfies; the UDP/HTTP/WebSocket
// adapters and the stage machine depend on this rather than the
// concrete in-memory type, so an alternate persisted implementation
// (SQLiteStore) can stand in without touching adapter code (§3 Session,
// SPEC_FULL.md §1.2 "optional persisted session-store backend").
type Backend interface {
	Create(id uint32, key crypto.Key, channels string, createEmpty bool) *Session
	Open(id uint32, channels string) (*Session, error)
	Lookup(id uint32) (*Session, error)
	Close(id uint32)
	ReleaseStream(id uint32)
	Len() int
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*SQLiteStore)(nil)
)
