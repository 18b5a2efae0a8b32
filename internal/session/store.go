package session

import (
	"sync"
	"time"

	"github.com/dap-stream/dap-stream/internal/crypto"
)

// Store is the session-id-keyed table (§2 item 3, §5: "the session store
// uses a hash map keyed by session id with its own lock"). Create,
// Open, Lookup, Close are the four operations spec.md §4 names.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[uint32]*Session)}
}

// Create allocates a new session under the caller-supplied id and stores
// it, replacing any session already stored under that id. createEmpty mirrors the create_empty flag: true when the caller
// will fill in Channels later via Open.
func (s *Store) Create(id uint32, key crypto.Key, channels string, createEmpty bool) *Session {
	sess := &Session{
		ID:          id,
		Channels:    channels,
		Key:         key,
		CreatedAt:   time.Now().UTC(),
		CreateEmpty: createEmpty,
	}
	sess.alive.Store(true)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

// Open marks a session opened for its first stream attach and, if the
// session was created empty, fills in its negotiated channel set. It
// fails with ErrAlreadyOpened on a second call (§3 invariant).
func (s *Store) Open(id uint32, channels string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.opened.CompareAndSwap(false, true) {
		return nil, ErrAlreadyOpened
	}
	if sess.CreateEmpty && sess.Channels == "" {
		sess.Channels = channels
	}
	sess.Retain()
	return sess, nil
}

// Lookup returns the session for id without mutating it.
func (s *Store) Lookup(id uint32) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.IsAlive() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Close terminates a session explicitly, regardless of refcount.
// Idempotent: closing a missing or already-closed session is a no-op
// (§7: "Session close is idempotent and always delivered").
func (s *Store) Close(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.alive.Store(false)
	delete(s.sessions, id)
}

// ReleaseStream decrements id's refcount on stream teardown and closes
// the session once it reaches zero.
func (s *Store) ReleaseStream(id uint32) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if sess.Release() {
		s.Close(id)
	}
}

// Len returns the number of live sessions, for tests and metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
