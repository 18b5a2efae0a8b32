package session

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dap-stream/dap-stream/internal/crypto"
)

// SQLiteStore is the persisted alternative to the in-memory Store
// (SPEC_FULL.md §1.2 DOMAIN STACK: "optional persisted session-store
// backend ... for long-lived UDP session tables that must survive a
// process restart"). It satisfies the same Backend interface and the
// same four operations (§4 Session store: "supports creation, open,
// lookup, close"), keeping an in-memory cache so reads never touch the
// database, and writing through to sqlite on every mutation, grounded on the
// in-memory Store's map+RWMutex shape (store.go).
type SQLiteStore struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	db       *sql.DB
}

// NewSQLiteStore opens (creating if absent) the sqlite database at path
// and rehydrates any sessions persisted by a prior process, reconstructing
// each session's key from its exported raw secret where the Key
// implementation supports crypto.SecretExporter (the default
// chacha20poly1305 Key does).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn.

	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   INTEGER PRIMARY KEY,
	channels             TEXT NOT NULL,
	secret               BLOB,
	created_at           TEXT NOT NULL,
	create_empty         INTEGER NOT NULL,
	service_key          TEXT,
	authorized_node_addr TEXT,
	opened               INTEGER NOT NULL,
	alive                INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create sqlite schema: %w", err)
	}

	st := &SQLiteStore{sessions: make(map[uint32]*Session), db: db}
	if err := st.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) loadAll() error {
	rows, err := s.db.Query(`SELECT id, channels, secret, created_at, create_empty, service_key, authorized_node_addr, opened, alive FROM sessions WHERE alive = 1`)
	if err != nil {
		return fmt.Errorf("session: load sqlite sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                              uint32
			channels, createdAt, serviceKey string
			authorizedNodeAddr              sql.NullString
			secret                          []byte
			createEmpty, opened, alive      int
		)
		if err := rows.Scan(&id, &channels, &secret, &createdAt, &createEmpty, &serviceKey, &authorizedNodeAddr, &opened, &alive); err != nil {
			return fmt.Errorf("session: scan sqlite row: %w", err)
		}

		sess := &Session{
			ID:                 id,
			Channels:           channels,
			ServiceKey:         serviceKey,
			AuthorizedNodeAddr: authorizedNodeAddr.String,
			CreateEmpty:        createEmpty != 0,
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sess.CreatedAt = t
		}
		if len(secret) > 0 {
			if key, err := crypto.NewChaCha20Poly1305Key(secret); err == nil {
				sess.Key = key
			}
		}
		sess.alive.Store(alive != 0)
		sess.opened.Store(opened != 0)
		if sess.opened.Load() {
			sess.refcount.Store(1)
		}
		s.sessions[id] = sess
	}
	return rows.Err()
}

func (s *SQLiteStore) persist(sess *Session) error {
	var secret []byte
	if exp, ok := sess.Key.(crypto.SecretExporter); ok {
		secret = exp.RawSecret()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, channels, secret, created_at, create_empty, service_key, authorized_node_addr, opened, alive)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET channels=excluded.channels, secret=excluded.secret,
			create_empty=excluded.create_empty, service_key=excluded.service_key,
			authorized_node_addr=excluded.authorized_node_addr, opened=excluded.opened, alive=excluded.alive`,
		sess.ID, sess.Channels, secret, sess.CreatedAt.Format(time.RFC3339Nano),
		boolToInt(sess.CreateEmpty), sess.ServiceKey, sess.AuthorizedNodeAddr,
		boolToInt(sess.IsOpened()), boolToInt(sess.IsAlive()),
	)
	if err != nil {
		return fmt.Errorf("session: persist sqlite row: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Create allocates a new session and writes it through to sqlite
// immediately, mirroring Store.Create's in-memory semantics.
func (s *SQLiteStore) Create(id uint32, key crypto.Key, channels string, createEmpty bool) *Session {
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

	_ = s.persist(sess) // best-effort: an in-flight session still works if the write fails.
	return sess
}

// Open mirrors Store.Open (§3 invariant: opened exactly once).
func (s *SQLiteStore) Open(id uint32, channels string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !sess.opened.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil, ErrAlreadyOpened
	}
	if sess.CreateEmpty && sess.Channels == "" {
		sess.Channels = channels
	}
	sess.Retain()
	s.mu.Unlock()

	_ = s.persist(sess)
	return sess, nil
}

// Lookup mirrors Store.Lookup.
func (s *SQLiteStore) Lookup(id uint32) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.IsAlive() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Close mirrors Store.Close: idempotent, always delivered (§7).
func (s *SQLiteStore) Close(id uint32) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.alive.Store(false)
	delete(s.sessions, id)
	s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE sessions SET alive = 0 WHERE id = ?`, id); err != nil {
		_ = err // closing still succeeds in memory even if the durable mark-dead write fails.
	}
}

// ReleaseStream mirrors Store.ReleaseStream.
func (s *SQLiteStore) ReleaseStream(id uint32) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if sess.Release() {
		s.Close(id)
	}
}

// Len returns the number of live sessions.
func (s *SQLiteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseDB closes the underlying database handle.
func (s *SQLiteStore) CloseDB() error {
	return s.db.Close()
}
