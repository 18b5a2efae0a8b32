package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/alexedwards/argon2id"
)

// ErrCertNotFound is returned by a CertStore when no certificate is
// registered under the requested name.
var ErrCertNotFound = errors.New("crypto: certificate not found")

// CertHandle is an opaque reference to a loaded node certificate/keypair.
// The stream engine never inspects its fields directly; it only passes
// the handle back to Signer.
type CertHandle struct {
	Name       string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// CertStore is the "find by name" contract the design notes describe for
// the external certificate store collaborator (§3, Session/Handshake
// params optional authentication certificate).
type CertStore interface {
	FindByName(name string) (CertHandle, error)
}

// Signer signs and verifies handshake material with a node's identity key.
type Signer interface {
	Sign(handle CertHandle, data []byte) (sig []byte, err error)
	Verify(pub ed25519.PublicKey, data, sig []byte) error
}

// memCertStore is an in-process certificate store seeded with
// Ed25519 keypairs, used for tests and for nodes that generate an
// ephemeral identity rather than loading one from disk. A
// filesystem-backed store would satisfy the same interface by lazily
// loading and caching PEM files.
type memCertStore struct {
	mu    sync.RWMutex
	certs map[string]CertHandle
}

// NewMemCertStore returns an in-memory CertStore.
func NewMemCertStore() CertStore {
	return &memCertStore{certs: make(map[string]CertHandle)}
}

// Put registers a freshly generated Ed25519 identity under name and
// returns its handle. Intended for bootstrapping nodes and tests.
func (s *memCertStore) Put(name string) (CertHandle, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return CertHandle{}, fmt.Errorf("crypto: generating node identity: %w", err)
	}
	handle := CertHandle{Name: name, PublicKey: pub, privateKey: priv}
	s.mu.Lock()
	s.certs[name] = handle
	s.mu.Unlock()
	return handle, nil
}

func (s *memCertStore) FindByName(name string) (CertHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.certs[name]
	if !ok {
		return CertHandle{}, ErrCertNotFound
	}
	return handle, nil
}

// ed25519Signer is the default Signer, operating on the Ed25519 keys
// managed by CertStore handles.
type ed25519Signer struct{}

// NewEd25519Signer returns the default Signer implementation.
func NewEd25519Signer() Signer { return ed25519Signer{} }

func (ed25519Signer) Sign(handle CertHandle, data []byte) ([]byte, error) {
	if handle.privateKey == nil {
		return nil, fmt.Errorf("crypto: cert handle %q has no private key", handle.Name)
	}
	return ed25519.Sign(handle.privateKey, data), nil
}

func (ed25519Signer) Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("crypto: signature verification failed")
	}
	return nil
}

// HashAuthToken hashes a pre-shared handshake auth token with Argon2id,
// for storage in a node's configuration (mirrors the teacher's API key
// hashing: a slow, salted hash for credentials that are checked rarely
// and must resist offline brute force, distinct from the xxhash used
// for high-volume table lookups).
func HashAuthToken(token string) (string, error) {
	return argon2id.CreateHash(token, argon2id.DefaultParams)
}

// VerifyAuthToken checks a candidate token against a stored Argon2id hash.
func VerifyAuthToken(token, hash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(token, hash)
}
