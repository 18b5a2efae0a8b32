package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KEM is a Key-Encapsulation Mechanism: a public key produces a ciphertext
// and a shared secret; decapsulating the ciphertext with the matching
// secret key recovers the same shared secret. The UDP handshake (§4.6)
// and the handshake-key derivation both go through this interface so the
// post-quantum-flavored primitive named in the data model can be swapped
// in without touching the handshake or codec logic.
type KEM interface {
	// GenerateKeypair returns a fresh (public, secret) keypair.
	GenerateKeypair() (pub, priv []byte, err error)

	// Encapsulate derives a ciphertext and shared secret from a peer's
	// public key. Called by the initiating side (server, in this
	// handshake's convention: the client sends its public key, the
	// server encapsulates against it).
	Encapsulate(peerPub []byte) (ciphertext, sharedSecret []byte, err error)

	// Decapsulate recovers the shared secret from a ciphertext using the
	// local secret key generated by GenerateKeypair.
	Decapsulate(ciphertext, priv []byte) (sharedSecret []byte, err error)

	// PublicKeySize returns the expected length of a public key in bytes.
	PublicKeySize() int
}

// x25519KEM adapts X25519 Diffie-Hellman to the KEM interface: the
// "ciphertext" is the encapsulator's own ephemeral public key, and the
// shared secret is the X25519 shared point, hashed with SHA-256 to
// produce a uniform 32-byte secret suitable as a cipher key.
type x25519KEM struct{}

// NewX25519KEM returns the default KEM implementation. X25519 is a
// classical stand-in for the spec's post-quantum-flavored KEM contract;
// the interface above is what lets a real PQ KEM (e.g. ML-KEM/Kyber)
// replace it without touching callers.
func NewX25519KEM() KEM { return x25519KEM{} }

func (x25519KEM) PublicKeySize() int { return curve25519.PointSize }

func (x25519KEM) GenerateKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating kem private scalar: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: deriving kem public key: %w", err)
	}
	return pub, priv, nil
}

func (x25519KEM) Encapsulate(peerPub []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, nil, fmt.Errorf("crypto: peer public key must be %d bytes, got %d", curve25519.PointSize, len(peerPub))
	}
	ephPub, ephPriv, err := NewX25519KEM().GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	point, err := curve25519.X25519(ephPriv, peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: x25519 encapsulate: %w", err)
	}
	secret := sha256.Sum256(point)
	return ephPub, secret[:], nil
}

func (x25519KEM) Decapsulate(ciphertext, priv []byte) (sharedSecret []byte, err error) {
	if len(ciphertext) != curve25519.PointSize {
		return nil, fmt.Errorf("crypto: kem ciphertext must be %d bytes, got %d", curve25519.PointSize, len(ciphertext))
	}
	point, err := curve25519.X25519(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519 decapsulate: %w", err)
	}
	secret := sha256.Sum256(point)
	return secret[:], nil
}
