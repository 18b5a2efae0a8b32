// Package crypto defines the narrow capability interfaces the stream
// engine consumes from the (externally owned) cryptographic primitive
// library, plus one concrete default implementation of each so the core
// is runnable out of the box. Per the design, these are swappable: the
// core never assumes chacha20poly1305 or X25519 specifically, only the
// Key/KEM/CertStore/Signer contracts below.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key is a symmetric session key capable of encrypting/decrypting stream
// packet payloads. EncodeSize/DecodeSize let the packet codec compute
// buffer sizes and single-shot capacity (§4.2, §3 Stream packet) without
// knowing the concrete algorithm.
type Key interface {
	// Encrypt returns a new buffer holding the ciphertext for plaintext.
	// Encrypting an empty buffer must yield a non-empty buffer of known
	// size (the nonce/tag overhead).
	Encrypt(plaintext []byte) (ciphertext []byte, err error)

	// Decrypt returns a new buffer holding the plaintext for ciphertext.
	Decrypt(ciphertext []byte) (plaintext []byte, err error)

	// EncodeSize returns the ciphertext length produced by Encrypt for a
	// plaintext of the given length, without performing the encryption.
	EncodeSize(plaintextLen int) int

	// DecodeSize returns the plaintext length produced by Decrypt for a
	// ciphertext of the given length, without performing the decryption.
	// Used by the codec to size its scratch buffer (§4.2).
	DecodeSize(ciphertextLen int) int

	// BlockSize returns the cipher's natural block/overhead size, used by
	// the packet codec to pick a fragment chunk size (§4.2 step 2).
	BlockSize() int
}

// chachaKey is the default Key implementation, wrapping
// golang.org/x/crypto/chacha20poly1305 (AEAD). The nonce is generated
// fresh per call and prefixed to the ciphertext; DecodeSize/EncodeSize
// therefore offset by chacha20poly1305.NonceSize + chacha20poly1305.Overhead.
type chachaKey struct {
	secret []byte
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
}

// SecretExporter is an optional extension a Key implementation may
// satisfy to let a persisted SessionStore (e.g. the sqlite backend)
// round-trip key material across a process restart. Not every Key
// needs to support this; the in-memory session store never calls it.
type SecretExporter interface {
	RawSecret() []byte
}

// RawSecret returns the raw symmetric secret chachaKey was built from,
// satisfying SecretExporter.
func (k *chachaKey) RawSecret() []byte { return k.secret }

// NewChaCha20Poly1305Key builds the default session Key from a 32-byte
// secret (e.g. the shared secret derived from a KEM exchange, or a
// randomly generated session key).
func NewChaCha20Poly1305Key(secret []byte) (Key, error) {
	if len(secret) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: chacha20poly1305 key must be %d bytes, got %d", chacha20poly1305.KeySize, len(secret))
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("crypto: building aead: %w", err)
	}
	secretCopy := append([]byte(nil), secret...)
	return &chachaKey{secret: secretCopy, aead: aead}, nil
}

// GenerateSecret returns a fresh random 32-byte secret suitable for
// NewChaCha20Poly1305Key, e.g. for a server minting a new session key.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("crypto: generating secret: %w", err)
	}
	return secret, nil
}

func (k *chachaKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+k.EncodeSize(len(plaintext)))
	out = append(out, nonce...)
	out = k.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

func (k *chachaKey) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := k.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := k.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt failed: %w", err)
	}
	return plaintext, nil
}

func (k *chachaKey) EncodeSize(plaintextLen int) int {
	return k.aead.NonceSize() + plaintextLen + k.aead.Overhead()
}

func (k *chachaKey) DecodeSize(ciphertextLen int) int {
	overhead := k.aead.NonceSize() + k.aead.Overhead()
	if ciphertextLen < overhead {
		return 0
	}
	return ciphertextLen - overhead
}

func (k *chachaKey) BlockSize() int {
	return 64
}
