package crypto

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T) Key {
	t.Helper()
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	key, err := NewChaCha20Poly1305Key(secret)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Key: %v", err)
	}
	return key
}

func TestKeyRoundTrip(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte("dap-stream channel payload")

	ciphertext, err := key.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ciphertext) != key.EncodeSize(len(plaintext)) {
		t.Fatalf("EncodeSize mismatch: got len %d, EncodeSize %d", len(ciphertext), key.EncodeSize(len(plaintext)))
	}

	decoded, err := key.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, plaintext)
	}
	if len(decoded) != key.DecodeSize(len(ciphertext)) {
		t.Fatalf("DecodeSize mismatch: got %d want %d", key.DecodeSize(len(ciphertext)), len(decoded))
	}
}

func TestKeyEmptyPayload(t *testing.T) {
	key := mustKey(t)

	ciphertext, err := key.Encrypt(nil)
	if err != nil {
		t.Fatalf("Encrypt(nil): %v", err)
	}
	if len(ciphertext) == 0 {
		t.Fatalf("encrypting empty buffer must yield a non-empty buffer")
	}

	plaintext, err := key.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(plaintext) != 0 {
		t.Fatalf("expected zero-length plaintext, got %d bytes", len(plaintext))
	}
}

func TestKeyWrongKeyFails(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	ciphertext, err := key1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := key2.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decrypt with wrong key to fail")
	}
}

func TestNewChaCha20Poly1305KeyRejectsBadLength(t *testing.T) {
	if _, err := NewChaCha20Poly1305Key([]byte("too-short")); err == nil {
		t.Fatalf("expected error for undersized secret")
	}
}
