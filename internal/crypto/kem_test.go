package crypto

import "testing"

func TestX25519KEMHandshake(t *testing.T) {
	kem := NewX25519KEM()

	pub, priv, err := kem.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if len(pub) != kem.PublicKeySize() {
		t.Fatalf("public key size mismatch: got %d want %d", len(pub), kem.PublicKeySize())
	}

	ciphertext, secretA, err := kem.Encapsulate(pub)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	secretB, err := kem.Decapsulate(ciphertext, priv)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}

	if string(secretA) != string(secretB) {
		t.Fatalf("shared secret mismatch")
	}
}

func TestX25519KEMRejectsBadSizes(t *testing.T) {
	kem := NewX25519KEM()
	if _, _, err := kem.Encapsulate([]byte("short")); err == nil {
		t.Fatalf("expected error for undersized peer public key")
	}
	if _, err := kem.Decapsulate([]byte("short"), make([]byte, 32)); err == nil {
		t.Fatalf("expected error for undersized ciphertext")
	}
}
