package session

import "testing"

func TestStoreCreateOpenLookupClose(t *testing.T) {
	store := NewStore()

	sess := store.Create(42, nil, "A,B", false)
	if sess.ID != 42 {
		t.Fatalf("session ID = %d, want 42", sess.ID)
	}

	opened, err := store.Open(42, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.Channels != "A,B" {
		t.Fatalf("Channels = %q, want A,B", opened.Channels)
	}

	if _, err := store.Open(42, ""); err != ErrAlreadyOpened {
		t.Fatalf("second Open should fail with ErrAlreadyOpened, got %v", err)
	}

	found, err := store.Lookup(42)
	if err != nil || found.ID != 42 {
		t.Fatalf("Lookup: %v, %+v", err, found)
	}

	store.Close(42)
	if _, err := store.Lookup(42); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after Close, got %v", err)
	}

	// Close is idempotent.
	store.Close(42)
}

func TestStoreCreateEmptyFillsChannelsOnOpen(t *testing.T) {
	store := NewStore()
	store.Create(7, nil, "", true)

	opened, err := store.Open(7, "A,C")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.Channels != "A,C" {
		t.Fatalf("Channels = %q, want A,C", opened.Channels)
	}
}

func TestLookupMissingSession(t *testing.T) {
	store := NewStore()
	if _, err := store.Lookup(999); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReleaseStreamClosesOnZeroRefcount(t *testing.T) {
	store := NewStore()
	store.Create(1, nil, "A", false)

	if _, err := store.Open(1, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Open already retained once; release it back down to zero.
	store.ReleaseStream(1)

	if _, err := store.Lookup(1); err != ErrSessionNotFound {
		t.Fatalf("expected session closed after refcount reached zero, got %v", err)
	}
}
