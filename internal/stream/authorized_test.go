package stream

import "testing"

func TestIndexRegisterFirstStreamBecomesPrimary(t *testing.T) {
	idx := NewIndex()
	a, _, _ := newTestStream(t)
	a.NodeAddr = "node-1"
	b, _, _ := newTestStream(t)
	b.NodeAddr = "node-1"

	idx.Register(a)
	idx.Register(b)

	if !a.IsPrimary() || b.IsPrimary() {
		t.Fatalf("expected a primary, b not: a=%v b=%v", a.IsPrimary(), b.IsPrimary())
	}
	if !a.IsAuthorized() || !b.IsAuthorized() {
		t.Fatal("both streams should be authorized after Register")
	}
	if got, ok := idx.Primary("node-1"); !ok || got != a {
		t.Fatalf("Primary(node-1) = %v, %v, want a", got, ok)
	}
	if idx.Len() != 2 {
		t.Fatalf("Len = %d, want 2", idx.Len())
	}
}

func TestIndexUnregisterPrimaryPromotesNext(t *testing.T) {
	idx := NewIndex()
	a, _, _ := newTestStream(t)
	a.NodeAddr = "node-2"
	b, _, _ := newTestStream(t)
	b.NodeAddr = "node-2"
	idx.Register(a)
	idx.Register(b)

	idx.Unregister(a)

	if a.IsPrimary() || a.IsAuthorized() {
		t.Fatal("unregistered stream should lose primary and authorized")
	}
	if !b.IsPrimary() {
		t.Fatal("b should be promoted to primary once a is gone")
	}
	if got, ok := idx.Primary("node-2"); !ok || got != b {
		t.Fatalf("Primary(node-2) = %v, %v, want b", got, ok)
	}
}

func TestIndexUnregisterLastStreamClearsPrimary(t *testing.T) {
	idx := NewIndex()
	a, _, _ := newTestStream(t)
	a.NodeAddr = "node-3"
	idx.Register(a)
	idx.Unregister(a)

	if _, ok := idx.Primary("node-3"); ok {
		t.Fatal("expected no primary once the only stream is unregistered")
	}
	if len(idx.Peers("node-3")) != 0 {
		t.Fatal("expected no peers left for node-3")
	}
}
