package stream

import "testing"

func TestTableAddGetRemove(t *testing.T) {
	tbl := NewTable()
	ch := NewChannel(1, nil)
	if err := tbl.Add(ch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tbl.Add(NewChannel(1, nil)); err == nil {
		t.Fatal("expected duplicate channel id error")
	}
	got, ok := tbl.Get(1)
	if !ok || got != ch {
		t.Fatalf("Get(1) = %v, %v", got, ok)
	}
	tbl.Remove(1)
	if _, ok := tbl.Get(1); ok {
		t.Fatal("expected channel removed")
	}
}

func TestChannelDispatchNotifiesSubscribers(t *testing.T) {
	ch := NewChannel(2, nil)
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return true }

	var got []byte
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) {
		got = payload
	}, nil)

	ch.dispatch(ChannelPacket{ID: 2, Data: []byte("payload")})
	if string(got) != "payload" {
		t.Fatalf("subscriber saw %q, want %q", got, "payload")
	}
	if ch.BytesIn() != uint64(len("payload")) {
		t.Fatalf("BytesIn = %d, want %d", ch.BytesIn(), len("payload"))
	}
}

func TestChannelDispatchSkipsOnSecurityFailure(t *testing.T) {
	ch := NewChannel(3, nil)
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return false }

	called := false
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) { called = true }, nil)
	ch.dispatch(ChannelPacket{ID: 3, Data: []byte("x")})
	if called {
		t.Fatal("subscriber should not be notified on security failure")
	}
}

func TestChannelDispatchSkipsAfterClose(t *testing.T) {
	ch := NewChannel(4, nil)
	ch.PacketIn = func(c *Channel, pkt ChannelPacket) bool { return true }
	ch.Close()

	called := false
	ch.Subscribe(func(c *Channel, pktType byte, payload []byte, arg any) { called = true }, nil)
	ch.dispatch(ChannelPacket{ID: 4, Data: []byte("x")})
	if called {
		t.Fatal("subscriber should not fire once channel is closing")
	}
}
