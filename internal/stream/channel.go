package stream

import "sync"

// PacketInFunc processes a decrypted channel packet arriving on a
// channel. It returns true if the packet passed a security check and
// subscribers should be notified (§4.2: "if it returns security-ok").
type PacketInFunc func(ch *Channel, pkt ChannelPacket) (securityOK bool)

// PacketOutFunc is invoked before a channel packet is sent out, letting
// a channel transform or inspect outbound data.
type PacketOutFunc func(ch *Channel, pkt ChannelPacket)

// Notifier is a subscriber callback invoked for every accepted inbound
// packet on a channel (§4.2: "each attached notifier is invoked with
// (channel, type, payload, size, arg)").
type Notifier func(ch *Channel, pktType byte, payload []byte, arg any)

// Channel is a one-byte-identified substream multiplexed over a Stream
// (§3 Channel, GLOSSARY).
type Channel struct {
	ID     byte
	Stream *Stream

	PacketIn  PacketInFunc
	PacketOut PacketOutFunc

	mu          sync.Mutex
	readyIn     bool
	readyOut    bool
	closing     bool
	subscribers []subscriberEntry
	bytesIn     uint64
	bytesOut    uint64
}

type subscriberEntry struct {
	fn  Notifier
	arg any
}

// NewChannel creates a channel bound to a stream. stream may be nil when
// constructing a channel before it is attached (tests).
func NewChannel(id byte, st *Stream) *Channel {
	return &Channel{ID: id, Stream: st}
}

// Subscribe registers a notifier, invoked for every accepted inbound
// packet until the channel closes.
func (c *Channel) Subscribe(fn Notifier, arg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, subscriberEntry{fn: fn, arg: arg})
}

// SetReady updates the per-direction ready flags.
func (c *Channel) SetReady(in, out bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyIn, c.readyOut = in, out
}

// ReadyIn reports whether the channel is ready to read.
func (c *Channel) ReadyIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyIn
}

// ReadyOut reports whether the channel is ready to write.
func (c *Channel) ReadyOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyOut
}

// Close marks the channel closing; no further notifiers fire after this
// point even if dispatch is mid-flight (§4.2: "unless the channel has
// entered closing").
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// IsClosing reports the channel's closing flag.
func (c *Channel) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// dispatch runs PacketIn and, on security-ok, notifies every subscriber
// with the decoded channel packet, unless the channel has closed.
func (c *Channel) dispatch(pkt ChannelPacket) {
	if c.PacketIn == nil {
		return
	}
	if !c.PacketIn(c, pkt) {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.bytesIn += uint64(len(pkt.Data))
	subs := make([]subscriberEntry, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, sub := range subs {
		if c.IsClosing() {
			return
		}
		sub.fn(c, pkt.Type, pkt.Data, sub.arg)
	}
}

// BytesIn/BytesOut report per-direction byte counters.
func (c *Channel) BytesIn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn
}

func (c *Channel) addBytesOut(n int) {
	c.mu.Lock()
	c.bytesOut += uint64(n)
	c.mu.Unlock()
}

func (c *Channel) BytesOut() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesOut
}

// Table is the stream's ordered set of channels, keyed by one-byte id
// (§3 invariant: "channel ids are unique within a stream"). Lookup is a
// linear scan per §4.2 ("ids are small integers and channel sets rarely
// exceed a handful").
type Table struct {
	mu       sync.RWMutex
	channels []*Channel
}

// NewTable creates an empty channel table.
func NewTable() *Table {
	return &Table{}
}

// Add registers a new channel, returning an error if the id is already
// present.
func (t *Table) Add(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.channels {
		if existing.ID == ch.ID {
			return errDuplicateChannel(ch.ID)
		}
	}
	t.channels = append(t.channels, ch)
	return nil
}

// Get finds a channel by id via linear scan.
func (t *Table) Get(id byte) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return nil, false
}

// Remove drops a channel from the table.
func (t *Table) Remove(id byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.channels {
		if ch.ID == id {
			t.channels = append(t.channels[:i], t.channels[i+1:]...)
			return
		}
	}
}

// All returns a snapshot of every channel currently in the table.
func (t *Table) All() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, len(t.channels))
	copy(out, t.channels)
	return out
}

type duplicateChannelError byte

func (e duplicateChannelError) Error() string {
	return "stream: duplicate channel id"
}

func errDuplicateChannel(id byte) error {
	return duplicateChannelError(id)
}
