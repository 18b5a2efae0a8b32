package stream

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/session"
	"github.com/dap-stream/dap-stream/internal/transport"
)

// FragmentBuffer is the per-stream reassembly buffer for FRAGMENT packets
// (§3 Fragment packet, §8 invariant: "mem_shift == reassembly.filled").
type FragmentBuffer struct {
	mu     sync.Mutex
	bytes  []byte
	total  uint32
	filled uint32
}

// reset clears the reassembly state, dropping any partial data.
func (f *FragmentBuffer) reset() {
	f.bytes = nil
	f.total = 0
	f.filled = 0
}

// Flags holds the boolean lifecycle bits from §3 Stream: authorized,
// primary, is_client_to_uplink, closing, is_active.
type Flags struct {
	authorized       atomic.Bool
	primary          atomic.Bool
	isClientToUplink atomic.Bool
	closing          atomic.Bool
	isActive         atomic.Bool
}

// Stream is the per-connection state described in §3: bound event-socket,
// assigned transport, session pointer, channel set, sequence counters,
// fragment buffer, keep-alive timer, node address, and flags.
type Stream struct {
	ID     string // unique per process; uuid
	Worker string // worker identity this stream is pinned to (§5)

	Conn      transport.Conn
	Transport *transport.Descriptor
	Session   *session.Session
	Channels  *Table

	seq          atomic.Uint32
	lastRecvSeq  atomic.Int64 // -1 until first packet received
	Fragment     FragmentBuffer
	KeepAlive    *time.Timer

	NodeAddr string
	Flags    Flags

	// Metrics is the optional Prometheus instrumentation (SPEC_FULL.md
	// §1.1). Nil disables instrumentation; every metrics.Metrics method
	// is nil-receiver-safe.
	Metrics *metrics.Metrics

	// authorizedElem is this stream's node in the process-wide
	// authorized-streams list, set by Index.Register.
	authorizedElem *list.Element

	writeFn func(conn transport.Conn, buf []byte) (int, error)
	closeFn func(conn transport.Conn) error
}

// New creates a Stream bound to conn/descriptor/session, with a fresh
// process-unique id and an empty channel table.
func New(conn transport.Conn, desc *transport.Descriptor, sess *session.Session) *Stream {
	s := &Stream{
		ID:        uuid.NewString(),
		Conn:      conn,
		Transport: desc,
		Session:   sess,
		Channels:  NewTable(),
	}
	s.lastRecvSeq.Store(-1)
	if desc != nil && desc.Ops != nil {
		s.writeFn = desc.Ops.Write
		s.closeFn = desc.Ops.Close
	}
	return s
}

// NextSeq returns the next transmit sequence number, incrementing the
// counter (§3: "transmit sequence counter").
func (s *Stream) NextSeq() uint32 { return s.seq.Add(1) }

// LastRecvSeq returns the last-received sequence id, or -1 if none yet.
func (s *Stream) LastRecvSeq() int64 { return s.lastRecvSeq.Load() }

// SetLastRecvSeq updates the last-received sequence id.
func (s *Stream) SetLastRecvSeq(v uint32) { s.lastRecvSeq.Store(int64(v)) }

// IsActive / SetActive track the keep-alive liveness bit.
func (s *Stream) IsActive() bool      { return s.Flags.isActive.Load() }
func (s *Stream) SetActive(v bool)    { s.Flags.isActive.Store(v) }
func (s *Stream) IsAuthorized() bool  { return s.Flags.authorized.Load() }
func (s *Stream) SetAuthorized(v bool) { s.Flags.authorized.Store(v) }
func (s *Stream) IsPrimary() bool     { return s.Flags.primary.Load() }
func (s *Stream) SetPrimary(v bool)   { s.Flags.primary.Store(v) }
func (s *Stream) IsClosing() bool     { return s.Flags.closing.Load() }

// rawWrite sends pre-framed bytes through the bound transport's Write op.
func (s *Stream) rawWrite(buf []byte) (int, error) {
	if s.writeFn == nil {
		return 0, nil
	}
	return s.writeFn(s.Conn, buf)
}

// Close tears the stream down: stops the keep-alive timer, flushes via
// the transport's Close (the adapter's flush-then-release point). It
// does not release the session reference; callers close the session
// in the session store themselves (§3 Stream lifetime).
func (s *Stream) Close() error {
	if !s.Flags.closing.CompareAndSwap(false, true) {
		return nil // already closing; Close is idempotent
	}
	if s.KeepAlive != nil {
		s.KeepAlive.Stop()
	}
	var err error
	if s.closeFn != nil {
		err = s.closeFn(s.Conn)
	}
	return err
}
