package stream

import (
	"log/slog"
	"time"

	"github.com/dap-stream/dap-stream/internal/metrics"
	"github.com/dap-stream/dap-stream/internal/streamerr"
)

// maxChunkSize bounds a single FRAGMENT packet's data slice; payloads
// larger than this are split across consecutive FRAGMENT packets that
// share one FullSize and advancing MemShift offsets (§4.2 step 2).
const maxChunkSize = 16 * 1024

// keepAliveInterval is the idle period after which a side emits a
// KEEPALIVE and the timer rearms (§4.2 step 5, §6 "Cancellation and
// timeouts").
const keepAliveInterval = 30 * time.Second

// encryptPayload encrypts plaintext with the stream's session key, or
// returns it unchanged if the stream has no session (pre-handshake
// control packets, §4.2: "ENC_NONE is only valid before a session key
// exists").
func encryptPayload(st *Stream, plaintext []byte) ([]byte, error) {
	if st.Session == nil || st.Session.Key == nil {
		return plaintext, nil
	}
	ct, err := st.Session.Key.Encrypt(plaintext)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindEncNoKey, "encrypt stream payload", err)
	}
	return ct, nil
}

func decryptPayload(st *Stream, ciphertext []byte) ([]byte, error) {
	if st.Session == nil || st.Session.Key == nil {
		return ciphertext, nil
	}
	pt, err := st.Session.Key.Decrypt(ciphertext)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindEncWrongKey, "decrypt stream payload", err)
	}
	return pt, nil
}

// framePacket wraps an already-encrypted payload with the 16-byte
// stream header.
func framePacket(t PacketType, payload []byte) []byte {
	if uint32(len(payload)) > PktSizeMax {
		payload = payload[:PktSizeMax]
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeHeader(t, uint32(len(payload)))...)
	out = append(out, payload...)
	return out
}

// Write sends data on channel ch of stream st, tagged with the given
// channel-packet type byte. Payloads larger than maxChunkSize are split
// into FRAGMENT packets (§4.2 step 2); everything else is a single DATA
// packet. Each wire packet is encrypted independently with the stream's
// session key before framing.
func Write(st *Stream, ch *Channel, pktType byte, data []byte) (int, error) {
	if len(data) > PktSizeMax {
		return 0, streamerr.Newf(streamerr.KindFrameOversize, "payload %d exceeds max %d", len(data), PktSizeMax)
	}

	if len(data) <= maxChunkSize {
		cp := ChannelPacket{
			ID:      ch.ID,
			Type:    pktType,
			SeqID:   st.NextSeq(),
			EncType: encTypeFor(st),
			Data:    data,
		}
		plain := EncodeChannelPacket(cp)
		cipher, err := encryptPayload(st, plain)
		if err != nil {
			return 0, err
		}
		n, err := st.rawWrite(framePacket(PacketData, cipher))
		if err == nil {
			ch.addBytesOut(len(data))
			st.Metrics.AddBytesOut(ch.ID, len(data))
		}
		return n, err
	}

	whole := EncodeChannelPacket(ChannelPacket{ID: ch.ID, Type: pktType, SeqID: st.NextSeq(), EncType: encTypeFor(st), Data: data})
	total := uint32(len(whole))
	written := 0
	for shift := uint32(0); shift < total; shift += maxChunkSize {
		end := shift + maxChunkSize
		if end > total {
			end = total
		}
		fp := FragmentPacket{FullSize: total, MemShift: shift, Data: whole[shift:end]}
		plain := EncodeFragmentPacket(fp)
		cipher, err := encryptPayload(st, plain)
		if err != nil {
			return written, err
		}
		n, err := st.rawWrite(framePacket(PacketFragment, cipher))
		written += n
		if err != nil {
			return written, err
		}
	}
	ch.addBytesOut(len(data))
	st.Metrics.AddBytesOut(ch.ID, len(data))
	return written, nil
}

// WriteKeepAlive sends an empty KEEPALIVE packet on the stream.
func WriteKeepAlive(st *Stream) (int, error) {
	return st.rawWrite(framePacket(PacketKeepAlive, nil))
}

// WriteServicePacket sends a SERVICE packet carrying a session id
// (§4.2: keep-alive/session-bind control plane).
func WriteServicePacket(st *Stream, sessionID uint32) (int, error) {
	plain := EncodeServicePacket(ServicePacket{SessionID: sessionID})
	cipher, err := encryptPayload(st, plain)
	if err != nil {
		return 0, err
	}
	return st.rawWrite(framePacket(PacketService, cipher))
}

// encTypeFor reports the encryption type byte recorded in a channel
// packet: 0 when the stream has no session key yet, 1 otherwise.
func encTypeFor(st *Stream) byte {
	if st.Session == nil || st.Session.Key == nil {
		return 0
	}
	return 1
}

// Reader incrementally decodes stream packets out of a byte stream,
// handling partial reads, magic resynchronization on corruption, and
// fragment reassembly (§4.2, §6).
type Reader struct {
	st  *Stream
	buf []byte
	log *slog.Logger
	met *metrics.Metrics
}

// NewReader creates a Reader that decodes and dispatches packets for st,
// inheriting st.Metrics (nil unless the caller set one) as its
// instrumentation sink.
func NewReader(st *Stream, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{st: st, log: log, met: st.Metrics}
}

// SetMetrics attaches the optional Prometheus instrumentation described
// in SPEC_FULL.md §1.1 (fragment-reassembly counts, sequence-gap
// counters, per-channel byte totals). A nil met (the default) disables
// instrumentation entirely.
func (r *Reader) SetMetrics(met *metrics.Metrics) {
	r.met = met
}

// Feed appends newly-read bytes and processes as many complete packets
// as are buffered, returning the number of packets consumed.
func (r *Reader) Feed(b []byte) (int, error) {
	r.buf = append(r.buf, b...)
	consumed := 0

	for {
		idx := ScanForMagic(r.buf)
		if idx < 0 {
			// No magic at all: keep only a tail long enough to catch a
			// magic straddling the next Feed call.
			if len(r.buf) > len(Magic) {
				r.buf = r.buf[len(r.buf)-len(Magic)+1:]
			}
			return consumed, nil
		}
		if idx > 0 {
			r.log.Warn("stream: discarding bytes before magic", "n", idx)
			r.buf = r.buf[idx:]
		}
		if len(r.buf) < HeaderSize {
			return consumed, nil // wait for more data
		}
		hdr, err := DecodeHeader(r.buf)
		if err != nil {
			r.buf = r.buf[1:] // resync past the false-positive magic
			continue
		}
		if hdr.Size > PktSizeMax {
			r.buf = r.buf[len(Magic):] // drop this magic, rescan
			continue
		}
		total := HeaderSize + int(hdr.Size)
		if len(r.buf) < total {
			return consumed, nil // wait for the rest of the payload
		}

		payload := r.buf[HeaderSize:total]
		if err := r.dispatch(hdr.Type, payload); err != nil {
			r.log.Warn("stream: dropping packet", "type", hdr.Type, "err", err)
		}
		r.buf = r.buf[total:]
		consumed++
	}
}

func (r *Reader) dispatch(t PacketType, ciphertext []byte) error {
	plain, err := decryptPayload(r.st, ciphertext)
	if err != nil {
		return err
	}

	switch t {
	case PacketData:
		cp, err := DecodeChannelPacket(plain)
		if err != nil {
			return err
		}
		if r.noteSequence(cp.SeqID) {
			return nil // replay: discard without reaching the channel
		}
		return r.dispatchChannel(cp)

	case PacketFragment:
		r.met.IncFragmentReceived()
		fp, err := DecodeFragmentPacket(plain)
		if err != nil {
			return err
		}
		return r.reassemble(fp)

	case PacketService:
		_, err := DecodeServicePacket(plain)
		return err

	case PacketKeepAlive:
		if r.st.KeepAlive != nil {
			r.st.KeepAlive.Reset(keepAliveInterval)
		}
		_, err := r.st.rawWrite(framePacket(PacketAlive, nil))
		return err

	case PacketAlive:
		r.st.SetActive(false)
		return nil

	default:
		return streamerr.Newf(streamerr.KindFrameBadSize, "unknown packet type %d", t)
	}
}

// noteSequence implements the gap-detection rule: N <= last_seq is a
// replay, discarded without updating last_seq — the caller must not
// dispatch the packet to its channel; N > last_seq+1 is loss, accepted,
// and last_seq is updated; N == last_seq+1 is the ordinary case.
// Returns true when the packet is a replay.
func (r *Reader) noteSequence(seqID uint32) bool {
	last := r.st.LastRecvSeq()
	n := int64(seqID)
	if last >= 0 && n <= last {
		r.log.Debug("stream: replay detected", "seq", seqID, "last", last)
		r.met.IncSequenceReplay()
		return true
	}
	if last >= 0 && n > last+1 {
		r.log.Debug("stream: packet loss detected", "seq", seqID, "last", last)
		r.met.IncSequenceGap()
	}
	r.st.SetLastRecvSeq(seqID)
	return false
}

func (r *Reader) dispatchChannel(cp ChannelPacket) error {
	ch, ok := r.st.Channels.Get(cp.ID)
	if !ok {
		return streamerr.Newf(streamerr.KindStreamWrongResponse, "no channel %d on stream", cp.ID)
	}
	r.met.AddBytesIn(cp.ID, len(cp.Data))
	ch.dispatch(cp)
	return nil
}

// reassemble validates the mem_shift invariant (§8: the shift must equal
// the buffer's current filled size) and, once the fragment set is
// complete, decodes the reassembled bytes as a ChannelPacket and
// dispatches it.
func (r *Reader) reassemble(fp FragmentPacket) error {
	fb := &r.st.Fragment
	fb.mu.Lock()

	if fb.total == 0 {
		fb.bytes = make([]byte, fp.FullSize)
		fb.total = fp.FullSize
		fb.filled = 0
	}
	if fp.FullSize != fb.total || fp.MemShift != fb.filled {
		fb.reset()
		fb.mu.Unlock()
		return streamerr.New(streamerr.KindFrameDecodeSizeMismatch)
	}

	copy(fb.bytes[fp.MemShift:], fp.Data)
	fb.filled += uint32(len(fp.Data))
	complete := fb.filled >= fb.total
	var whole []byte
	if complete {
		whole = fb.bytes
		fb.reset()
	}
	fb.mu.Unlock()

	if !complete {
		return nil
	}
	r.met.IncReassemblyOK()
	cp, err := DecodeChannelPacket(whole)
	if err != nil {
		return err
	}
	if r.noteSequence(cp.SeqID) {
		return nil // replay: discard without reaching the channel
	}
	return r.dispatchChannel(cp)
}
