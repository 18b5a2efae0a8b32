// Package udptransport implements the UDP transport adapter (§2 item 9,
// §4.6): a single listening datagram socket that demultiplexes by
// remote address into per-client virtual streams, a KEM-derived
// handshake key wrapping the session key, and a dispatcher routing
// control vs. data datagrams without per-client sockets.
package udptransport

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the UDP datagram header: version(1) + type(1) +
// length(2) + seq_num(4) + session_id(8) + 2 reserved bytes, padded to
// the 18 bytes §3/§4.6 name (the tabulated fields alone sum to 16; see
// DESIGN.md's resolution of this wire-layout gap).
const HeaderSize = 18

// DatagramType enumerates the UDP header's type byte (§3: "HANDSHAKE /
// SESSION_CREATE / DATA / KEEPALIVE / CLOSE").
type DatagramType byte

const (
	DatagramHandshake     DatagramType = 0x01
	DatagramSessionCreate DatagramType = 0x02
	DatagramData          DatagramType = 0x03
	DatagramKeepalive     DatagramType = 0x04
	DatagramClose         DatagramType = 0x05
)

// ProtocolVersion is the only version the adapter currently speaks.
const ProtocolVersion byte = 1

// Header is the decoded 18-byte UDP datagram header.
type Header struct {
	Version   byte
	Type      DatagramType
	Length    uint16
	SeqNum    uint32
	SessionID uint64
}

// EncodeHeader serializes a Header to its wire bytes.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint64(buf[8:16], h.SessionID)
	// buf[16:18] reserved, left zero.
	return buf
}

// DecodeHeader parses a Header from the first HeaderSize bytes of buf.
// Datagrams shorter than HeaderSize are rejected (§4.6 step 1: "drop
// datagrams shorter than the header").
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("udptransport: datagram shorter than %d-byte header", HeaderSize)
	}
	return Header{
		Version:   buf[0],
		Type:      DatagramType(buf[1]),
		Length:    binary.BigEndian.Uint16(buf[2:4]),
		SeqNum:    binary.BigEndian.Uint32(buf[4:8]),
		SessionID: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// BuildDatagram frames payload with a header of the given type/seq/session.
// The length field is set to len(payload) truncated to 16 bits; no
// size check is made here. Receivers drop a datagram whose length field
// disagrees with its actual size (§8).
func BuildDatagram(t DatagramType, seq uint32, sessionID uint64, payload []byte) []byte {
	h := Header{Version: ProtocolVersion, Type: t, Length: uint16(len(payload)), SeqNum: seq, SessionID: sessionID}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, payload...)
	return out
}
