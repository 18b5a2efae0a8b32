// Package stream implements the stream packet engine (§2 item 2, §4.2):
// wire framing, payload encryption via the session key, fragmentation
// and reassembly, channel demultiplexing, sequence-gap detection,
// keep-alive, and the Stream object's lifecycle.
package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/dap-stream/dap-stream/internal/streamerr"
)

// Magic is the 8-byte pattern opening every stream packet header
// (§6 "Wire — stream framing").
var Magic = [8]byte{'c', '_', 'd', 'a', 'p', '_', 's', 'i'}

// HeaderSize is the fixed stream-packet header length: 8-byte magic,
// 1-byte type, 3 reserved bytes, 4-byte little-endian size.
const HeaderSize = 16

// PacketType is the stream packet's type byte.
type PacketType byte

const (
	PacketData     PacketType = 0x01
	PacketFragment PacketType = 0x02
	PacketService  PacketType = 0x03
	PacketKeepAlive PacketType = 0x04
	PacketAlive    PacketType = 0x05
)

// PktSizeMax bounds an individual stream packet's payload (§3 invariant:
// "size ≤ DAP_STREAM_PKT_SIZE_MAX"). Oversize packets are dropped.
const PktSizeMax = 1 << 20 // 1 MiB

// Header is the decoded 16-byte stream packet header.
type Header struct {
	Type PacketType
	Size uint32
}

// EncodeHeader writes the 16-byte header for a payload of the given size.
func EncodeHeader(t PacketType, size uint32) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic[:])
	buf[8] = byte(t)
	// buf[9:12] reserved, left zero.
	binary.LittleEndian.PutUint32(buf[12:16], size)
	return buf
}

// DecodeHeader parses a 16-byte header previously validated to start at
// the magic (callers locate the magic via ScanForMagic first).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("stream: header buffer too short")
	}
	size := binary.LittleEndian.Uint32(buf[12:16])
	return Header{Type: PacketType(buf[8]), Size: size}, nil
}

// ScanForMagic finds the first occurrence of Magic in buf, returning its
// index or -1. On an oversize or malformed packet, the codec advances
// past the old magic by one byte and rescans from there (§4.2, §6).
func ScanForMagic(buf []byte) int {
	if len(buf) < len(Magic) {
		return -1
	}
	for i := 0; i+len(Magic) <= len(buf); i++ {
		if matchMagic(buf[i : i+len(Magic)]) {
			return i
		}
	}
	return -1
}

func matchMagic(b []byte) bool {
	for i := range Magic {
		if b[i] != Magic[i] {
			return false
		}
	}
	return true
}

// ChannelPacket is the plaintext structure encrypted as a DATA packet's
// payload (§3 Stream packet).
type ChannelPacket struct {
	ID       byte
	Type     byte
	SeqID    uint32
	EncType  byte
	DataSize uint32
	Data     []byte
}

// channelPacketHeaderSize is ID(1) + Type(1) + SeqID(4) + EncType(1) + DataSize(4).
const channelPacketHeaderSize = 11

// EncodeChannelPacket serializes a ChannelPacket to bytes (pre-encryption).
func EncodeChannelPacket(p ChannelPacket) []byte {
	buf := make([]byte, channelPacketHeaderSize+len(p.Data))
	buf[0] = p.ID
	buf[1] = p.Type
	binary.LittleEndian.PutUint32(buf[2:6], p.SeqID)
	buf[6] = p.EncType
	binary.LittleEndian.PutUint32(buf[7:11], uint32(len(p.Data)))
	copy(buf[channelPacketHeaderSize:], p.Data)
	return buf
}

// DecodeChannelPacket parses a ChannelPacket from decrypted bytes,
// validating that the embedded DataSize matches the actual remaining
// buffer length (§4.2: "on size mismatch ... the packet is dropped").
func DecodeChannelPacket(buf []byte) (ChannelPacket, error) {
	if len(buf) < channelPacketHeaderSize {
		return ChannelPacket{}, streamerr.New(streamerr.KindFrameBadSize)
	}
	dataSize := binary.LittleEndian.Uint32(buf[7:11])
	rest := buf[channelPacketHeaderSize:]
	if uint32(len(rest)) != dataSize {
		return ChannelPacket{}, streamerr.New(streamerr.KindFrameDecodeSizeMismatch)
	}
	data := make([]byte, dataSize)
	copy(data, rest)
	return ChannelPacket{
		ID:       buf[0],
		Type:     buf[1],
		SeqID:    binary.LittleEndian.Uint32(buf[2:6]),
		EncType:  buf[6],
		DataSize: dataSize,
		Data:     data,
	}, nil
}

// FragmentPacket carries a slice of a larger application packet (§3
// Fragment packet).
type FragmentPacket struct {
	FullSize uint32
	MemShift uint32
	DataSize uint32
	Data     []byte
}

// fragmentHeaderSize is FullSize(4) + MemShift(4) + DataSize(4).
const fragmentHeaderSize = 12

// EncodeFragmentPacket serializes a FragmentPacket to bytes.
func EncodeFragmentPacket(f FragmentPacket) []byte {
	buf := make([]byte, fragmentHeaderSize+len(f.Data))
	binary.LittleEndian.PutUint32(buf[0:4], f.FullSize)
	binary.LittleEndian.PutUint32(buf[4:8], f.MemShift)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Data)))
	copy(buf[fragmentHeaderSize:], f.Data)
	return buf
}

// DecodeFragmentPacket parses a FragmentPacket from decrypted bytes.
func DecodeFragmentPacket(buf []byte) (FragmentPacket, error) {
	if len(buf) < fragmentHeaderSize {
		return FragmentPacket{}, streamerr.New(streamerr.KindFrameBadSize)
	}
	dataSize := binary.LittleEndian.Uint32(buf[8:12])
	rest := buf[fragmentHeaderSize:]
	if uint32(len(rest)) != dataSize {
		return FragmentPacket{}, streamerr.New(streamerr.KindFrameDecodeSizeMismatch)
	}
	data := make([]byte, dataSize)
	copy(data, rest)
	return FragmentPacket{
		FullSize: binary.LittleEndian.Uint32(buf[0:4]),
		MemShift: binary.LittleEndian.Uint32(buf[4:8]),
		DataSize: dataSize,
		Data:     data,
	}, nil
}

// ServicePacket is the fixed-size SERVICE packet payload (§4.2: "expects
// a fixed-size {session_id} payload").
type ServicePacket struct {
	SessionID uint32
}

const servicePacketSize = 4

// EncodeServicePacket serializes a ServicePacket.
func EncodeServicePacket(p ServicePacket) []byte {
	buf := make([]byte, servicePacketSize)
	binary.LittleEndian.PutUint32(buf, p.SessionID)
	return buf
}

// DecodeServicePacket parses a ServicePacket.
func DecodeServicePacket(buf []byte) (ServicePacket, error) {
	if len(buf) != servicePacketSize {
		return ServicePacket{}, streamerr.New(streamerr.KindFrameBadSize)
	}
	return ServicePacket{SessionID: binary.LittleEndian.Uint32(buf)}, nil
}
