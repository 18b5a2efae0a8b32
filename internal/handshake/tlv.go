// Package handshake implements the transport-agnostic TLV handshake
// codec (§4.7) used by every transport adapter to encode/decode the
// HANDSHAKE, SESSION_CREATE, and STREAM_READY/START messages. The wire
// format never depends on which carrier (HTTP, UDP, WebSocket) moved
// the bytes.
package handshake

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// defaultMagic is the fixed 32-bit pattern that opens every TLV handshake
// message. Exposed through MagicProvider (below) so obfuscation
// strategies can substitute a different byte sequence without forking
// the codec (§9 design notes, Open Question #2).
const defaultMagic uint32 = 0x44415053

// Version is the fixed protocol version field following the magic.
const Version uint32 = 0x01000000

// MagicProvider returns the magic byte sequence to use when encoding,
// and is tried when decoding. Pluggable so obfuscation phases can
// substitute a different pattern without forking the codec.
type MagicProvider func() uint32

// DefaultMagic is the stock MagicProvider, returning the fixed pattern.
func DefaultMagic() uint32 { return defaultMagic }

// MaxTLVValueSize is the largest single TLV value the codec will encode
// or accept (§4.7: "Maximum single TLV value is 65 535 bytes").
const MaxTLVValueSize = 65535

// TLVType partitions are as defined in §4.7.
type TLVType uint16

const (
	// 0x01xx: header/control.
	TypeMagic       TLVType = 0x0100
	TypeVersion     TLVType = 0x0101
	TypeMessageType TLVType = 0x0102
	TypeStatus      TLVType = 0x0103

	// 0x02xx: encryption params.
	TypeEncType      TLVType = 0x0200
	TypeKEMType      TLVType = 0x0201
	TypeEncKeySize   TLVType = 0x0202
	TypeBlockKeySize TLVType = 0x0203

	// 0x03xx: alice (client) credentials.
	TypeAlicePubKey TLVType = 0x0300
	TypeAliceCert   TLVType = 0x0301

	// 0x04xx: extensions.
	TypeExtension TLVType = 0x0400

	// 0x05xx: session id/timeout.
	TypeSessionID TLVType = 0x0500
	TypeTimeout   TLVType = 0x0501

	// 0x06xx: bob (server) credentials.
	TypeBobPubKey    TLVType = 0x0600
	TypeBobSignature TLVType = 0x0601
	TypeBobKEMCT     TLVType = 0x0602

	// 0x07xx: errors.
	TypeErrorKind TLVType = 0x0700
	TypeErrorMsg  TLVType = 0x0701

	// 0x08xx: stream params.
	TypeChannels    TLVType = 0x0800
	TypeEncHeaders  TLVType = 0x0801
	TypeSessionKey  TLVType = 0x0802
)

// TLV is one decoded type-length-value entry.
type TLV struct {
	Type  TLVType
	Value []byte
}

// Message is a handshake wire message: the fixed magic+version preamble
// followed by an ordered sequence of TLVs.
type Message struct {
	MsgType MessageType
	Items   []TLV
}

// Get returns the first TLV of the given type, if present.
func (m *Message) Get(t TLVType) ([]byte, bool) {
	for _, item := range m.Items {
		if item.Type == t {
			return item.Value, true
		}
	}
	return nil, false
}

// Set appends or replaces the TLV of the given type.
func (m *Message) Set(t TLVType, value []byte) {
	for i, item := range m.Items {
		if item.Type == t {
			m.Items[i].Value = value
			return
		}
	}
	m.Items = append(m.Items, TLV{Type: t, Value: value})
}

// Encode serializes a Message to wire bytes using magic as the opening
// pattern.
func Encode(msg *Message, magic MagicProvider) ([]byte, error) {
	if magic == nil {
		magic = DefaultMagic
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, magic()); err != nil {
		return nil, fmt.Errorf("handshake: writing magic: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, Version); err != nil {
		return nil, fmt.Errorf("handshake: writing version: %w", err)
	}

	// The message type itself travels as the first TLV.
	msgTypeBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(msgTypeBytes, uint16(msg.MsgType))
	if err := writeTLV(&buf, TypeMessageType, msgTypeBytes); err != nil {
		return nil, err
	}

	for _, item := range msg.Items {
		if err := writeTLV(&buf, item.Type, item.Value); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func writeTLV(buf *bytes.Buffer, t TLVType, value []byte) error {
	if len(value) > MaxTLVValueSize {
		return fmt.Errorf("handshake: TLV type %#x value exceeds %d bytes", t, MaxTLVValueSize)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(t)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(value))); err != nil {
		return err
	}
	buf.Write(value)
	return nil
}

// Decode parses wire bytes into a Message. magic is tried first (falling
// back to DefaultMagic) to validate the preamble; TLVs outside the
// message type's mandatory set are accepted, known or not, and kept in
// Items, while a message missing any type of that set (see
// RequiredTypes) causes an error.
func Decode(data []byte, magic MagicProvider) (*Message, error) {
	if magic == nil {
		magic = DefaultMagic
	}

	if len(data) < 8 {
		return nil, fmt.Errorf("handshake: message too short for magic+version")
	}

	gotMagic := binary.BigEndian.Uint32(data[0:4])
	if gotMagic != magic() && gotMagic != defaultMagic {
		return nil, fmt.Errorf("handshake: bad magic %#x", gotMagic)
	}
	gotVersion := binary.BigEndian.Uint32(data[4:8])
	if gotVersion != Version {
		return nil, fmt.Errorf("handshake: unsupported version %#x", gotVersion)
	}

	items, err := decodeTLVs(data[8:])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("handshake: message has no message-type TLV")
	}

	var msgType MessageType
	var rest []TLV
	found := false
	for _, item := range items {
		if item.Type == TypeMessageType && !found {
			if len(item.Value) != 2 {
				return nil, fmt.Errorf("handshake: malformed message-type TLV")
			}
			msgType = MessageType(binary.BigEndian.Uint16(item.Value))
			found = true
			continue
		}
		rest = append(rest, item)
	}
	if !found {
		return nil, fmt.Errorf("handshake: missing message-type TLV")
	}

	msg := &Message{MsgType: msgType, Items: rest}
	if err := validateRequired(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeTLVs(data []byte) ([]TLV, error) {
	var items []TLV
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("handshake: truncated TLV header")
		}
		t := TLVType(binary.BigEndian.Uint16(data[0:2]))
		length := binary.BigEndian.Uint16(data[2:4])
		data = data[4:]
		if int(length) > len(data) {
			return nil, fmt.Errorf("handshake: TLV type %#x length %d exceeds remaining buffer", t, length)
		}
		value := make([]byte, length)
		copy(value, data[:length])
		data = data[length:]
		items = append(items, TLV{Type: t, Value: value})
	}
	return items, nil
}

// validateRequired enforces that every mandatory TLV type for msg's
// MsgType is present; unknown optional types are implicitly allowed
// since decodeTLVs accepts any registered-or-not type.
func validateRequired(msg *Message) error {
	required, ok := RequiredTypes[msg.MsgType]
	if !ok {
		return fmt.Errorf("handshake: unknown message type %d", msg.MsgType)
	}
	for _, t := range required {
		if _, present := msg.Get(t); !present {
			return fmt.Errorf("handshake: message type %v missing required TLV %#x", msg.MsgType, t)
		}
	}
	return nil
}
