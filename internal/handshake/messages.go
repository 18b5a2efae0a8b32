package handshake

import "encoding/binary"

// MessageType enumerates the six handshake message types (§4.7).
type MessageType uint16

const (
	HandshakeRequest MessageType = iota + 1
	HandshakeResponse
	SessionCreate
	SessionCreateResponse
	StreamReady
	StreamStart
)

func (t MessageType) String() string {
	switch t {
	case HandshakeRequest:
		return "HANDSHAKE_REQUEST"
	case HandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case SessionCreate:
		return "SESSION_CREATE"
	case SessionCreateResponse:
		return "SESSION_CREATE_RESPONSE"
	case StreamReady:
		return "STREAM_READY"
	case StreamStart:
		return "STREAM_START"
	default:
		return "UNKNOWN"
	}
}

// RequiredTypes lists the mandatory TLV set per message type. Decode
// rejects a message missing one of these; any TLV type not listed here
// (known or unknown) is treated as optional and simply skipped if absent.
var RequiredTypes = map[MessageType][]TLVType{
	HandshakeRequest:      {TypeEncType, TypeKEMType, TypeAlicePubKey},
	HandshakeResponse:     {TypeStatus},
	SessionCreate:         {TypeSessionID, TypeChannels},
	SessionCreateResponse: {TypeStatus, TypeSessionID},
	StreamReady:           {TypeSessionID},
	StreamStart:           {TypeSessionID},
}

// BuildHandshakeRequest constructs the HANDSHAKE_REQUEST message carrying
// the client's proposed crypto parameters (§3 Handshake params).
func BuildHandshakeRequest(encType, kemType string, blockKeySize int, clientKEMPub []byte, certName string) *Message {
	msg := &Message{MsgType: HandshakeRequest}
	msg.Set(TypeEncType, []byte(encType))
	msg.Set(TypeKEMType, []byte(kemType))
	if blockKeySize > 0 {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, uint32(blockKeySize))
		msg.Set(TypeBlockKeySize, v)
	}
	msg.Set(TypeAlicePubKey, clientKEMPub)
	if certName != "" {
		msg.Set(TypeAliceCert, []byte(certName))
	}
	return msg
}

// BuildHandshakeResponseOK constructs a successful HANDSHAKE_RESPONSE.
func BuildHandshakeResponseOK(sessionKeyID string, serverKEMCT []byte, nodeSig []byte) *Message {
	msg := &Message{MsgType: HandshakeResponse}
	msg.Set(TypeStatus, []byte{1})
	msg.Set(TypeSessionID, []byte(sessionKeyID))
	msg.Set(TypeBobKEMCT, serverKEMCT)
	if len(nodeSig) > 0 {
		msg.Set(TypeBobSignature, nodeSig)
	}
	return msg
}

// BuildHandshakeResponseError constructs a failed HANDSHAKE_RESPONSE.
func BuildHandshakeResponseError(errKind, errMsg string) *Message {
	msg := &Message{MsgType: HandshakeResponse}
	msg.Set(TypeStatus, []byte{0})
	msg.Set(TypeErrorKind, []byte(errKind))
	msg.Set(TypeErrorMsg, []byte(errMsg))
	return msg
}

// IsSuccess reports whether a HANDSHAKE_RESPONSE or SESSION_CREATE_RESPONSE
// message carries a success status byte.
func (m *Message) IsSuccess() bool {
	status, ok := m.Get(TypeStatus)
	return ok && len(status) == 1 && status[0] == 1
}

// BuildSessionCreate constructs the SESSION_CREATE message, where
// sessionKey is already encrypted with the handshake key (UDP) or sent
// over an already-encrypted channel (HTTP/WS) per the adapter.
func BuildSessionCreate(sessionID uint32, channels string, encryptedSessionKey []byte) *Message {
	msg := &Message{MsgType: SessionCreate}
	sid := make([]byte, 4)
	binary.BigEndian.PutUint32(sid, sessionID)
	msg.Set(TypeSessionID, sid)
	msg.Set(TypeChannels, []byte(channels))
	if len(encryptedSessionKey) > 0 {
		msg.Set(TypeSessionKey, encryptedSessionKey)
	}
	return msg
}

// BuildSessionCreateResponse constructs the SESSION_CREATE_RESPONSE.
func BuildSessionCreateResponse(sessionID uint32, ok bool) *Message {
	msg := &Message{MsgType: SessionCreateResponse}
	status := byte(0)
	if ok {
		status = 1
	}
	msg.Set(TypeStatus, []byte{status})
	sid := make([]byte, 4)
	binary.BigEndian.PutUint32(sid, sessionID)
	msg.Set(TypeSessionID, sid)
	return msg
}

// SessionIDUint32 reads the session id TLV as a big-endian uint32.
func (m *Message) SessionIDUint32() (uint32, bool) {
	v, ok := m.Get(TypeSessionID)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// BuildStreamReady constructs the STREAM_READY message.
func BuildStreamReady(sessionID uint32) *Message {
	msg := &Message{MsgType: StreamReady}
	sid := make([]byte, 4)
	binary.BigEndian.PutUint32(sid, sessionID)
	msg.Set(TypeSessionID, sid)
	return msg
}

// BuildStreamStart constructs the STREAM_START message.
func BuildStreamStart(sessionID uint32) *Message {
	msg := &Message{MsgType: StreamStart}
	sid := make([]byte, 4)
	binary.BigEndian.PutUint32(sid, sessionID)
	msg.Set(TypeSessionID, sid)
	return msg
}
