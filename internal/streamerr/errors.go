// Package streamerr defines the stable error taxonomy surfaced by the
// dap-stream core to applications. Every error the public API returns is
// either one of the sentinel values below or a *StreamError wrapping one,
// so callers can always errors.Is/errors.As against a stable token.
package streamerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the
// transport/stream/handshake design. Numeric order is not significant;
// the string token (via String) is the stable, user-visible identifier.
type Kind int

const (
	// KindNone indicates success; StreamError with KindNone is never
	// constructed, but Kind zero-values to it so an unset Kind is obviously
	// not an intended error.
	KindNone Kind = iota

	// Resource exhaustion.
	KindAllocFailed

	// Encryption failures.
	KindEncNoKey
	KindEncWrongKey
	KindEncSessionClosed

	// Handshake failures.
	KindHandshakeControl
	KindHandshakeAuth
	KindHandshakeBadResponse

	// Connection failures.
	KindNetworkRefused
	KindNetworkTimeout

	// Stage misuse / transport fallback exhaustion (Open Question #1 resolution).
	KindTransportExhausted
	KindStageWrongStage
	KindStageWrongAddress

	// Stream protocol failures.
	KindStreamWrongResponse
	KindStreamResponseTimeout
	KindStreamFrozen
	KindStreamAborted

	// Sequencing failures (non-fatal, informational kind used for logging
	// classification, never returned as a hard error from the codec).
	KindSeqPacketLoss
	KindSeqReplay

	// Framing failures.
	KindFrameOversize
	KindFrameBadSize
	KindFrameDecodeSizeMismatch
)

// tokens maps each Kind to its stable short token. These are part of the
// public contract: never rename an existing entry, only add new ones.
var tokens = map[Kind]string{
	KindNone:                    "NONE",
	KindAllocFailed:             "RESOURCE_ALLOC_FAILED",
	KindEncNoKey:                "ENC_NO_KEY",
	KindEncWrongKey:             "ENC_WRONG_KEY",
	KindEncSessionClosed:        "ENC_SESSION_CLOSED",
	KindHandshakeControl:        "HANDSHAKE_CONTROL_ERROR",
	KindHandshakeAuth:           "HANDSHAKE_AUTH_ERROR",
	KindHandshakeBadResponse:    "HANDSHAKE_RESPONSE_FORMAT_ERROR",
	KindNetworkRefused:          "NETWORK_CONNECTION_REFUSED",
	KindNetworkTimeout:          "NETWORK_TIMEOUT",
	KindTransportExhausted:      "TRANSPORT_FALLBACK_EXHAUSTED",
	KindStageWrongStage:         "STAGE_WRONG_STAGE",
	KindStageWrongAddress:       "STAGE_WRONG_ADDRESS",
	KindStreamWrongResponse:     "STREAM_WRONG_RESPONSE",
	KindStreamResponseTimeout:   "STREAM_RESPONSE_TIMEOUT",
	KindStreamFrozen:            "STREAM_FROZEN",
	KindStreamAborted:           "STREAM_ABORTED",
	KindSeqPacketLoss:           "SEQ_PACKET_LOSS_DETECTED",
	KindSeqReplay:               "SEQ_REPLAY_DETECTED",
	KindFrameOversize:           "FRAME_OVERSIZE",
	KindFrameBadSize:            "FRAME_BAD_SIZE",
	KindFrameDecodeSizeMismatch: "FRAME_DECODE_SIZE_MISMATCH",
}

// String returns the stable short token for a Kind, e.g. "STREAM_RESPONSE_TIMEOUT".
// Unknown kinds return "UNKNOWN".
func (k Kind) String() string {
	if s, ok := tokens[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// StreamError is the concrete error type returned across the public API.
// It always carries a Kind for programmatic dispatch and an optional
// wrapped cause for diagnostics.
type StreamError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *StreamError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, streamerr.New(kind)) style comparisons against a
// bare Kind sentinel without requiring the message or cause to match.
func (e *StreamError) Is(target error) bool {
	var se *StreamError
	if errors.As(target, &se) {
		return se.Kind == e.Kind
	}
	return false
}

// New builds a StreamError with just a Kind, no message or cause.
func New(kind Kind) *StreamError {
	return &StreamError{Kind: kind}
}

// Newf builds a StreamError with a formatted message.
func Newf(kind Kind, format string, args ...any) *StreamError {
	return &StreamError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a StreamError that wraps a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *StreamError {
	return &StreamError{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *StreamError.
// Returns KindNone if err is nil, and a zero Kind if err doesn't carry one
// (callers should treat that as "uncategorized").
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNone
}
