// Package stage implements the client stage machine (§2 item 6, §4.3):
// a linear progression from BEGIN to STREAM_STREAMING, driven by
// transport primitives, with transport-fallback on failure.
package stage

// Stage is a discrete point in a client's connection lifecycle. Stages
// form a linear order: BEGIN < ENC_INIT < STREAM_CTL < STREAM_SESSION <
// STREAM_CONNECTED < STREAM_STREAMING (§4.3).
type Stage int

const (
	StageBegin Stage = iota
	StageEncInit
	StageStreamCtl
	StageStreamSession
	StageStreamConnected
	StageStreamStreaming
)

func (s Stage) String() string {
	switch s {
	case StageBegin:
		return "BEGIN"
	case StageEncInit:
		return "ENC_INIT"
	case StageStreamCtl:
		return "STREAM_CTL"
	case StageStreamSession:
		return "STREAM_SESSION"
	case StageStreamConnected:
		return "STREAM_CONNECTED"
	case StageStreamStreaming:
		return "STREAM_STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Status is the stage-status a client carries alongside its current
// stage (§4.3).
type Status int

const (
	StatusNone Status = iota
	StatusInProgress
	StatusError
	StatusDone
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusError:
		return "ERROR"
	case StatusDone:
		return "DONE"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}
