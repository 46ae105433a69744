// Package protocol defines the gateway wire format: op codes, inbound frames,
// outbound envelopes and the payloads exchanged during a session.
package protocol

import "strconv"

// OpCode identifies the purpose of a gateway frame.
type OpCode int

// Gateway op codes.
const (
	OpDispatch       OpCode = 0
	OpHeartbeat      OpCode = 1
	OpIdentify       OpCode = 2
	OpResume         OpCode = 6
	OpReconnect      OpCode = 7
	OpInvalidSession OpCode = 9
	OpHello          OpCode = 10
	OpHeartbeatAck   OpCode = 11
)

// String returns the string representation of OpCode
func (op OpCode) String() string {
	switch op {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "OP(" + strconv.Itoa(int(op)) + ")"
	}
}

// DispatchKind is the event subtype carried by a Dispatch frame.
type DispatchKind int

// Dispatch kinds the client distinguishes.
const (
	DispatchUnknown DispatchKind = iota
	DispatchCreateMessage
)

// Event names sent in the "t" field of dispatch frames.
const (
	EventMessageCreate = "MESSAGE_CREATE"
	EventReady         = "READY"
	EventResumed       = "RESUMED"
)

// ParseDispatchKind maps a raw event name to a DispatchKind.
// Only message creation is recognised; everything else is DispatchUnknown.
func ParseDispatchKind(event string) DispatchKind {
	switch event {
	case EventMessageCreate:
		return DispatchCreateMessage
	default:
		return DispatchUnknown
	}
}

// String returns the string representation of DispatchKind
func (k DispatchKind) String() string {
	switch k {
	case DispatchCreateMessage:
		return "CREATE_MESSAGE"
	default:
		return "UNKNOWN"
	}
}
