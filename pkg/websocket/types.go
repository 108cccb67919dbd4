package websocket

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a transport, numbered like the browser
// WebSocket readyState values.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name used in status reports.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Close codes the client acts on.
const (
	// CloseNormalClosure is the only code that suppresses reconnection.
	CloseNormalClosure = websocket.CloseNormalClosure
	// CloseAbnormalClosure is reported when the connection dropped without a close frame.
	CloseAbnormalClosure = websocket.CloseAbnormalClosure
)

var closeReasons = map[int]string{
	1000: "Normal closure",
	1001: "Going away",
	1002: "Protocol error",
	1003: "Unsupported data",
	1005: "No status received",
	1006: "Abnormal closure",
	1007: "Invalid frame payload data",
	1008: "Policy violation",
	1009: "Message too big",
	1010: "Mandatory extension",
	1011: "Internal server error",
	1012: "Service restart",
	1013: "Try again later",
	1014: "Bad gateway",
	1015: "TLS handshake",
}

// CloseReason describes a close code for logs.
func CloseReason(code int) string {
	if reason, ok := closeReasons[code]; ok {
		return reason
	}

	return "Unknown reason"
}

// IsNormalClosure reports whether code marks an intentional shutdown.
func IsNormalClosure(code int) bool {
	return code == CloseNormalClosure
}
