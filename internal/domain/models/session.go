package models

import "time"

// SessionState is the lifecycle state of the terminal connection.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Session represents one logical connection to the trading terminal.
// Owned exclusively by the session owner goroutine.
type Session struct {
	ClientID      int
	State         SessionState
	ServerTime    time.Time
	Accounts      []string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// StateChange is emitted on every session transition.
type StateChange struct {
	From  SessionState
	To    SessionState
	At    time.Time
	Cause error // nil on normal transitions
}

// AccountSnapshot is the last known handshake payload, cached so status
// queries can be served while the session is degraded.
type AccountSnapshot struct {
	ClientID   int       `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
	Accounts   []string  `json:"accounts"`
	TakenAt    time.Time `json:"taken_at"`
}
