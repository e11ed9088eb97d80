// Package protocol models the client side of the terminal's message
// envelopes. The terminal owns the wire format; this is only the local
// framing the session layer needs to correlate traffic.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeError        = "error"
)

// Envelope is one framed message to or from the terminal.
type Envelope struct {
	Type       string         `json:"type"`
	ID         int64          `json:"id,omitempty"`
	ClientID   int            `json:"client_id,omitempty"`
	Category   string         `json:"category,omitempty"`
	Method     string         `json:"method,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ServerTime int64          `json:"server_time,omitempty"` // unix seconds
	Accounts   []string       `json:"accounts,omitempty"`
	Code       int            `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Encode marshals the envelope for the transport.
func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b, nil
}

// Decode parses an inbound frame. Frames that are not envelopes are
// reported as errors; the session drops them.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &e, nil
}

// Handshake builds the connect envelope carrying the client identifier.
func Handshake(clientID int) *Envelope {
	return &Envelope{Type: TypeHandshake, ClientID: clientID}
}

// Heartbeat builds a keepalive probe.
func Heartbeat(id int64) *Envelope {
	return &Envelope{Type: TypeHeartbeat, ID: id}
}
