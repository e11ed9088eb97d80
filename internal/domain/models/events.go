package models

import "time"

// EventType tags entries on the session event stream.
type EventType string

const (
	EventStateChange    EventType = "state_change"
	EventRequestOutcome EventType = "request_outcome"
	EventReconnect      EventType = "reconnect_attempt"
	EventFatal          EventType = "fatal"
)

// SessionEvent is published to the event stream for every lifecycle
// transition, reconnect attempt, and completed request.
type SessionEvent struct {
	Type          EventType     `json:"type"`
	ClientID      int           `json:"client_id"`
	At            time.Time     `json:"at"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
	Delay         time.Duration `json:"delay,omitempty"`
	CorrelationID int64         `json:"correlation_id,omitempty"`
	Category      string        `json:"category,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}
