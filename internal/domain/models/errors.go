package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies every failure the client surfaces to callers.
type ErrKind int

const (
	KindConnectFailure ErrKind = iota + 1
	KindAuthenticationFailure
	KindConnectionLost
	KindThrottled
	KindTimeout
	KindNotConnected
	KindFatal
)

func (k ErrKind) String() string {
	switch k {
	case KindConnectFailure:
		return "connect_failure"
	case KindAuthenticationFailure:
		return "authentication_failure"
	case KindConnectionLost:
		return "connection_lost"
	case KindThrottled:
		return "throttled"
	case KindTimeout:
		return "timeout"
	case KindNotConnected:
		return "not_connected"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the supervisor may retry this kind automatically.
func (k ErrKind) Retryable() bool {
	return k == KindConnectFailure || k == KindConnectionLost
}

// ClientError is the uniform error the facade returns; terminal-specific
// codes are translated into it and never leak past the session layer.
type ClientError struct {
	Kind       ErrKind
	Code       int // terminal error code when one was received, else 0
	Message    string
	RetryAfter time.Duration // set for KindThrottled
	Err        error
}

func (e *ClientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is matches on kind so callers can errors.Is against the sentinel values.
func (e *ClientError) Is(target error) bool {
	var t *ClientError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError creates a taxonomy error.
func NewError(kind ErrKind, msg string) *ClientError {
	return &ClientError{Kind: kind, Message: msg}
}

// WrapError creates a taxonomy error around an underlying cause.
func WrapError(kind ErrKind, msg string, err error) *ClientError {
	return &ClientError{Kind: kind, Message: msg, Err: err}
}

// ThrottledError creates a Throttled error carrying the wait until the
// category window resets.
func ThrottledError(cat Category, retryAfter time.Duration) *ClientError {
	return &ClientError{
		Kind:       KindThrottled,
		Message:    fmt.Sprintf("category %s over capacity", cat),
		RetryAfter: retryAfter,
	}
}

// Sentinels for errors.Is.
var (
	ErrConnectFailure        = &ClientError{Kind: KindConnectFailure}
	ErrAuthenticationFailure = &ClientError{Kind: KindAuthenticationFailure}
	ErrConnectionLost        = &ClientError{Kind: KindConnectionLost}
	ErrThrottled             = &ClientError{Kind: KindThrottled}
	ErrTimeout               = &ClientError{Kind: KindTimeout}
	ErrNotConnected          = &ClientError{Kind: KindNotConnected}
	ErrFatal                 = &ClientError{Kind: KindFatal}
)

// KindOf extracts the taxonomy kind, or 0 when err is not a ClientError.
func KindOf(err error) ErrKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// Error codes the terminal reports. The terminal owns these; we only
// classify them.
const (
	CodeDuplicateClientID = 326
	CodeConnectFailed     = 502
	CodeNotConnected      = 504
	CodeConnectivityLost  = 1100
	CodeConnectivityOK    = 1102
	CodeBridgeBroken      = 2110

	codeMarketFarmOK = 2104
	codeHistFarmOK   = 2106
	codeSecDefFarmOK = 2158
)

// InformationalCode reports codes that are status notices, not failures.
func InformationalCode(code int) bool {
	switch code {
	case codeMarketFarmOK, codeHistFarmOK, codeSecDefFarmOK, CodeConnectivityOK:
		return true
	}
	return false
}

// ClassifyCode maps a terminal error code into the taxonomy.
func ClassifyCode(code int, msg string) *ClientError {
	var kind ErrKind
	switch code {
	case CodeDuplicateClientID:
		kind = KindFatal
	case CodeConnectFailed:
		kind = KindConnectFailure
	case CodeNotConnected:
		kind = KindNotConnected
	case CodeConnectivityLost, CodeBridgeBroken:
		kind = KindConnectionLost
	default:
		kind = KindConnectionLost
	}
	return &ClientError{Kind: kind, Code: code, Message: msg}
}
