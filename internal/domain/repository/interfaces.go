package repository

import (
	"context"
	"time"

	"IBLink/internal/domain/models"
)

// Transport is the link to the trading terminal. The terminal owns the wire
// protocol; implementations only move opaque envelopes across it.
type Transport interface {
	Dial(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until the next inbound envelope or transport failure.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Endpoint() string
}

// RateGate admits or defers a request against its category budget.
type RateGate interface {
	Admit(cat models.Category) Decision
	Buckets() []models.RateBucket
}

// Decision is the outcome of one Admit call. Never blocks the caller.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// EventSink receives session lifecycle and request outcome events.
type EventSink interface {
	Publish(ctx context.Context, ev *models.SessionEvent) error
	Close() error
}

// AuditStore persists completed request records.
type AuditStore interface {
	Init(ctx context.Context) error
	Store(ctx context.Context, rec *models.AuditRecord) error
	Query(ctx context.Context, cat models.Category, from, to time.Time, limit int) ([]*models.AuditRecord, error)
	Health(ctx context.Context) error
	Close() error
}

// SnapshotStore keeps the last known account snapshot.
type SnapshotStore interface {
	Put(ctx context.Context, snap *models.AccountSnapshot) error
	Get(ctx context.Context) (*models.AccountSnapshot, error)
}

// Metrics records operational metrics.
type Metrics interface {
	RecordState(state models.SessionState)
	RecordAdmit(cat models.Category, allowed bool)
	RecordReconnect(attempt int)
	RecordPending(n int)
	RecordRequest(cat models.Category, outcome string, seconds float64)
	RecordError(kind string)
}
