package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"IBLink/internal/domain/models"
	"IBLink/internal/domain/repository"
)

// ClickHouseAudit implements AuditStore on ClickHouse.
type ClickHouseAudit struct {
	db    *sql.DB
	table string
}

// NewClickHouseAudit creates a ClickHouse-backed audit store.
func NewClickHouseAudit(db *sql.DB, table string) repository.AuditStore {
	return &ClickHouseAudit{db: db, table: table}
}

func (s *ClickHouseAudit) Init(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		issued_at DateTime,
		correlation_id Int64,
		category String,
		method String,
		outcome String,
		latency_ms Float64
	) ENGINE=MergeTree ORDER BY (category, issued_at)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

func (s *ClickHouseAudit) Store(ctx context.Context, rec *models.AuditRecord) error {
	q := fmt.Sprintf("INSERT INTO %s (issued_at, correlation_id, category, method, outcome, latency_ms) VALUES (?, ?, ?, ?, ?, ?)", s.table)
	_, err := s.db.ExecContext(ctx, q,
		rec.IssuedAt,
		rec.CorrelationID,
		string(rec.Category),
		rec.Method,
		rec.Outcome,
		float64(rec.Latency)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

func (s *ClickHouseAudit) Query(ctx context.Context, cat models.Category, from, to time.Time, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q := fmt.Sprintf(`SELECT issued_at, correlation_id, category, method, outcome, latency_ms
		FROM %s WHERE issued_at >= ? AND issued_at < ?`, s.table)
	args := []interface{}{from, to}
	if cat != "" {
		q += " AND category = ?"
		args = append(args, string(cat))
	}
	q += fmt.Sprintf(" ORDER BY issued_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var catStr string
		var latencyMs float64
		if err := rows.Scan(&rec.IssuedAt, &rec.CorrelationID, &catStr, &rec.Method, &rec.Outcome, &latencyMs); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		rec.Category = models.Category(catStr)
		rec.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *ClickHouseAudit) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseAudit) Close() error {
	return nil // pool closed by pkg client
}
