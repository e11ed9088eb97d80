package models

import "time"

// Category is a request admission category, each with its own rate budget.
type Category string

const (
	CategoryMarketData Category = "marketdata"
	CategoryOrders     Category = "orders"
	CategoryAccount    Category = "account"
)

// Categories lists every known admission category.
var Categories = []Category{CategoryMarketData, CategoryOrders, CategoryAccount}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMarketData, CategoryOrders, CategoryAccount:
		return true
	}
	return false
}

// Request is one call submitted through the facade.
type Request struct {
	Category Category       `json:"category" validate:"required,oneof=marketdata orders account"`
	Method   string         `json:"method" validate:"required,min=1,max=64"`
	Params   map[string]any `json:"params,omitempty"`
	Deadline time.Time      `json:"deadline,omitempty"` // zero means facade default
}

// Result resolves a submitted request.
type Result struct {
	CorrelationID int64          `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	Err           error          `json:"-"`
	Latency       time.Duration  `json:"latency"`
}

// RateBucket is the remaining allowance for one category in the current window.
type RateBucket struct {
	Category    Category      `json:"category"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	Consumed    int           `json:"consumed"`
	Capacity    int           `json:"capacity"`
}

// AuditRecord is one completed request, persisted for the ops API.
type AuditRecord struct {
	CorrelationID int64         `json:"correlation_id"`
	Category      Category      `json:"category"`
	Method        string        `json:"method"`
	Outcome       string        `json:"outcome"` // "ok" or an error kind
	IssuedAt      time.Time     `json:"issued_at"`
	Latency       time.Duration `json:"latency"`
}
