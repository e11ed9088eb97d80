package ratelimit

import (
	"sync"
	"time"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
)

type bucket struct {
	capacity    int
	window      time.Duration
	windowStart time.Time
	consumed    int
}

// Gate tracks per-category request budgets over fixed windows.
// Admit never blocks; callers decide whether to queue or reject.
type Gate struct {
	mu  sync.Mutex
	m   map[models.Category]*bucket
	now func() time.Time
}

// Limit configures one category budget.
type Limit struct {
	Category models.Category
	Capacity int
	Window   time.Duration
}

// New creates a Gate with the given category limits. Unknown categories
// are rejected outright by Admit.
func New(limits []Limit) *Gate {
	g := &Gate{m: make(map[models.Category]*bucket), now: time.Now}
	for _, l := range limits {
		if l.Capacity <= 0 || l.Window <= 0 {
			continue
		}
		g.m[l.Category] = &bucket{capacity: l.Capacity, window: l.Window}
	}
	return g
}

// Admit consumes one unit of cat's budget if the current window has room.
// Otherwise it returns a deferral carrying the time until the window resets.
func (g *Gate) Admit(cat models.Category) drepo.Decision {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.m[cat]
	if !ok {
		return drepo.Decision{}
	}
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.consumed = 0
	}
	if b.consumed < b.capacity {
		b.consumed++
		return drepo.Decision{Allowed: true}
	}
	return drepo.Decision{RetryAfter: b.window - now.Sub(b.windowStart)}
}

// Buckets returns a snapshot of every category budget.
func (g *Gate) Buckets() []models.RateBucket {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.RateBucket, 0, len(g.m))
	for cat, b := range g.m {
		out = append(out, models.RateBucket{
			Category:    cat,
			WindowStart: b.windowStart,
			Window:      b.window,
			Consumed:    b.consumed,
			Capacity:    b.capacity,
		})
	}
	return out
}
