package facade

import (
	"context"
	"sync"
	"time"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
)

// throttleQueue holds deferred requests waiting for their category window
// to reset. Each waiter re-tries admission until its own deadline.
type throttleQueue struct {
	slots chan struct{}

	mu    sync.Mutex
	depth int
}

func newThrottleQueue(size int) *throttleQueue {
	if size <= 0 {
		size = 64
	}
	return &throttleQueue{slots: make(chan struct{}, size)}
}

// Depth returns the number of requests currently queued.
func (q *throttleQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// wait parks the caller until the gate admits cat or the deadline passes.
// Returns the admitting decision error, nil on admission.
func (q *throttleQueue) wait(ctx context.Context, gate drepo.RateGate, cat models.Category, retryAfter time.Duration, deadline time.Time) error {
	select {
	case q.slots <- struct{}{}:
	default:
		// queue full, fail fast rather than pile up
		return models.ThrottledError(cat, retryAfter)
	}
	q.mu.Lock()
	q.depth++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.depth--
		q.mu.Unlock()
		<-q.slots
	}()

	for {
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		until := time.Until(deadline)
		if until <= 0 {
			return models.NewError(models.KindTimeout, "deadline elapsed while throttled")
		}
		if retryAfter > until {
			retryAfter = until
		}
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		d := gate.Admit(cat)
		if d.Allowed {
			return nil
		}
		retryAfter = d.RetryAfter
	}
}
