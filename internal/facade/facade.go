// Package facade is the single caller-facing boundary of the client.
// It validates requests, applies admission control, and translates
// terminal failures into the uniform error taxonomy.
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
	"IBLink/internal/session"
	applogger "IBLink/pkg/logger"
)

// Config carries the facade policy knobs.
type Config struct {
	QueueOnThrottle bool
	QueueSize       int
	DefaultDeadline time.Duration
}

// Facade routes caller requests through the rate gate and the session.
type Facade struct {
	cfg      Config
	sess     *session.Manager
	gate     drepo.RateGate
	metrics  drepo.Metrics
	audit    drepo.AuditStore // may be nil
	events   drepo.EventSink  // may be nil
	log      *applogger.Logger
	validate *validator.Validate
	queue    *throttleQueue
}

// New creates the request facade.
func New(cfg Config, sess *session.Manager, gate drepo.RateGate, metrics drepo.Metrics, audit drepo.AuditStore, events drepo.EventSink, log *applogger.Logger) *Facade {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 10 * time.Second
	}
	return &Facade{
		cfg:      cfg,
		sess:     sess,
		gate:     gate,
		metrics:  metrics,
		audit:    audit,
		events:   events,
		log:      log,
		validate: validator.New(),
		queue:    newThrottleQueue(cfg.QueueSize),
	}
}

// Submit validates, admits, and forwards one request, blocking until its
// result, deadline, or ctx cancellation.
func (f *Facade) Submit(ctx context.Context, req *models.Request) (*models.Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if err := f.validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(f.cfg.DefaultDeadline)
	}

	// reject before consuming any rate budget
	if f.sess.State() != models.StateReady {
		f.metrics.RecordError("not_connected")
		return nil, models.NewError(models.KindNotConnected, "session not ready")
	}

	d := f.gate.Admit(req.Category)
	f.metrics.RecordAdmit(req.Category, d.Allowed)
	if !d.Allowed {
		if !f.cfg.QueueOnThrottle {
			return nil, models.ThrottledError(req.Category, d.RetryAfter)
		}
		if err := f.queue.wait(ctx, f.gate, req.Category, d.RetryAfter, deadline); err != nil {
			f.record(ctx, 0, req, outcomeOf(err), time.Time{}, 0)
			return nil, err
		}
		// admitted from the queue; session may have dropped meanwhile
		if f.sess.State() != models.StateReady {
			return nil, models.NewError(models.KindNotConnected, "session not ready")
		}
	}

	issued := time.Now()
	id, resCh, err := f.sess.Submit(ctx, req, deadline)
	if err != nil {
		f.record(ctx, id, req, outcomeOf(err), issued, time.Since(issued))
		return nil, err
	}

	select {
	case res := <-resCh:
		f.record(ctx, id, req, outcomeOf(res.Err), issued, res.Latency)
		f.metrics.RecordRequest(req.Category, outcomeOf(res.Err), res.Latency.Seconds())
		if res.Err != nil {
			return nil, res.Err
		}
		return &res, nil
	case <-ctx.Done():
		f.sess.Cancel(id)
		f.record(ctx, id, req, "canceled", issued, time.Since(issued))
		return nil, ctx.Err()
	}
}

// QueueDepth reports how many requests are parked behind the rate gate.
func (f *Facade) QueueDepth() int { return f.queue.Depth() }

// Buckets exposes the rate gate snapshot for the ops API.
func (f *Facade) Buckets() []models.RateBucket { return f.gate.Buckets() }

// Session exposes the session snapshot for the ops API.
func (f *Facade) Session() models.Session { return f.sess.Snapshot() }

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := models.KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}

// record persists the audit row and publishes the outcome event,
// best-effort; failures are logged, never surfaced to the caller.
func (f *Facade) record(ctx context.Context, id int64, req *models.Request, outcome string, issued time.Time, latency time.Duration) {
	if issued.IsZero() {
		issued = time.Now()
	}
	if f.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		rec := &models.AuditRecord{
			CorrelationID: id,
			Category:      req.Category,
			Method:        req.Method,
			Outcome:       outcome,
			IssuedAt:      issued,
			Latency:       latency,
		}
		if err := f.audit.Store(actx, rec); err != nil {
			f.metrics.RecordError("audit_store")
			f.log.Warn("audit store failed", applogger.Error(err))
		}
	}
	if f.events != nil {
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		ev := &models.SessionEvent{
			Type:          models.EventRequestOutcome,
			At:            time.Now(),
			CorrelationID: id,
			Category:      string(req.Category),
			Outcome:       outcome,
		}
		if err := f.events.Publish(ectx, ev); err != nil {
			f.metrics.RecordError("event_publish")
		}
	}
}
