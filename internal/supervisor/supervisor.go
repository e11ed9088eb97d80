// Package supervisor restarts the terminal session after recoverable
// disconnects, with bounded exponential backoff.
package supervisor

import (
	"context"
	"math/rand"
	"time"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
	"IBLink/internal/session"
	applogger "IBLink/pkg/logger"
)

// Config carries the retry policy.
type Config struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	Jitter          float64 // fraction of the delay, e.g. 0.2
	StabilityWindow time.Duration
}

// Supervisor owns reconnection. The session hands it ownership on every
// transition to Disconnected from a non-terminal cause.
type Supervisor struct {
	cfg     Config
	sess    *session.Manager
	metrics drepo.Metrics
	events  drepo.EventSink // may be nil
	log     *applogger.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
}

// New creates a Supervisor for the given session manager.
func New(cfg Config, sess *session.Manager, metrics drepo.Metrics, events drepo.EventSink, log *applogger.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		sess:    sess,
		metrics: metrics,
		events:  events,
		log:     log,
		sleep:   sleepCtx,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay computes the backoff for the given consecutive-failure count
// (1-based), jittered and capped.
func (s *Supervisor) Delay(attempt int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
			break
		}
	}
	if s.cfg.Jitter > 0 {
		span := float64(d) * s.cfg.Jitter
		d += time.Duration((s.rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

func (s *Supervisor) publish(ctx context.Context, ev *models.SessionEvent) {
	if s.events == nil {
		return
	}
	ev.At = time.Now()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.metrics.RecordError("event_publish")
	}
}

// Run connects the session and keeps it connected until ctx is canceled,
// the session is shut down explicitly, or the retry budget is exhausted.
// The returned error is the single Fatal surface.
func (s *Supervisor) Run(ctx context.Context) error {
	changes := s.sess.Subscribe()
	failures := 0

	for {
		err := s.sess.Start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !models.KindOf(err).Retryable() {
				return s.fatal(ctx, err)
			}
			failures++
			if failures >= s.cfg.MaxAttempts {
				return s.fatal(ctx, models.WrapError(models.KindFatal, "reconnect attempts exhausted", err))
			}
			delay := s.Delay(failures)
			s.metrics.RecordReconnect(failures)
			s.publish(ctx, &models.SessionEvent{
				Type: models.EventReconnect, Attempt: failures, Delay: delay, Detail: err.Error(),
			})
			s.log.Warn("reconnect scheduled",
				applogger.Int("attempt", failures),
				applogger.Duration("delay", delay),
				applogger.Error(err))
			if serr := s.sleep(ctx, delay); serr != nil {
				return serr
			}
			continue
		}

		cause, err := s.await(ctx, changes, &failures)
		if err != nil {
			return err
		}
		if cause == nil {
			// explicit shutdown, nothing to resume
			return nil
		}
		if !models.KindOf(cause).Retryable() {
			return s.fatal(ctx, cause)
		}
		failures++
		if failures >= s.cfg.MaxAttempts {
			return s.fatal(ctx, models.WrapError(models.KindFatal, "reconnect attempts exhausted", cause))
		}
		delay := s.Delay(failures)
		s.metrics.RecordReconnect(failures)
		s.publish(ctx, &models.SessionEvent{
			Type: models.EventReconnect, Attempt: failures, Delay: delay, Detail: cause.Error(),
		})
		s.log.Warn("reconnect scheduled",
			applogger.Int("attempt", failures),
			applogger.Duration("delay", delay),
			applogger.Error(cause))
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// await blocks while the session is up. It returns the disconnect cause
// (nil for explicit shutdown) and resets the failure count once the
// session has stayed up for the stability window.
func (s *Supervisor) await(ctx context.Context, changes <-chan models.StateChange, failures *int) (error, error) {
	stability := time.NewTimer(s.cfg.StabilityWindow)
	defer stability.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stability.C:
			if s.sess.State() == models.StateReady && *failures != 0 {
				*failures = 0
				s.log.Info("session stable, backoff reset")
			}
		case ch := <-changes:
			if ch.To != models.StateDisconnected {
				continue
			}
			// ignore echoes of our own failed connect attempts
			if ch.From != models.StateReady && ch.From != models.StateDegraded {
				continue
			}
			if ch.Cause == nil || s.sess.Closed() {
				return nil, nil
			}
			s.publish(ctx, &models.SessionEvent{
				Type: models.EventStateChange,
				From: ch.From.String(), To: ch.To.String(), Detail: ch.Cause.Error(),
			})
			return ch.Cause, nil
		}
	}
}

func (s *Supervisor) fatal(ctx context.Context, err error) error {
	kind := models.KindOf(err)
	if kind != models.KindFatal && kind != models.KindAuthenticationFailure {
		err = models.WrapError(models.KindFatal, "unrecoverable session failure", err)
	}
	s.metrics.RecordError("fatal")
	s.publish(ctx, &models.SessionEvent{Type: models.EventFatal, Detail: err.Error()})
	s.log.Error("giving up on session", applogger.Error(err))
	return err
}
