package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
	"IBLink/internal/protocol"
	"IBLink/internal/session"
	applogger "IBLink/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordState(models.SessionState)                {}
func (nopMetrics) RecordAdmit(models.Category, bool)              {}
func (nopMetrics) RecordReconnect(int)                            {}
func (nopMetrics) RecordPending(int)                              {}
func (nopMetrics) RecordRequest(models.Category, string, float64) {}
func (nopMetrics) RecordError(string)                             {}

type captureSink struct {
	mu     sync.Mutex
	events []*models.SessionEvent
}

func (c *captureSink) Publish(_ context.Context, ev *models.SessionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *ev
	c.events = append(c.events, &cp)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) count(t models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// scriptTransport fails the first N dials, then behaves like a terminal
// that acks handshakes and heartbeats. Dial re-opens a closed transport.
type scriptTransport struct {
	mu       sync.Mutex
	failDial int
	dials    int
	closed   chan struct{}
	handErr  *protocol.Envelope // sent instead of the handshake ack

	sent chan *protocol.Envelope
	in   chan []byte
}

func newScriptTransport() *scriptTransport {
	s := &scriptTransport{
		closed: make(chan struct{}),
		sent:   make(chan *protocol.Envelope, 256),
		in:     make(chan []byte, 256),
	}
	go s.respond()
	return s
}

func (s *scriptTransport) respond() {
	for env := range s.sent {
		switch env.Type {
		case protocol.TypeHandshake:
			reply := &protocol.Envelope{
				Type:       protocol.TypeHandshakeAck,
				ServerTime: time.Now().Unix(),
				Accounts:   []string{"DU1"},
			}
			s.mu.Lock()
			if s.handErr != nil {
				reply = s.handErr
			}
			s.mu.Unlock()
			b, _ := protocol.Encode(reply)
			s.in <- b
		case protocol.TypeHeartbeat:
			b, _ := protocol.Encode(&protocol.Envelope{Type: protocol.TypeHeartbeatAck})
			s.in <- b
		}
	}
}

func (s *scriptTransport) Dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dials <= s.failDial {
		return errors.New("connection refused")
	}
	s.closed = make(chan struct{})
	return nil
}

func (s *scriptTransport) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *scriptTransport) closedCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.closedCh():
		return errors.New("transport closed")
	default:
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	s.sent <- env
	return nil
}

func (s *scriptTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-s.closedCh():
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *scriptTransport) Endpoint() string { return "script" }

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	log, err := applogger.New(&applogger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func sessionConfig() session.Config {
	return session.Config{
		ClientID:          3,
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
	}
}

func newSupervisor(t *testing.T, cfg Config, tr *scriptTransport, sink *captureSink) (*Supervisor, *session.Manager) {
	t.Helper()
	sess := session.NewManager(sessionConfig(), tr, nopMetrics{}, testLogger(t))
	var events drepo.EventSink
	if sink != nil {
		events = sink
	}
	sup := New(cfg, sess, nopMetrics{}, events, testLogger(t))
	sup.rand = rand.New(rand.NewSource(1))
	return sup, sess
}

func waitForState(t *testing.T, m *session.Manager, want models.SessionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %v never reached, still %v", want, m.State())
}

func TestDelayDoublesAndCaps(t *testing.T) {
	sup, _ := newSupervisor(t, Config{
		BaseDelay: time.Second,
		MaxDelay:  8 * time.Second,
	}, newScriptTransport(), nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := sup.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterStaysBounded(t *testing.T) {
	sup, _ := newSupervisor(t, Config{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    0.2,
	}, newScriptTransport(), nil)

	for i := 0; i < 200; i++ {
		d := sup.Delay(3) // nominal 4s
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("jittered delay %v outside [3.2s, 4.8s]", d)
		}
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	tr := newScriptTransport()
	tr.failDial = 100 // never connects

	sleeps := 0
	sink := &captureSink{}
	sup, _ := newSupervisor(t, Config{
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		MaxAttempts:     3,
		StabilityWindow: time.Hour,
	}, tr, sink)
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	err := sup.Run(context.Background())
	if models.KindOf(err) != models.KindFatal {
		t.Fatalf("expected Fatal after exhaustion, got %v", err)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 backoff sleeps before giving up, got %d", sleeps)
	}
	if n := sink.count(models.EventFatal); n != 1 {
		t.Fatalf("fatal must surface exactly once, published %d events", n)
	}
	if n := sink.count(models.EventReconnect); n != 2 {
		t.Fatalf("expected 2 reconnect events, got %d", n)
	}
}

func TestRunAuthFailureIsNotRetried(t *testing.T) {
	tr := newScriptTransport()
	tr.handErr = &protocol.Envelope{Type: protocol.TypeError, Code: 1300, Message: "socket port reset"}

	sink := &captureSink{}
	sup, _ := newSupervisor(t, Config{
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		MaxAttempts:     5,
		StabilityWindow: time.Hour,
	}, tr, sink)
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		t.Errorf("authentication failures must not be retried")
		return nil
	}

	err := sup.Run(context.Background())
	if models.KindOf(err) != models.KindAuthenticationFailure {
		t.Fatalf("expected AuthenticationFailure, got %v", err)
	}
	if tr.dialCount() != 1 {
		t.Fatalf("expected a single dial, got %d", tr.dialCount())
	}
	if n := sink.count(models.EventFatal); n != 1 {
		t.Fatalf("fatal must surface exactly once, published %d events", n)
	}
}

func TestRunReconnectsAfterConnectionLoss(t *testing.T) {
	tr := newScriptTransport()
	sup, sess := newSupervisor(t, Config{
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		MaxAttempts:     10,
		StabilityWindow: time.Hour,
	}, tr, nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	waitForState(t, sess, models.StateReady)
	_ = tr.Close() // drop the connection out from under the session

	// the supervisor should bring the session back up
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == models.StateReady && tr.dialCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != models.StateReady || tr.dialCount() < 2 {
		t.Fatalf("session not reconnected: state=%v dials=%d", sess.State(), tr.dialCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run should return nil on explicit shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr := newScriptTransport()
	sup, sess := newSupervisor(t, Config{
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		MaxAttempts:     10,
		StabilityWindow: time.Hour,
	}, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitForState(t, sess, models.StateReady)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	_ = sess.Shutdown(sctx)
}
