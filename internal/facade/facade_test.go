package facade

import (
	"context"
	"errors"
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

// stubGate serves scripted admission decisions, then allows everything.
type stubGate struct {
	mu     sync.Mutex
	script []drepo.Decision
	admits int
}

func (g *stubGate) Admit(models.Category) drepo.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admits++
	if len(g.script) > 0 {
		d := g.script[0]
		g.script = g.script[1:]
		return d
	}
	return drepo.Decision{Allowed: true}
}

func (g *stubGate) Buckets() []models.RateBucket { return nil }

func (g *stubGate) admitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admits
}

type memAudit struct {
	mu   sync.Mutex
	recs []*models.AuditRecord
}

func (a *memAudit) Init(context.Context) error { return nil }

func (a *memAudit) Store(_ context.Context, rec *models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *rec
	a.recs = append(a.recs, &cp)
	return nil
}

func (a *memAudit) Query(context.Context, models.Category, time.Time, time.Time, int) ([]*models.AuditRecord, error) {
	return nil, nil
}

func (a *memAudit) Health(context.Context) error { return nil }
func (a *memAudit) Close() error                 { return nil }

func (a *memAudit) last(t *testing.T) *models.AuditRecord {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recs) == 0 {
		t.Fatalf("no audit records stored")
	}
	return a.recs[len(a.recs)-1]
}

// echoTransport acks the handshake and heartbeats, and answers every
// request envelope with a canned response unless mute is set.
type echoTransport struct {
	mu     sync.Mutex
	closed chan struct{}
	mute   bool

	sent chan *protocol.Envelope
	in   chan []byte
}

func newEchoTransport() *echoTransport {
	e := &echoTransport{
		closed: make(chan struct{}),
		sent:   make(chan *protocol.Envelope, 256),
		in:     make(chan []byte, 256),
	}
	go e.respond()
	return e
}

func (e *echoTransport) respond() {
	for env := range e.sent {
		var reply *protocol.Envelope
		switch env.Type {
		case protocol.TypeHandshake:
			reply = &protocol.Envelope{
				Type:       protocol.TypeHandshakeAck,
				ServerTime: time.Now().Unix(),
				Accounts:   []string{"DU1"},
			}
		case protocol.TypeHeartbeat:
			reply = &protocol.Envelope{Type: protocol.TypeHeartbeatAck}
		case protocol.TypeRequest:
			e.mu.Lock()
			muted := e.mute
			e.mu.Unlock()
			if muted {
				continue
			}
			reply = &protocol.Envelope{
				Type:    protocol.TypeResponse,
				ID:      env.ID,
				Payload: map[string]any{"echo": env.Method},
			}
		}
		if reply != nil {
			b, _ := protocol.Encode(reply)
			e.in <- b
		}
	}
}

func (e *echoTransport) setMute(v bool) {
	e.mu.Lock()
	e.mute = v
	e.mu.Unlock()
}

func (e *echoTransport) closedCh() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *echoTransport) Dial(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = make(chan struct{})
	return nil
}

func (e *echoTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-e.closedCh():
		return errors.New("transport closed")
	default:
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	e.sent <- env
	return nil
}

func (e *echoTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-e.in:
		return b, nil
	case <-e.closedCh():
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *echoTransport) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	return nil
}

func (e *echoTransport) Endpoint() string { return "echo" }

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	log, err := applogger.New(&applogger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func readySession(t *testing.T) (*session.Manager, *echoTransport) {
	t.Helper()
	tr := newEchoTransport()
	sess := session.NewManager(session.Config{
		ClientID:          5,
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
	}, tr, nopMetrics{}, testLogger(t))
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sess.Shutdown(ctx)
	})
	return sess, tr
}

func newFacade(t *testing.T, cfg Config, sess *session.Manager, gate drepo.RateGate, audit drepo.AuditStore) *Facade {
	t.Helper()
	return New(cfg, sess, gate, nopMetrics{}, audit, nil, testLogger(t))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	sess, _ := readySession(t)
	f := newFacade(t, Config{}, sess, &stubGate{}, nil)

	cases := []*models.Request{
		{Category: "bonds", Method: "reqMktData"},
		{Category: models.CategoryOrders, Method: ""},
		{Category: "", Method: "reqMktData"},
	}
	for _, req := range cases {
		if _, err := f.Submit(context.Background(), req); err == nil {
			t.Fatalf("request %+v should fail validation", req)
		}
	}
	if _, err := f.Submit(context.Background(), nil); err == nil {
		t.Fatalf("nil request should fail")
	}
}

func TestSubmitNotConnectedConsumesNoBudget(t *testing.T) {
	tr := newEchoTransport()
	sess := session.NewManager(session.Config{
		ClientID:          5,
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
	}, tr, nopMetrics{}, testLogger(t))

	gate := &stubGate{}
	f := newFacade(t, Config{}, sess, gate, nil)

	_, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryMarketData,
		Method:   "reqMktData",
	})
	if models.KindOf(err) != models.KindNotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	if gate.admitCount() != 0 {
		t.Fatalf("rate budget consumed for a rejected request: %d admits", gate.admitCount())
	}
}

func TestSubmitSuccess(t *testing.T) {
	sess, _ := readySession(t)
	audit := &memAudit{}
	f := newFacade(t, Config{}, sess, &stubGate{}, audit)

	res, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryMarketData,
		Method:   "reqMktData",
		Params:   map[string]any{"symbol": "AAPL"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Payload["echo"] != "reqMktData" {
		t.Fatalf("unexpected payload %v", res.Payload)
	}
	if res.CorrelationID == 0 {
		t.Fatalf("correlation id missing")
	}

	rec := audit.last(t)
	if rec.Outcome != "ok" || rec.Category != models.CategoryMarketData {
		t.Fatalf("unexpected audit record %+v", rec)
	}
}

func TestSubmitThrottledFailFast(t *testing.T) {
	sess, _ := readySession(t)
	gate := &stubGate{script: []drepo.Decision{{Allowed: false, RetryAfter: 250 * time.Millisecond}}}
	f := newFacade(t, Config{QueueOnThrottle: false}, sess, gate, nil)

	_, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryOrders,
		Method:   "placeOrder",
	})
	if models.KindOf(err) != models.KindThrottled {
		t.Fatalf("expected Throttled, got %v", err)
	}
	var ce *models.ClientError
	if !errors.As(err, &ce) || ce.RetryAfter != 250*time.Millisecond {
		t.Fatalf("retry-after hint missing: %v", err)
	}
}

func TestSubmitQueuedUntilWindowTurns(t *testing.T) {
	sess, _ := readySession(t)
	gate := &stubGate{script: []drepo.Decision{
		{Allowed: false, RetryAfter: 10 * time.Millisecond},
		{Allowed: false, RetryAfter: 10 * time.Millisecond},
		{Allowed: true},
	}}
	f := newFacade(t, Config{QueueOnThrottle: true, QueueSize: 8}, sess, gate, nil)

	res, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryMarketData,
		Method:   "reqMktData",
		Deadline: time.Now().Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if res.Payload["echo"] != "reqMktData" {
		t.Fatalf("unexpected payload %v", res.Payload)
	}
	if gate.admitCount() != 3 {
		t.Fatalf("expected 3 admission attempts, got %d", gate.admitCount())
	}
}

func TestSubmitQueuedDeadlineTimesOut(t *testing.T) {
	sess, _ := readySession(t)
	// the gate never opens up
	f := newFacade(t, Config{QueueOnThrottle: true, QueueSize: 8}, sess, alwaysDeny{}, nil)

	start := time.Now()
	_, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryMarketData,
		Method:   "reqMktData",
		Deadline: time.Now().Add(100 * time.Millisecond),
	})
	if models.KindOf(err) != models.KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("timed out before the deadline")
	}
}

type alwaysDeny struct{}

func (alwaysDeny) Admit(models.Category) drepo.Decision {
	return drepo.Decision{Allowed: false, RetryAfter: 10 * time.Millisecond}
}

func (alwaysDeny) Buckets() []models.RateBucket { return nil }

func TestSubmitContextCancel(t *testing.T) {
	sess, tr := readySession(t)
	tr.setMute(true)
	f := newFacade(t, Config{}, sess, &stubGate{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := f.Submit(ctx, &models.Request{
		Category: models.CategoryAccount,
		Method:   "reqAccountSummary",
		Deadline: time.Now().Add(10 * time.Second),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSubmitTimeoutOutcomeAudited(t *testing.T) {
	sess, tr := readySession(t)
	tr.setMute(true)
	audit := &memAudit{}
	f := newFacade(t, Config{}, sess, &stubGate{}, audit)

	_, err := f.Submit(context.Background(), &models.Request{
		Category: models.CategoryMarketData,
		Method:   "reqMktData",
		Deadline: time.Now().Add(60 * time.Millisecond),
	})
	if models.KindOf(err) != models.KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	rec := audit.last(t)
	if rec.Outcome != models.KindTimeout.String() {
		t.Fatalf("unexpected audit outcome %q", rec.Outcome)
	}
}
