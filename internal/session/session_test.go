package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"IBLink/internal/domain/models"
	"IBLink/internal/protocol"
	applogger "IBLink/pkg/logger"
)

// fakeTransport is an in-memory terminal endpoint. Tests script the
// terminal side by reading sent envelopes and pushing inbound frames.
type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	closed  chan struct{}

	sent     chan *protocol.Envelope
	requests chan *protocol.Envelope
	in       chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		closed:   make(chan struct{}),
		sent:     make(chan *protocol.Envelope, 64),
		requests: make(chan *protocol.Envelope, 64),
		in:       make(chan []byte, 64),
	}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.closed = make(chan struct{})
	return f.dialErr
}

func (f *fakeTransport) closedCh() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-f.closedCh():
		return errors.New("transport closed")
	default:
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closedCh():
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) Endpoint() string { return "fake" }

func (f *fakeTransport) push(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	b, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", env.Type, err)
	}
	f.in <- b
}

type nopMetrics struct{}

func (nopMetrics) RecordState(models.SessionState)            {}
func (nopMetrics) RecordAdmit(models.Category, bool)          {}
func (nopMetrics) RecordReconnect(int)                        {}
func (nopMetrics) RecordPending(int)                          {}
func (nopMetrics) RecordRequest(models.Category, string, float64) {}
func (nopMetrics) RecordError(string)                         {}

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	log, err := applogger.New(&applogger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testConfig() Config {
	return Config{
		ClientID:          7,
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
	}
}

// handshakeResponder acks the handshake and every heartbeat until the
// transport closes.
func handshakeResponder(f *fakeTransport, accounts []string) {
	go func() {
		for {
			select {
			case env := <-f.sent:
				switch env.Type {
				case protocol.TypeHandshake:
					b, _ := protocol.Encode(&protocol.Envelope{
						Type:       protocol.TypeHandshakeAck,
						ServerTime: time.Now().Unix(),
						Accounts:   accounts,
					})
					f.in <- b
				case protocol.TypeHeartbeat:
					b, _ := protocol.Encode(&protocol.Envelope{Type: protocol.TypeHeartbeatAck})
					f.in <- b
				default:
					f.requests <- env
				}
			case <-f.closedCh():
				return
			}
		}
	}()
}

func waitForState(t *testing.T, m *Manager, want models.SessionState) {
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

func startReady(t *testing.T, cfg Config) (*Manager, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	handshakeResponder(f, []string{"DU1234567"})
	m := NewManager(cfg, f, nopMetrics{}, testLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.State() != models.StateReady {
		t.Fatalf("expected Ready, got %v", m.State())
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, f
}

func TestStartHandshakeSuccess(t *testing.T) {
	m, _ := startReady(t, testConfig())

	snap := m.Snapshot()
	if len(snap.Accounts) != 1 || snap.Accounts[0] != "DU1234567" {
		t.Fatalf("unexpected accounts %v", snap.Accounts)
	}
	if snap.ServerTime.IsZero() {
		t.Fatalf("server time not recorded")
	}
}

func TestStartHandshakeTimeout(t *testing.T) {
	f := newFakeTransport()
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	m := NewManager(cfg, f, nopMetrics{}, testLogger(t))

	err := m.Start(context.Background())
	if err == nil {
		t.Fatalf("expected handshake timeout")
	}
	if models.KindOf(err) != models.KindConnectFailure {
		t.Fatalf("expected ConnectFailure, got %v", err)
	}
	if m.State() != models.StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", m.State())
	}
}

func TestStartDuplicateClientID(t *testing.T) {
	f := newFakeTransport()
	go func() {
		env := <-f.sent
		if env.Type != protocol.TypeHandshake {
			return
		}
		b, _ := protocol.Encode(&protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    models.CodeDuplicateClientID,
			Message: "client id already in use",
		})
		f.in <- b
	}()
	m := NewManager(testConfig(), f, nopMetrics{}, testLogger(t))

	err := m.Start(context.Background())
	if models.KindOf(err) != models.KindFatal {
		t.Fatalf("expected Fatal, got %v", err)
	}
	if m.FatalErr() == nil {
		t.Fatalf("fatal error not recorded")
	}
	// a fatal client id conflict is never retried
	if err := m.Start(context.Background()); models.KindOf(err) != models.KindFatal {
		t.Fatalf("restart should surface the recorded fatal, got %v", err)
	}
}

func TestStartIgnoresInformationalNotices(t *testing.T) {
	f := newFakeTransport()
	go func() {
		<-f.sent
		for _, code := range []int{2104, 2106, models.CodeConnectivityOK} {
			b, _ := protocol.Encode(&protocol.Envelope{Type: protocol.TypeError, Code: code})
			f.in <- b
		}
		b, _ := protocol.Encode(&protocol.Envelope{
			Type:       protocol.TypeHandshakeAck,
			ServerTime: time.Now().Unix(),
			Accounts:   []string{"DU1"},
		})
		f.in <- b
	}()
	m := NewManager(testConfig(), f, nopMetrics{}, testLogger(t))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("informational notices must not fail the handshake: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.Shutdown(ctx)
}

func TestSubmitResolvesOnResponse(t *testing.T) {
	m, f := startReady(t, testConfig())

	req := &models.Request{Category: models.CategoryMarketData, Method: "reqMktData"}
	id, resCh, err := m.Submit(context.Background(), req, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	env := <-f.requests
	if env.Type != protocol.TypeRequest || env.ID != id {
		t.Fatalf("unexpected outbound envelope %+v", env)
	}
	f.push(t, &protocol.Envelope{
		Type:    protocol.TypeResponse,
		ID:      id,
		Payload: map[string]any{"last": 187.42},
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			t.Fatalf("unexpected error %v", res.Err)
		}
		if res.CorrelationID != id {
			t.Fatalf("correlation id mismatch: %d != %d", res.CorrelationID, id)
		}
		if res.Payload["last"] != 187.42 {
			t.Fatalf("unexpected payload %v", res.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result never arrived")
	}
}

func TestSubmitDeadlineResolvesTimeout(t *testing.T) {
	m, f := startReady(t, testConfig())

	req := &models.Request{Category: models.CategoryOrders, Method: "placeOrder"}
	id, resCh, err := m.Submit(context.Background(), req, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-f.requests

	select {
	case res := <-resCh:
		if models.KindOf(res.Err) != models.KindTimeout {
			t.Fatalf("expected Timeout, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never resolved")
	}

	// a late response for the expired id must not resolve anything
	f.push(t, &protocol.Envelope{Type: protocol.TypeResponse, ID: id})
	select {
	case res := <-resCh:
		t.Fatalf("expired request resolved twice: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitErrorCodeClassified(t *testing.T) {
	m, f := startReady(t, testConfig())

	req := &models.Request{Category: models.CategoryAccount, Method: "reqAccountSummary"}
	id, resCh, err := m.Submit(context.Background(), req, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-f.requests
	f.push(t, &protocol.Envelope{
		Type:    protocol.TypeError,
		ID:      id,
		Code:    models.CodeNotConnected,
		Message: "not connected",
	})

	res := <-resCh
	if models.KindOf(res.Err) != models.KindNotConnected {
		t.Fatalf("expected NotConnected, got %v", res.Err)
	}
}

func TestCancelDropsPending(t *testing.T) {
	m, f := startReady(t, testConfig())

	req := &models.Request{Category: models.CategoryMarketData, Method: "reqMktData"}
	id, resCh, err := m.Submit(context.Background(), req, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-f.requests
	m.Cancel(id)
	// give the owner loop time to process the cancel before the reply
	time.Sleep(20 * time.Millisecond)
	f.push(t, &protocol.Envelope{Type: protocol.TypeResponse, ID: id})

	select {
	case res := <-resCh:
		t.Fatalf("canceled request resolved: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportFailureFailsPending(t *testing.T) {
	m, f := startReady(t, testConfig())

	req := &models.Request{Category: models.CategoryMarketData, Method: "reqMktData"}
	_, resCh, err := m.Submit(context.Background(), req, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-f.requests

	_ = f.Close()

	select {
	case res := <-resCh:
		if models.KindOf(res.Err) != models.KindConnectionLost {
			t.Fatalf("expected ConnectionLost, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request never failed")
	}
	waitForState(t, m, models.StateDisconnected)
}

func TestHeartbeatMissDegradesThenDisconnects(t *testing.T) {
	f := newFakeTransport()
	go func() {
		// ack only the handshake; heartbeats go unanswered
		env := <-f.sent
		if env.Type != protocol.TypeHandshake {
			return
		}
		b, _ := protocol.Encode(&protocol.Envelope{
			Type:       protocol.TypeHandshakeAck,
			ServerTime: time.Now().Unix(),
			Accounts:   []string{"DU1"},
		})
		f.in <- b
	}()

	cfg := testConfig()
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.HeartbeatGrace = 50 * time.Millisecond
	m := NewManager(cfg, f, nopMetrics{}, testLogger(t))

	changes := m.Subscribe()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, m, models.StateDisconnected)

	sawDegraded, sawLost := false, false
	for {
		select {
		case ch := <-changes:
			if ch.To == models.StateDegraded {
				sawDegraded = true
			}
			if ch.To == models.StateDisconnected && ch.From == models.StateDegraded {
				sawLost = true
				if models.KindOf(ch.Cause) != models.KindConnectionLost {
					t.Fatalf("expected ConnectionLost cause, got %v", ch.Cause)
				}
			}
		default:
			if !sawDegraded || !sawLost {
				t.Fatalf("transitions missing: degraded=%v lost=%v", sawDegraded, sawLost)
			}
			return
		}
	}
}

func TestHeartbeatAckRecoversFromDegraded(t *testing.T) {
	f := newFakeTransport()
	go func() {
		env := <-f.sent
		if env.Type != protocol.TypeHandshake {
			return
		}
		b, _ := protocol.Encode(&protocol.Envelope{
			Type:       protocol.TypeHandshakeAck,
			ServerTime: time.Now().Unix(),
			Accounts:   []string{"DU1"},
		})
		f.in <- b
	}()

	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatGrace = 10 * time.Second
	m := NewManager(cfg, f, nopMetrics{}, testLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	waitForState(t, m, models.StateDegraded)
	f.push(t, &protocol.Envelope{Type: protocol.TypeHeartbeatAck, ServerTime: time.Now().Unix()})
	waitForState(t, m, models.StateReady)
}

func TestConnectivityLostCodeDegrades(t *testing.T) {
	m, f := startReady(t, testConfig())

	f.push(t, &protocol.Envelope{
		Type:    protocol.TypeError,
		Code:    models.CodeConnectivityLost,
		Message: "connectivity between IB and Trader Workstation has been lost",
	})
	waitForState(t, m, models.StateDegraded)

	f.push(t, &protocol.Envelope{Type: protocol.TypeHeartbeatAck})
	waitForState(t, m, models.StateReady)
}

func TestShutdownIsTerminal(t *testing.T) {
	m, _ := startReady(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.State() != models.StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", m.State())
	}
	if !m.Closed() {
		t.Fatalf("session should report closed")
	}
	if err := m.Start(context.Background()); models.KindOf(err) != models.KindFatal {
		t.Fatalf("restart after shutdown should fail, got %v", err)
	}
	// second shutdown is a no-op
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("repeat shutdown: %v", err)
	}
}

func TestSubmitWhileDisconnected(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(testConfig(), f, nopMetrics{}, testLogger(t))

	req := &models.Request{Category: models.CategoryMarketData, Method: "reqMktData"}
	_, _, err := m.Submit(context.Background(), req, time.Now().Add(time.Second))
	if models.KindOf(err) != models.KindNotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}
