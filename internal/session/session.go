// Package session owns the single logical connection to the trading
// terminal: connect, handshake, steady-state heartbeats, and the
// in-flight request table. All state is mutated by one owner goroutine.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"IBLink/internal/domain/models"
	drepo "IBLink/internal/domain/repository"
	"IBLink/internal/protocol"
	applogger "IBLink/pkg/logger"
)

// Config carries the session tuning knobs.
type Config struct {
	ClientID          int
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
}

type pendingReq struct {
	id       int64
	category models.Category
	method   string
	issued   time.Time
	ch       chan models.Result
	timer    *time.Timer
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdInbound
	cmdExpire
	cmdTransportErr
	cmdHeartbeatTick
	cmdShutdown
)

type command struct {
	kind     cmdKind
	req      *models.Request
	deadline time.Time
	id       int64
	env      *protocol.Envelope
	err      error
	reply    chan submitReply
	done     chan struct{}
}

type submitReply struct {
	id  int64
	ch  <-chan models.Result
	err error
}

// Manager is the session state machine.
type Manager struct {
	cfg     Config
	tr      drepo.Transport
	metrics drepo.Metrics
	log     *applogger.Logger

	state  atomic.Int32
	nextID atomic.Int64

	mu       sync.Mutex
	subs     []chan models.StateChange
	closed   bool
	running  bool
	sess     models.Session
	fatalErr error

	cmdCh chan command
}

// NewManager creates a session manager over the given transport.
func NewManager(cfg Config, tr drepo.Transport, metrics drepo.Metrics, log *applogger.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		tr:      tr,
		metrics: metrics,
		log:     log,
		cmdCh:   make(chan command, 64),
	}
	m.state.Store(int32(models.StateDisconnected))
	m.sess = models.Session{ClientID: cfg.ClientID, State: models.StateDisconnected}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() models.SessionState {
	return models.SessionState(m.state.Load())
}

// Snapshot returns a copy of the session bookkeeping.
func (m *Manager) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	s.State = m.State()
	s.Accounts = append([]string(nil), m.sess.Accounts...)
	return s
}

// FatalErr returns the fatal error recorded for this client identifier,
// if any. A fatal session is never restarted.
func (m *Manager) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Subscribe returns a channel of state transitions. Slow subscribers
// lose the oldest notifications.
func (m *Manager) Subscribe() <-chan models.StateChange {
	ch := make(chan models.StateChange, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) transition(to models.SessionState, cause error) {
	from := m.State()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	m.metrics.RecordState(to)
	change := models.StateChange{From: from, To: to, At: time.Now(), Cause: cause}

	m.mu.Lock()
	subs := append([]chan models.StateChange(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			m.metrics.RecordError("state_change_dropped")
		}
	}

	if cause != nil {
		m.log.Warn("session transition",
			applogger.String("from", from.String()),
			applogger.String("to", to.String()),
			applogger.Error(cause))
	} else {
		m.log.Info("session transition",
			applogger.String("from", from.String()),
			applogger.String("to", to.String()))
	}
}

// Start dials the terminal and performs the handshake. On success the
// session is Ready and the owner loop runs until disconnect or Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.NewError(models.KindFatal, "session shut down")
	}
	if m.fatalErr != nil {
		err := m.fatalErr
		m.mu.Unlock()
		return err
	}
	if m.running || m.State() != models.StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("session already started (client id %d)", m.cfg.ClientID)
	}
	m.running = true
	m.mu.Unlock()

	// drop stale commands left over from a previous connection
	for {
		select {
		case <-m.cmdCh:
			continue
		default:
		}
		break
	}

	m.transition(models.StateConnecting, nil)
	if err := m.tr.Dial(ctx); err != nil {
		m.finishStart(models.WrapError(models.KindConnectFailure, "transport dial", err))
		return models.WrapError(models.KindConnectFailure, "transport dial", err)
	}

	m.transition(models.StateAuthenticating, nil)
	ack, err := m.handshake(ctx)
	if err != nil {
		_ = m.tr.Close()
		if models.KindOf(err) == models.KindFatal || models.KindOf(err) == models.KindAuthenticationFailure {
			m.mu.Lock()
			m.fatalErr = err
			m.mu.Unlock()
		}
		m.finishStart(err)
		return err
	}

	now := time.Now()
	m.mu.Lock()
	m.sess.ServerTime = time.Unix(ack.ServerTime, 0)
	m.sess.Accounts = append([]string(nil), ack.Accounts...)
	m.sess.ConnectedAt = now
	m.sess.LastHeartbeat = now
	m.mu.Unlock()

	m.transition(models.StateReady, nil)
	m.log.Info("session ready",
		applogger.Int("client_id", m.cfg.ClientID),
		applogger.Strings("accounts", ack.Accounts))

	loopCtx, cancel := context.WithCancel(context.Background())
	go m.readLoop(loopCtx)
	go m.run(loopCtx, cancel)
	return nil
}

func (m *Manager) finishStart(err error) {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.transition(models.StateDisconnected, err)
}

// handshake sends the connect envelope and waits for the acknowledgment
// (server time + managed accounts) within the configured timeout.
func (m *Manager) handshake(ctx context.Context) (*protocol.Envelope, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	b, err := protocol.Encode(protocol.Handshake(m.cfg.ClientID))
	if err != nil {
		return nil, models.WrapError(models.KindConnectFailure, "handshake encode", err)
	}
	if err := m.tr.Send(hctx, b); err != nil {
		return nil, models.WrapError(models.KindConnectFailure, "handshake send", err)
	}

	for {
		frame, err := m.tr.Receive(hctx)
		if err != nil {
			if hctx.Err() != nil {
				return nil, models.NewError(models.KindConnectFailure, "handshake timeout")
			}
			return nil, models.WrapError(models.KindConnectFailure, "handshake receive", err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeHandshakeAck:
			return env, nil
		case protocol.TypeError:
			if models.InformationalCode(env.Code) {
				continue
			}
			if env.Code == models.CodeDuplicateClientID {
				return nil, &models.ClientError{
					Kind:    models.KindFatal,
					Code:    env.Code,
					Message: fmt.Sprintf("client id %d already in use", m.cfg.ClientID),
				}
			}
			return nil, &models.ClientError{
				Kind:    models.KindAuthenticationFailure,
				Code:    env.Code,
				Message: env.Message,
			}
		default:
			// pre-handshake noise, drop
		}
	}
}

// readLoop pumps inbound frames into the owner loop.
func (m *Manager) readLoop(ctx context.Context) {
	for {
		frame, err := m.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.post(command{kind: cmdTransportErr, err: err})
			return
		}
		env, derr := protocol.Decode(frame)
		if derr != nil {
			m.metrics.RecordError("decode")
			continue
		}
		m.post(command{kind: cmdInbound, env: env})
	}
}

func (m *Manager) post(c command) {
	select {
	case m.cmdCh <- c:
	default:
		// owner loop is gone or saturated; shed rather than block
		m.metrics.RecordError("command_dropped")
	}
}

// run is the single-writer owner loop.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	pending := make(map[int64]*pendingReq)
	hbTicker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer hbTicker.Stop()

	failAll := func(cause *models.ClientError) {
		for id, p := range pending {
			p.timer.Stop()
			p.ch <- models.Result{CorrelationID: id, Err: cause, Latency: time.Since(p.issued)}
			delete(pending, id)
		}
		m.metrics.RecordPending(0)
	}

	disconnect := func(cause error, terminal bool) {
		_ = m.tr.Close()
		failAll(models.WrapError(models.KindConnectionLost, "session disconnected", cause))
		m.mu.Lock()
		m.running = false
		if terminal {
			m.closed = true
		}
		m.mu.Unlock()
		m.transition(models.StateDisconnected, cause)
	}

	for {
		select {
		case <-hbTicker.C:
			m.post(command{kind: cmdHeartbeatTick})
		case c := <-m.cmdCh:
			switch c.kind {
			case cmdSubmit:
				if m.State() != models.StateReady {
					c.reply <- submitReply{err: models.NewError(models.KindNotConnected, "session not ready")}
					continue
				}
				id := m.nextID.Add(1)
				env := &protocol.Envelope{
					Type:     protocol.TypeRequest,
					ID:       id,
					Category: string(c.req.Category),
					Method:   c.req.Method,
					Params:   c.req.Params,
				}
				b, err := protocol.Encode(env)
				if err != nil {
					c.reply <- submitReply{err: fmt.Errorf("encode request: %w", err)}
					continue
				}
				sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
				err = m.tr.Send(sctx, b)
				scancel()
				if err != nil {
					c.reply <- submitReply{err: models.WrapError(models.KindConnectionLost, "request send", err)}
					m.post(command{kind: cmdTransportErr, err: err})
					continue
				}
				p := &pendingReq{
					id:       id,
					category: c.req.Category,
					method:   c.req.Method,
					issued:   time.Now(),
					ch:       make(chan models.Result, 1),
				}
				p.timer = time.AfterFunc(time.Until(c.deadline), func() {
					m.post(command{kind: cmdExpire, id: id})
				})
				pending[id] = p
				m.metrics.RecordPending(len(pending))
				c.reply <- submitReply{id: id, ch: p.ch}

			case cmdCancel:
				if p, ok := pending[c.id]; ok {
					p.timer.Stop()
					delete(pending, c.id)
					m.metrics.RecordPending(len(pending))
				}

			case cmdExpire:
				if p, ok := pending[c.id]; ok {
					delete(pending, c.id)
					m.metrics.RecordPending(len(pending))
					p.ch <- models.Result{
						CorrelationID: c.id,
						Err:           models.NewError(models.KindTimeout, "request deadline elapsed"),
						Latency:       time.Since(p.issued),
					}
				}

			case cmdInbound:
				m.handleInbound(c.env, pending)

			case cmdHeartbeatTick:
				m.heartbeatTick(ctx, disconnect)
				if m.State() == models.StateDisconnected {
					return
				}

			case cmdTransportErr:
				disconnect(models.WrapError(models.KindConnectionLost, "transport failure", c.err), false)
				return

			case cmdShutdown:
				disconnect(nil, true)
				close(c.done)
				return
			}
		}
	}
}

func (m *Manager) handleInbound(env *protocol.Envelope, pending map[int64]*pendingReq) {
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		m.mu.Lock()
		m.sess.LastHeartbeat = time.Now()
		if env.ServerTime > 0 {
			m.sess.ServerTime = time.Unix(env.ServerTime, 0)
		}
		m.mu.Unlock()
		if m.State() == models.StateDegraded {
			m.transition(models.StateReady, nil)
		}

	case protocol.TypeResponse:
		if p, ok := pending[env.ID]; ok {
			p.timer.Stop()
			delete(pending, env.ID)
			m.metrics.RecordPending(len(pending))
			p.ch <- models.Result{
				CorrelationID: env.ID,
				Payload:       env.Payload,
				Latency:       time.Since(p.issued),
			}
		}

	case protocol.TypeError:
		if models.InformationalCode(env.Code) {
			m.log.Debug("terminal notice",
				applogger.Int("code", env.Code),
				applogger.String("message", env.Message))
			return
		}
		if p, ok := pending[env.ID]; ok {
			p.timer.Stop()
			delete(pending, env.ID)
			m.metrics.RecordPending(len(pending))
			p.ch <- models.Result{
				CorrelationID: env.ID,
				Err:           models.ClassifyCode(env.Code, env.Message),
				Latency:       time.Since(p.issued),
			}
			return
		}
		// session-wide condition; degrade until heartbeats resume
		if env.Code == models.CodeConnectivityLost || env.Code == models.CodeBridgeBroken {
			if m.State() == models.StateReady {
				m.transition(models.StateDegraded, models.ClassifyCode(env.Code, env.Message))
			}
		}

	default:
		m.metrics.RecordError("unexpected_envelope")
	}
}

func (m *Manager) heartbeatTick(ctx context.Context, disconnect func(error, bool)) {
	m.mu.Lock()
	last := m.sess.LastHeartbeat
	m.mu.Unlock()

	since := time.Since(last)
	switch {
	case since > m.cfg.HeartbeatInterval+m.cfg.HeartbeatGrace:
		disconnect(models.NewError(models.KindConnectionLost, "heartbeat lost"), false)
		return
	case since > m.cfg.HeartbeatInterval:
		if m.State() == models.StateReady {
			m.transition(models.StateDegraded, models.NewError(models.KindConnectionLost, "heartbeat miss"))
		}
	}

	b, err := protocol.Encode(protocol.Heartbeat(m.nextID.Add(1)))
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.tr.Send(sctx, b); err != nil {
		m.post(command{kind: cmdTransportErr, err: err})
	}
}

// Submit forwards one validated, admitted request to the terminal and
// returns the correlation id plus the channel its result arrives on.
func (m *Manager) Submit(ctx context.Context, req *models.Request, deadline time.Time) (int64, <-chan models.Result, error) {
	if m.State() != models.StateReady {
		return 0, nil, models.NewError(models.KindNotConnected, "session not ready")
	}
	reply := make(chan submitReply, 1)
	select {
	case m.cmdCh <- command{kind: cmdSubmit, req: req, deadline: deadline, reply: reply}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case r := <-reply:
		return r.id, r.ch, r.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-t.C:
		// owner loop went away between the state check and the reply
		return 0, nil, models.NewError(models.KindNotConnected, "session not ready")
	}
}

// Cancel drops a pending request from tracking. Rate budget consumed at
// admit time is deliberately not released.
func (m *Manager) Cancel(id int64) {
	m.post(command{kind: cmdCancel, id: id})
}

// Shutdown permanently disconnects the session. No reconnect follows.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	running := m.running
	if !running {
		m.closed = true
	}
	m.mu.Unlock()

	if !running {
		m.transition(models.StateDisconnected, nil)
		return nil
	}

	done := make(chan struct{})
	select {
	case m.cmdCh <- command{kind: cmdShutdown, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether Shutdown has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
