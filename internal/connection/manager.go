package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime-client/internal/credential"
	"github.com/rickgao/realtime-client/internal/heartbeat"
	"github.com/rickgao/realtime-client/internal/router"
	"github.com/rickgao/realtime-client/internal/subscription"
)

// stopper is a cancellable pending callback (*time.Timer in production).
type stopper interface {
	Stop() bool
}

// afterFunc schedules f after d.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// notification is one item delivered by the notifier goroutine.
type notification struct {
	change *StateChange
	err    error
}

type stateObserver struct {
	id router.HandlerID
	fn func(StateChange)
}

type errorObserver struct {
	id router.HandlerID
	fn func(error)
}

// Manager owns one realtime connection and its state machine.
//
// All public methods are safe for concurrent use and may be called from
// message handlers and state observers. None of them block on network I/O.
type Manager struct {
	cfg      ManagerConfig
	dialer   Dialer
	logger   *slog.Logger
	clientID string

	registry  *subscription.Registry
	router    *router.Router
	heartbeat *heartbeat.Controller

	afterFunc afterFunc
	now       func() time.Time

	// Notifier: observers run in transition order on their own goroutine.
	events     *eventQueue[notification]
	notifyDone chan struct{}
	obsMu      sync.RWMutex
	stateObs   []stateObserver
	errorObs   []errorObserver

	// Connection state. gen changes whenever the live attempt is abandoned,
	// so callbacks from an older attempt can recognize themselves as stale.
	mu             sync.Mutex
	state          State
	provider       credential.Provider
	conn           Conn
	gen            uint64
	attempt        int
	timer          stopper
	watchdog       stopper
	cancelAttempt  context.CancelFunc
	connectedSince time.Time
	handshakes     int64
	closed         bool

	// Serializes heartbeat start/stop against the state they depend on.
	hbMu sync.Mutex

	// Stats
	dials         atomic.Int64
	framesIn      atomic.Int64
	framesOut     atomic.Int64
	droppedFrames atomic.Int64
}

// NewManager creates a new Connection Manager in the Idle state.
func NewManager(cfg ManagerConfig, dialer Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if dialer == nil {
		dialer = NewWebSocketDialer(logger)
	}

	m := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		clientID:   uuid.NewString(),
		registry:   subscription.NewRegistry(),
		afterFunc:  realAfterFunc,
		now:        time.Now,
		events:     newEventQueue[notification](16),
		notifyDone: make(chan struct{}),
	}

	m.router = router.NewRouter(logger, router.WithFailureHook(func(e *router.HandlerError) {
		m.reportError(e)
	}))
	m.heartbeat = heartbeat.New(func(p heartbeat.Ping) error {
		return m.Send(framePing, p)
	}, logger)
	_ = m.heartbeat.AdjustInterval(cfg.HeartbeatInterval)
	m.router.Intercept(router.TypePong, m.heartbeat.ObservePong)

	go m.notifyLoop()

	return m
}

// ClientID returns the id sent in every handshake.
func (m *Manager) ClientID() string {
	return m.clientID
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting with p. It is a no-op while Connecting,
// Authenticating or Connected. From Reconnecting it skips the pending backoff
// delay; from Failed it also resets the attempt counter. A nil provider
// reuses the last one.
func (m *Manager) Connect(p credential.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.logger.Warn("connect ignored", "error", ErrClosed)
		return
	}

	switch m.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		return
	}

	if p != nil {
		m.provider = p
	}
	if m.provider == nil {
		m.logger.Warn("connect ignored, no credential provider")
		return
	}

	if m.state == StateFailed {
		m.attempt = 0
	}
	m.stopTimerLocked()
	m.startAttemptLocked()
}

// Reconnect attempts immediately with the last provider when the manager
// is Reconnecting or Failed. Other states are left alone.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.provider == nil {
		return
	}

	switch m.state {
	case StateReconnecting:
		m.stopTimerLocked()
		m.startAttemptLocked()
	case StateFailed:
		m.attempt = 0
		m.startAttemptLocked()
	}
}

// Disconnect closes the connection cleanly and moves to Idle. It cancels any
// pending reconnect and is safe to call from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.abandonLocked()
	m.attempt = 0
	m.transitionLocked(StateIdle, nil)
	m.mu.Unlock()

	m.stopHeartbeat()
	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
}

// Close tears the manager down: disconnects, clears subscriptions and
// stops the notifier once pending notifications are delivered.
func (m *Manager) Close(ctx context.Context) error {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.registry.Clear()
	m.events.Close()

	select {
	case <-m.notifyDone:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, observers still running")
		return fmt.Errorf("close manager: %w", ctx.Err())
	}
}

// Send serializes and writes one frame. It fails with ErrNotConnected unless
// the manager is Connected; nothing is queued.
func (m *Manager) Send(msgType string, payload any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return m.write(conn, msgType, payload)
}

// Subscribe records the subscription and, when connected, sends it.
// Repeating a channel updates its params in place.
func (m *Manager) Subscribe(channel string, params subscription.Params) {
	if channel == "" {
		m.logger.Warn("subscribe ignored, empty channel")
		return
	}

	m.registry.Add(channel, params)

	conn, ok := m.liveConn()
	if !ok {
		return
	}
	if err := m.write(conn, frameSubscribe, newSubscribePayload(channel, params)); err != nil {
		m.logger.Warn("failed to send subscribe, will replay on reconnect",
			"channel", channel,
			"error", err,
		)
	}
}

// Unsubscribe removes the subscription and, when connected, tells the server.
func (m *Manager) Unsubscribe(channel string) {
	if !m.registry.Remove(channel) {
		return
	}

	conn, ok := m.liveConn()
	if !ok {
		return
	}
	if err := m.write(conn, frameUnsubscribe, unsubscribePayload{Channel: channel}); err != nil {
		m.logger.Warn("failed to send unsubscribe", "channel", channel, "error", err)
	}
}

// Subscriptions returns the current subscriptions in insertion order.
func (m *Manager) Subscriptions() iter.Seq[subscription.Subscription] {
	return m.registry.All()
}

// OnMessage registers a handler for an inbound message type.
func (m *Manager) OnMessage(msgType string, h router.Handler) router.HandlerID {
	return m.router.Register(msgType, h)
}

// OffMessage releases a handler registered with OnMessage.
func (m *Manager) OffMessage(id router.HandlerID) {
	m.router.Unregister(id)
}

// OnStateChange registers a state observer.
func (m *Manager) OnStateChange(fn func(StateChange)) router.HandlerID {
	id := router.NewHandlerID()

	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.stateObs = append(m.stateObs[:len(m.stateObs):len(m.stateObs)], stateObserver{id: id, fn: fn})
	return id
}

// OffStateChange releases an observer registered with OnStateChange.
func (m *Manager) OffStateChange(id router.HandlerID) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	next := make([]stateObserver, 0, len(m.stateObs))
	for _, o := range m.stateObs {
		if o.id != id {
			next = append(next, o)
		}
	}
	m.stateObs = next
}

// OnError registers an observer for transport and handler errors. Errors
// never change state by themselves.
func (m *Manager) OnError(fn func(error)) router.HandlerID {
	id := router.NewHandlerID()

	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.errorObs = append(m.errorObs[:len(m.errorObs):len(m.errorObs)], errorObserver{id: id, fn: fn})
	return id
}

// OffError releases an observer registered with OnError.
func (m *Manager) OffError(id router.HandlerID) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	next := make([]errorObserver, 0, len(m.errorObs))
	for _, o := range m.errorObs {
		if o.id != id {
			next = append(next, o)
		}
	}
	m.errorObs = next
}

// SetHeartbeatInterval hot-swaps the ping interval. When not connected the
// value is used from the next Connected transition.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if err := m.heartbeat.AdjustInterval(d); err != nil {
		m.logger.Warn("invalid heartbeat interval", "interval", d, "error", err)
	}
}

// HeartbeatInterval returns the configured ping interval.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.heartbeat.Interval()
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	attempt := m.attempt
	since := m.connectedSince
	handshakes := m.handshakes
	m.mu.Unlock()

	reconnects := handshakes - 1
	if reconnects < 0 {
		reconnects = 0
	}

	return ManagerStats{
		State:          state,
		Attempt:        attempt,
		Dials:          m.dials.Load(),
		Reconnects:     reconnects,
		FramesIn:       m.framesIn.Load(),
		FramesOut:      m.framesOut.Load(),
		DroppedFrames:  m.droppedFrames.Load(),
		Subscriptions:  m.registry.Len(),
		ConnectedSince: since,
		Router:         m.router.Stats(),
		Heartbeat:      m.heartbeat.Stats(),
	}
}

// startAttemptLocked moves to Connecting and launches one connection attempt.
// Must be called with m.mu held.
func (m *Manager) startAttemptLocked() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelAttempt = cancel
	m.transitionLocked(StateConnecting, nil)

	go m.run(ctx, gen, m.provider)
}

// run performs dial, handshake and then reads until the transport closes.
func (m *Manager) run(ctx context.Context, gen uint64, provider credential.Provider) {
	m.dials.Add(1)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancelDial()
	if err != nil {
		m.handleClose(gen, nil, closeErrorFrom(err, CloseNetwork))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.transitionLocked(StateAuthenticating, nil)
	if m.cfg.HandshakeTimeout > 0 {
		m.watchdog = m.afterFunc(m.cfg.HandshakeTimeout, func() { m.handshakeExpired(gen) })
	}
	m.mu.Unlock()

	cred, err := credential.Resolve(ctx, provider, m.now())
	if err != nil {
		kind := CloseAuth
		if credential.IsTransient(err) {
			kind = CloseNetwork
		}
		m.handleClose(gen, conn, &CloseError{
			Reason: CloseReason{Kind: kind, Detail: err.Error()},
			Err:    err,
		})
		return
	}

	auth := authPayload{Token: cred.Token, Identity: cred.Identity, ClientID: m.clientID}
	if err := m.write(conn, frameAuth, auth); err != nil {
		m.handleClose(gen, conn, closeErrorFrom(err, CloseNetwork))
		return
	}

	if m.cfg.AssumeAuthOnOpen {
		m.markConnected(gen, conn)
	}

	m.readLoop(gen, conn)
}

// readLoop reads frames until the transport closes. Dispatch happens on this
// goroutine, so handlers see messages in transport order and replay always
// completes before the next inbound frame is routed.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, receivedAt, err := conn.Read()
		if err != nil {
			m.handleClose(gen, conn, closeErrorFrom(err, CloseNetwork))
			return
		}
		m.framesIn.Add(1)

		msg, err := m.router.Parse(data, receivedAt)
		if err != nil {
			continue
		}

		switch msg.Type {
		case frameAuthOK:
			m.markConnected(gen, conn)
		case frameAuthError:
			var p authErrorPayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					m.logger.Debug("malformed auth_error payload", "error", err)
				}
			}
			detail := p.Message
			if p.Code != "" {
				detail = p.Code + ": " + p.Message
			}
			m.handleClose(gen, conn, &CloseError{
				Reason: CloseReason{Kind: CloseAuth, Detail: detail},
				Err:    ErrAuthentication,
			})
			return
		default:
			if !m.isLive(gen, StateConnected) {
				m.droppedFrames.Add(1)
				m.logger.Debug("dropping frame received while not connected", "type", msg.Type)
				continue
			}
			m.router.Dispatch(msg)
		}
	}
}

// markConnected completes the handshake, starts the heartbeat and replays
// every subscription.
func (m *Manager) markConnected(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAuthenticating {
		m.mu.Unlock()
		return
	}
	stop(&m.watchdog)
	m.attempt = 0
	m.handshakes++
	m.connectedSince = m.now()
	m.transitionLocked(StateConnected, nil)
	m.mu.Unlock()

	m.startHeartbeat(gen)

	replayed := 0
	for sub := range m.registry.All() {
		if err := m.write(conn, frameSubscribe, newSubscribePayload(sub.Channel, sub.Params)); err != nil {
			m.logger.Warn("subscription replay interrupted", "channel", sub.Channel, "error", err)
			return
		}
		replayed++
	}
	if replayed > 0 {
		m.logger.Info("replayed subscriptions", "count", replayed)
	}
}

// handshakeExpired closes an attempt stuck in Authenticating.
func (m *Manager) handshakeExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAuthenticating {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.mu.Unlock()

	m.logger.Warn("handshake timed out", "timeout", m.cfg.HandshakeTimeout)
	m.handleClose(gen, conn, &CloseError{
		Reason: CloseReason{Kind: CloseNetwork, Detail: "handshake timeout"},
		Err:    ErrHandshakeTimeout,
	})
}

// handleClose drives the transition after the attempt identified by gen
// ends. Auth failures are terminal; everything else schedules a reconnect.
func (m *Manager) handleClose(gen uint64, conn Conn, ce *CloseError) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.abandonLocked()

	var rejected credential.Invalidator
	if ce.Reason.Kind == CloseAuth {
		m.logger.Error("authentication failed, not reconnecting",
			"code", ce.Reason.Code,
			"detail", ce.Reason.Detail,
		)
		m.transitionLocked(StateFailed, ce)
		rejected, _ = m.provider.(credential.Invalidator)
	} else {
		m.scheduleReconnectLocked(ce)
	}
	m.mu.Unlock()

	// Drop any cached token the backend refused.
	if rejected != nil {
		rejected.Invalidate()
	}

	m.stopHeartbeat()
	if conn != nil {
		code := websocket.CloseGoingAway
		if ce.Reason.Kind == CloseAuth {
			code = websocket.ClosePolicyViolation
		}
		conn.Close(code, ce.Reason.Detail)
	}

	m.reportError(ce)
}

// scheduleReconnectLocked bumps the attempt counter and either arms the
// backoff timer or gives up. Must be called with m.mu held.
func (m *Manager) scheduleReconnectLocked(cause error) {
	m.attempt++
	attempt := m.attempt

	if m.cfg.Backoff.Exhausted(attempt) {
		m.logger.Error("reconnect attempts exhausted",
			"max_attempts", m.cfg.Backoff.MaxAttempts,
			"error", cause,
		)
		m.transitionLocked(StateFailed, fmt.Errorf("%w: %w", ErrReconnectBudgetExhausted, cause))
		return
	}

	delay := m.cfg.Backoff.Next(attempt)
	m.transitionLocked(StateReconnecting, cause)

	gen := m.gen
	m.timer = m.afterFunc(delay, func() { m.reconnectDue(gen) })

	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
}

// reconnectDue fires when the backoff timer for gen expires.
func (m *Manager) reconnectDue(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateReconnecting || m.closed {
		return
	}
	m.timer = nil
	m.startAttemptLocked()
}

// abandonLocked invalidates the current attempt, cancels its timers and
// detaches its transport, which the caller must close outside the lock.
func (m *Manager) abandonLocked() Conn {
	m.gen++
	stop(&m.timer)
	stop(&m.watchdog)
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	m.connectedSince = time.Time{}

	conn := m.conn
	m.conn = nil
	return conn
}

// startHeartbeat starts pinging if gen is still the connected attempt.
func (m *Manager) startHeartbeat(gen uint64) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if !m.isLive(gen, StateConnected) {
		return
	}
	if err := m.heartbeat.Start(m.heartbeat.Interval()); err != nil {
		m.logger.Warn("failed to start heartbeat", "error", err)
	}
}

// stopHeartbeat stops pinging unless a newer attempt is already connected.
// Must not be called with m.mu held: the ping loop takes it in Send.
func (m *Manager) stopHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if m.State() == StateConnected {
		return
	}
	m.heartbeat.Stop()
}

func (m *Manager) stopTimerLocked() {
	stop(&m.timer)
}

func stop(s *stopper) {
	if *s != nil {
		(*s).Stop()
		*s = nil
	}
}

// isLive reports whether gen is the current attempt and in state s.
func (m *Manager) isLive(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == s
}

// liveConn returns the transport when Connected.
func (m *Manager) liveConn() (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

// write encodes one envelope and writes it to conn.
func (m *Manager) write(conn Conn, msgType string, payload any) error {
	data, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	m.framesOut.Add(1)
	return nil
}

func encodeFrame(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(router.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return data, nil
}

// transitionLocked records a state change and queues it for observers.
// Must be called with m.mu held.
func (m *Manager) transitionLocked(to State, cause error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	change := StateChange{From: from, To: to, Err: cause, At: m.now()}
	m.events.Push(notification{change: &change})

	attrs := []any{"from", from.String(), "to", to.String()}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	m.logger.Info("connection state changed", attrs...)
}

// reportError queues err for error observers.
func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	var ce *CloseError
	if errors.As(err, &ce) && ce.Reason.Kind == CloseNormal {
		return
	}
	m.events.Push(notification{err: err})
}

// notifyLoop delivers queued notifications in order.
func (m *Manager) notifyLoop() {
	defer close(m.notifyDone)

	for {
		n, ok := m.events.Pop()
		if !ok {
			return
		}

		m.obsMu.RLock()
		stateObs := m.stateObs
		errorObs := m.errorObs
		m.obsMu.RUnlock()

		if n.change != nil {
			for _, o := range stateObs {
				m.safeCall(o.id, func() { o.fn(*n.change) })
			}
			continue
		}
		for _, o := range errorObs {
			m.safeCall(o.id, func() { o.fn(n.err) })
		}
	}
}

// safeCall isolates observer panics.
func (m *Manager) safeCall(id router.HandlerID, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			m.logger.Warn("observer panicked", "observer_id", id, "panic", v)
		}
	}()
	fn()
}
