package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/realtime-client/internal/router"
)

// fakeConn is an in-memory transport. Frames pushed with deliver are
// returned by Read in order.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu       sync.Mutex
	written  []router.Envelope
	closeErr error
	onAuth   func(c *fakeConn) // reaction to the handshake frame
	once     sync.Once
}

func newFakeConn(onAuth func(c *fakeConn)) *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		onAuth:  onAuth,
	}
}

// ackAuth answers the handshake with auth_ok.
func ackAuth(c *fakeConn) { c.deliver(`{"type":"auth_ok"}`) }

// rejectAuth answers the handshake with auth_error.
func rejectAuth(c *fakeConn) {
	c.deliver(`{"type":"auth_error","payload":{"code":"invalid_token","message":"token rejected"}}`)
}

func (c *fakeConn) Read() ([]byte, time.Time, error) {
	// Drain queued frames before reporting a close.
	select {
	case data := <-c.inbound:
		return data, time.Now(), nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, time.Now(), nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, time.Now(), c.closeErr
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	var env router.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	c.mu.Lock()
	c.written = append(c.written, env)
	onAuth := c.onAuth
	c.mu.Unlock()

	if env.Type == frameAuth && onAuth != nil {
		onAuth(c)
	}
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shutdown(&CloseError{Reason: ClassifyCloseCode(code, reason)})
	return nil
}

// deliver queues an inbound frame.
func (c *fakeConn) deliver(frame string) {
	c.inbound <- []byte(frame)
}

// serverClose simulates the server closing the transport.
func (c *fakeConn) serverClose(reason CloseReason) {
	c.shutdown(&CloseError{Reason: reason})
}

func (c *fakeConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frames returns written envelopes of the given type.
func (c *fakeConn) frames(msgType string) []router.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []router.Envelope
	for _, env := range c.written {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out transports from a script.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	next  func(n int) (*fakeConn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	next := d.next
	d.mu.Unlock()

	c, err := next(n)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// acceptingDialer returns a dialer whose transports acknowledge every handshake.
func acceptingDialer() *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeConn, error) {
		return newFakeConn(ackAuth), nil
	}}
}

var errUnreachable = &CloseError{Reason: CloseReason{Kind: CloseNetwork, Detail: "network unreachable"}}

// fakeTimer is a scheduled callback controlled by the test.
type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) isStopped() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.stopped
}

// fakeScheduler replaces time.AfterFunc so delays can be asserted and
// fired on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// pending returns timers that are neither stopped nor fired.
func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// scheduled returns every delay ever requested.
func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.d)
	}
	return out
}

// fire runs a pending timer's callback on the calling goroutine.
func (s *fakeScheduler) fire(t *fakeTimer) {
	s.mu.Lock()
	if t.stopped || t.fired {
		s.mu.Unlock()
		return
	}
	t.fired = true
	s.mu.Unlock()
	t.f()
}

// stateRecorder collects state transitions from OnStateChange.
type stateRecorder struct {
	ch chan StateChange
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{ch: make(chan StateChange, 256)}
	m.OnStateChange(func(c StateChange) { r.ch <- c })
	return r
}

// expect consumes the next transitions and asserts their targets.
func (r *stateRecorder) expect(t *testing.T, states ...State) []StateChange {
	t.Helper()
	var got []StateChange
	for _, want := range states {
		select {
		case c := <-r.ch:
			if c.To != want {
				t.Fatalf("transition %d: got %s -> %s, want -> %s", len(got), c.From, c.To, want)
			}
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition to %s (got %d of %d)", want, len(got), len(states))
		}
	}
	return got
}

// expectNone asserts no transition arrives within d.
func (r *stateRecorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-r.ch:
		t.Fatalf("unexpected transition %s -> %s", c.From, c.To)
	case <-time.After(d):
	}
}

// newTestManager builds a manager wired to the fakes.
func newTestManager(t *testing.T, cfg ManagerConfig, d Dialer) (*Manager, *fakeScheduler) {
	t.Helper()
	cfg.URL = "ws://fake"
	m := NewManager(cfg, d, nil)
	sched := &fakeScheduler{}
	m.afterFunc = sched.afterFunc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m, sched
}

// waitPending waits until exactly one timer is pending and returns it.
func waitPending(t *testing.T, s *fakeScheduler) *fakeTimer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := s.pending(); len(p) == 1 {
			return p[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a pending timer (pending=%d)", len(s.pending()))
	return nil
}
