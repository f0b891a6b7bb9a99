// Package heartbeat implements the Heartbeat Controller component.
//
// While running, the controller emits a ping frame on every tick and records
// the pongs observed by the Message Router. It does not close connections on
// missed pongs; the transport's own failure detection drives reconnects.
package heartbeat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/realtime-client/internal/router"
)

// Default intervals.
const (
	DefaultForegroundInterval = 30 * time.Second
	DefaultBackgroundInterval = 60 * time.Second
)

// ErrInvalidInterval is returned for non-positive intervals.
var ErrInvalidInterval = errors.New("heartbeat interval must be positive")

// Ping is the payload of an outbound ping frame.
type Ping struct {
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"ts"` // Unix milliseconds
}

// Pong is the payload of an inbound pong frame. Both fields are optional.
type Pong struct {
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
}

// SendFunc writes a ping frame to the transport.
type SendFunc func(p Ping) error

// Stats contains heartbeat statistics.
type Stats struct {
	Running       bool
	Interval      time.Duration
	PingsSent     int64
	PongsReceived int64
	SendErrors    int64
	LastPingAt    time.Time
	LastPongAt    time.Time
	LastRTT       time.Duration
}

// Controller sends periodic pings.
type Controller struct {
	send   SendFunc
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	pending  map[string]time.Time

	pingsSent     atomic.Int64
	pongsReceived atomic.Int64
	sendErrors    atomic.Int64
	lastPingAt    atomic.Int64 // unix nanos
	lastPongAt    atomic.Int64 // unix nanos
	lastRTT       atomic.Int64
}

// New creates a stopped controller using the foreground interval.
func New(send SendFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		send:     send,
		logger:   logger,
		interval: DefaultForegroundInterval,
		pending:  make(map[string]time.Time),
	}
}

// Start begins sending pings every interval. Starting a running controller
// adjusts its interval instead.
func (c *Controller) Start(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.interval = interval
	if c.ticker != nil {
		c.ticker.Reset(interval)
		return nil
	}

	c.ticker = time.NewTicker(interval)
	c.stopCh = make(chan struct{})
	clear(c.pending)

	c.wg.Add(1)
	go c.loop(c.ticker, c.stopCh)

	c.logger.Debug("heartbeat started", "interval", interval)
	return nil
}

// Stop halts the ticker and waits for the send loop to exit. Safe to call
// when already stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.ticker == nil {
		c.mu.Unlock()
		return
	}
	c.ticker.Stop()
	close(c.stopCh)
	c.ticker = nil
	c.stopCh = nil
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Debug("heartbeat stopped")
}

// AdjustInterval hot-swaps the tick interval. When stopped, the value is
// kept for the next Start.
func (c *Controller) AdjustInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interval == d {
		return nil
	}
	c.interval = d
	if c.ticker != nil {
		c.ticker.Reset(d)
	}
	c.logger.Debug("heartbeat interval adjusted", "interval", d, "running", c.ticker != nil)
	return nil
}

// Interval returns the configured interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Running reports whether pings are being sent.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

// ObservePong records a pong routed from the transport.
func (c *Controller) ObservePong(msg router.Message) {
	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	c.pongsReceived.Add(1)
	c.lastPongAt.Store(now.UnixNano())

	var pong Pong
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &pong); err != nil {
			c.logger.Debug("malformed pong payload", "error", err)
		}
	}
	if pong.Nonce == "" {
		return
	}

	c.mu.Lock()
	sentAt, ok := c.pending[pong.Nonce]
	delete(c.pending, pong.Nonce)
	c.mu.Unlock()

	if ok {
		c.lastRTT.Store(int64(now.Sub(sentAt)))
	}
}

// Stats returns current statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	running := c.ticker != nil
	interval := c.interval
	c.mu.Unlock()

	return Stats{
		Running:       running,
		Interval:      interval,
		PingsSent:     c.pingsSent.Load(),
		PongsReceived: c.pongsReceived.Load(),
		SendErrors:    c.sendErrors.Load(),
		LastPingAt:    unixNano(c.lastPingAt.Load()),
		LastPongAt:    unixNano(c.lastPongAt.Load()),
		LastRTT:       time.Duration(c.lastRTT.Load()),
	}
}

func (c *Controller) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.ping()
		}
	}
}

// maxPending bounds the unanswered-nonce table for servers that never echo.
const maxPending = 16

func (c *Controller) ping() {
	now := time.Now()
	p := Ping{Nonce: uuid.NewString(), Timestamp: now.UnixMilli()}

	c.mu.Lock()
	if len(c.pending) >= maxPending {
		clear(c.pending)
	}
	c.pending[p.Nonce] = now
	c.mu.Unlock()

	if err := c.send(p); err != nil {
		c.sendErrors.Add(1)
		c.logger.Debug("heartbeat ping failed", "error", err)
		return
	}
	c.pingsSent.Add(1)
	c.lastPingAt.Store(now.UnixNano())
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
