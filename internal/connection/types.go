package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/realtime-client/internal/backoff"
	"github.com/rickgao/realtime-client/internal/heartbeat"
	"github.com/rickgao/realtime-client/internal/router"
	"github.com/rickgao/realtime-client/internal/subscription"
)

// Errors
var (
	ErrNotConnected             = errors.New("not connected")
	ErrAuthentication           = errors.New("authentication failed")
	ErrReconnectBudgetExhausted = errors.New("reconnect attempts exhausted")
	ErrHandshakeTimeout         = errors.New("handshake not acknowledged in time")
	ErrClosed                   = errors.New("manager closed")
)

// State is the connection state. The Manager is the single source of truth.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange describes one transition.
type StateChange struct {
	From State
	To   State
	Err  error // Failure cause for Reconnecting and Failed, nil otherwise
	At   time.Time
}

// CloseKind classifies why a transport closed.
type CloseKind int

const (
	CloseNetwork CloseKind = iota
	CloseNormal
	CloseAuth
)

func (k CloseKind) String() string {
	switch k {
	case CloseNormal:
		return "normal"
	case CloseAuth:
		return "auth"
	default:
		return "network"
	}
}

// Close codes the backend uses to reject credentials.
const (
	CloseCodeUnauthorized = 4001
	CloseCodeForbidden    = 4003
)

// CloseReason is the structured reason a transport closed.
type CloseReason struct {
	Kind   CloseKind
	Code   int    // WebSocket close code or HTTP status, 0 if none
	Detail string // Human-readable detail
}

// CloseError carries a CloseReason through error returns.
type CloseError struct {
	Reason CloseReason
	Err    error // Underlying transport error, may be nil
}

func (e *CloseError) Error() string {
	msg := fmt.Sprintf("connection closed (%s", e.Reason.Kind)
	if e.Reason.Code != 0 {
		msg += fmt.Sprintf(" %d", e.Reason.Code)
	}
	msg += ")"
	if e.Reason.Detail != "" {
		msg += ": " + e.Reason.Detail
	}
	return msg
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuthentication) match auth closes.
func (e *CloseError) Is(target error) bool {
	return target == ErrAuthentication && e.Reason.Kind == CloseAuth
}

// closeErrorFrom extracts a CloseError from err, classifying anything else
// with the fallback kind.
func closeErrorFrom(err error, fallback CloseKind) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Reason: CloseReason{Kind: fallback, Detail: err.Error()}, Err: err}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL               string         // WebSocket URL (e.g., wss://stream.example.com/ws)
	Backoff           backoff.Policy // Reconnect schedule
	HandshakeTimeout  time.Duration  // Watchdog for a stalled Authenticating state (<0 disables)
	DialTimeout       time.Duration  // Bound on a single transport open
	HeartbeatInterval time.Duration  // Initial ping interval
	AssumeAuthOnOpen  bool           // Treat the handshake as accepted once written
}

// Defaults
const (
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:           backoff.DefaultPolicy(),
		HandshakeTimeout:  DefaultHandshakeTimeout,
		DialTimeout:       DefaultDialTimeout,
		HeartbeatInterval: heartbeat.DefaultForegroundInterval,
	}
}

func (c *ManagerConfig) applyDefaults() {
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeat.DefaultForegroundInterval
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State          State
	Attempt        int // Current reconnect attempt counter
	Dials          int64
	Reconnects     int64 // Successful handshakes after the first
	FramesIn       int64
	FramesOut      int64
	DroppedFrames  int64 // Inbound frames received while not connected
	Subscriptions  int
	ConnectedSince time.Time
	Router         router.Stats
	Heartbeat      heartbeat.Stats
}

// Outbound frame types.
const (
	frameAuth        = "auth"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

// Inbound handshake frame types.
const (
	frameAuthOK    = "auth_ok"
	frameAuthError = "auth_error"
)

// authPayload is the handshake frame payload.
type authPayload struct {
	Token    string `json:"token"`
	Identity string `json:"identity,omitempty"`
	ClientID string `json:"client_id"`
}

// subscribePayload is sent on subscribe and on replay.
type subscribePayload struct {
	Channel string              `json:"channel"`
	Params  subscription.Params `json:"params"`
}

func newSubscribePayload(channel string, params subscription.Params) subscribePayload {
	if params == nil {
		params = subscription.Params{}
	}
	return subscribePayload{Channel: channel, Params: params}
}

// unsubscribePayload is sent on unsubscribe.
type unsubscribePayload struct {
	Channel string `json:"channel"`
}

// authErrorPayload is the auth_error frame payload.
type authErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
