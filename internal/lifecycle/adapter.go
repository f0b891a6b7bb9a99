// Package lifecycle implements the Lifecycle Adapter component.
//
// The adapter turns host foreground/background transitions and network
// reachability changes into heartbeat interval changes and reconnect
// requests on the Connection Manager.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/realtime-client/internal/connection"
	"github.com/rickgao/realtime-client/internal/credential"
	"github.com/rickgao/realtime-client/internal/heartbeat"
)

// Kind is a host lifecycle event type.
type Kind int

const (
	Background Kind = iota + 1
	Foreground
	NetworkUp
	NetworkDown
)

func (k Kind) String() string {
	switch k {
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	case NetworkUp:
		return "network_up"
	case NetworkDown:
		return "network_down"
	default:
		return "unknown"
	}
}

// Event is one host notification.
type Event struct {
	Kind Kind
	At   time.Time
}

// Target is the part of the Connection Manager the adapter drives.
type Target interface {
	State() connection.State
	Connect(p credential.Provider)
	Reconnect()
	SetHeartbeatInterval(d time.Duration)
}

// Config holds the two heartbeat intervals.
type Config struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
}

// DefaultConfig returns 30s foreground and 60s background intervals.
func DefaultConfig() Config {
	return Config{
		ForegroundInterval: heartbeat.DefaultForegroundInterval,
		BackgroundInterval: heartbeat.DefaultBackgroundInterval,
	}
}

// Adapter feeds host lifecycle signals into a Target.
type Adapter struct {
	target Target
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	background bool
	networkUp  bool
}

// New creates an adapter. The host starts in the foreground with the
// network assumed reachable.
func New(target Target, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ForegroundInterval <= 0 {
		cfg.ForegroundInterval = def.ForegroundInterval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = def.BackgroundInterval
	}

	return &Adapter{
		target:    target,
		cfg:       cfg,
		logger:    logger,
		networkUp: true,
	}
}

// Background coarsens the heartbeat. The connection is left open.
func (a *Adapter) Background() {
	a.mu.Lock()
	if a.background {
		a.mu.Unlock()
		return
	}
	a.background = true
	a.mu.Unlock()

	a.logger.Info("host backgrounded", "heartbeat_interval", a.cfg.BackgroundInterval)
	a.target.SetHeartbeatInterval(a.cfg.BackgroundInterval)
}

// Foreground restores the fine heartbeat and, when returning from the
// background without a live connection, connects immediately.
func (a *Adapter) Foreground() {
	a.mu.Lock()
	wasBackground := a.background
	a.background = false
	a.mu.Unlock()

	if !wasBackground {
		return
	}

	a.logger.Info("host foregrounded", "heartbeat_interval", a.cfg.ForegroundInterval)
	a.target.SetHeartbeatInterval(a.cfg.ForegroundInterval)

	if state := a.target.State(); state != connection.StateConnected {
		a.logger.Info("reconnecting after foreground", "state", state.String())
		a.target.Connect(nil)
	}
}

// NetworkChanged records reachability. Regaining the network while
// Reconnecting or Failed triggers an immediate attempt.
func (a *Adapter) NetworkChanged(available bool) {
	a.mu.Lock()
	wasUp := a.networkUp
	a.networkUp = available
	a.mu.Unlock()

	if !available || wasUp {
		if !available && wasUp {
			a.logger.Info("network lost")
		}
		return
	}

	state := a.target.State()
	a.logger.Info("network regained", "state", state.String())
	if state == connection.StateReconnecting || state == connection.StateFailed {
		a.target.Reconnect()
	}
}

// InBackground reports the last host signal.
func (a *Adapter) InBackground() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.background
}

// NetworkAvailable reports the last reachability signal.
func (a *Adapter) NetworkAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.networkUp
}

// Handle applies one event.
func (a *Adapter) Handle(ev Event) {
	switch ev.Kind {
	case Background:
		a.Background()
	case Foreground:
		a.Foreground()
	case NetworkUp:
		a.NetworkChanged(true)
	case NetworkDown:
		a.NetworkChanged(false)
	default:
		a.logger.Debug("ignoring unknown lifecycle event", "kind", int(ev.Kind))
	}
}

// Run applies events until ctx is done or events is closed.
func (a *Adapter) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.Handle(ev)
		}
	}
}
