package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/realtime-client/internal/lifecycle"
)

// probe watches TCP reachability of addr and reports transitions as
// NetworkUp/NetworkDown events. The network is assumed up at start.
type probe struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newProbe(addr string, interval time.Duration, logger *slog.Logger) *probe {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{}
	return &probe{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		dial:     d.DialContext,
	}
}

// Run probes until ctx is done.
func (p *probe) Run(ctx context.Context, events chan<- lifecycle.Event) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	up := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		reachable := p.check(ctx)
		if reachable == up {
			continue
		}
		up = reachable

		kind := lifecycle.NetworkDown
		if up {
			kind = lifecycle.NetworkUp
		}
		p.logger.Info("network reachability changed", "addr", p.addr, "available", up)

		select {
		case events <- lifecycle.Event{Kind: kind, At: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug("probe failed", "addr", p.addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// probeAddrFromURL derives host:port from a ws or wss URL.
func probeAddrFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// watchLifecycleSignals maps SIGUSR1 to Background and SIGUSR2 to
// Foreground until ctx is done.
func watchLifecycleSignals(ctx context.Context, events chan<- lifecycle.Event, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			kind := signalKind(sig)
			if kind == 0 {
				continue
			}
			logger.Info("lifecycle signal", "signal", sig, "event", kind)
			select {
			case events <- lifecycle.Event{Kind: kind, At: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func signalKind(sig os.Signal) lifecycle.Kind {
	switch sig {
	case syscall.SIGUSR1:
		return lifecycle.Background
	case syscall.SIGUSR2:
		return lifecycle.Foreground
	}
	return 0
}
