package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-client/internal/backoff"
	"github.com/rickgao/realtime-client/internal/config"
	"github.com/rickgao/realtime-client/internal/connection"
	"github.com/rickgao/realtime-client/internal/credential"
	"github.com/rickgao/realtime-client/internal/database"
	"github.com/rickgao/realtime-client/internal/journal"
	"github.com/rickgao/realtime-client/internal/lifecycle"
	"github.com/rickgao/realtime-client/internal/router"
	"github.com/rickgao/realtime-client/internal/subscription"
	"github.com/rickgao/realtime-client/internal/version"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	Out        io.Writer
	PrintTypes []string
}

// run composes the client and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger, opts runOptions) error {
	provider, err := newProvider(cfg.Auth, logger)
	if err != nil {
		return err
	}

	mgr := connection.NewManager(managerConfig(cfg), newDialer(cfg.Server, logger), logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Warn("client close incomplete", "error", err)
		}
	}()

	errID := mgr.OnError(func(err error) {
		logger.Warn("client error", "error", err)
	})
	defer mgr.OffError(errID)

	if opts.Out != nil {
		p := &printer{out: opts.Out}
		for _, t := range opts.PrintTypes {
			id := mgr.OnMessage(t, p.handle)
			defer mgr.OffMessage(id)
		}
	}

	for _, s := range cfg.Subscriptions {
		mgr.Subscribe(s.Channel, subscription.Params(s.Params))
	}

	g, gctx := errgroup.WithContext(ctx)

	var writer *journal.Writer
	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database, logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		sink := journal.NewPostgresSink(pool, cfg.Journal.Table)
		if err := sink.EnsureTable(ctx); err != nil {
			return err
		}

		writer = journal.NewWriter(journalConfig(cfg.Journal), sink, mgr.ClientID(), logger)
		if err := writer.Start(gctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		detach := writer.Attach(mgr)
		defer func() {
			detach()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			writer.Stop(stopCtx)
		}()
	}

	adapter := lifecycle.New(mgr, lifecycle.Config{
		ForegroundInterval: cfg.Heartbeat.ForegroundInterval,
		BackgroundInterval: cfg.Heartbeat.BackgroundInterval,
	}, logger)
	events := make(chan lifecycle.Event, 16)

	g.Go(func() error {
		return ignoreCanceled(adapter.Run(gctx, events))
	})
	g.Go(func() error {
		watchLifecycleSignals(gctx, events, logger)
		return nil
	})

	probeAddr := cfg.Health.ProbeAddr
	if probeAddr == "" {
		probeAddr, err = probeAddrFromURL(cfg.Server.URL)
		if err != nil {
			return err
		}
	}
	probe := newProbe(probeAddr, cfg.Health.ProbeInterval, logger)
	g.Go(func() error {
		return ignoreCanceled(probe.Run(gctx, events))
	})

	srv := &http.Server{
		Addr:              cfg.Health.Addr,
		Handler:           newHealthRouter(mgr, writer, adapter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting health server", "addr", cfg.Health.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	mgr.Connect(provider)

	logger.Info("realtime-tap running",
		"url", cfg.Server.URL,
		"client_id", mgr.ClientID(),
		"subscriptions", len(cfg.Subscriptions),
		"journal", cfg.Journal.Enabled,
	)

	err = g.Wait()
	logger.Info("shutting down", "state", mgr.State())
	return err
}

// managerConfig converts the file configuration to a ManagerConfig.
func managerConfig(cfg *config.ClientConfig) connection.ManagerConfig {
	maxAttempts := config.DefaultMaxAttempts
	if cfg.Reconnect.MaxAttempts != nil {
		maxAttempts = *cfg.Reconnect.MaxAttempts
	}
	return connection.ManagerConfig{
		URL: cfg.Server.URL,
		Backoff: backoff.Policy{
			Base:        cfg.Reconnect.BaseDelay,
			Cap:         cfg.Reconnect.MaxDelay,
			MaxAttempts: maxAttempts,
			Jitter:      cfg.Reconnect.Jitter,
		},
		HandshakeTimeout:  cfg.Server.HandshakeTimeout,
		DialTimeout:       cfg.Server.DialTimeout,
		HeartbeatInterval: cfg.Heartbeat.ForegroundInterval,
		AssumeAuthOnOpen:  cfg.Server.AssumeAuthOnOpen,
	}
}

func newDialer(cfg config.ServerConfig, logger *slog.Logger) *connection.WebSocketDialer {
	d := connection.NewWebSocketDialer(logger)
	if cfg.DialTimeout > 0 {
		d.HandshakeTimeout = cfg.DialTimeout
	}
	if cfg.WriteTimeout > 0 {
		d.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ReadLimit > 0 {
		d.ReadLimit = cfg.ReadLimit
	}
	d.Header = http.Header{"User-Agent": []string{version.UserAgent("realtime-tap")}}
	return d
}

// newProvider builds the credential source selected by the auth section.
func newProvider(cfg config.AuthConfig, logger *slog.Logger) (credential.Provider, error) {
	switch {
	case cfg.Token != "":
		return credential.Static(cfg.Token, cfg.Identity), nil
	case cfg.TokenFile != "":
		return credential.File{Path: cfg.TokenFile, Identity: cfg.Identity}, nil
	case cfg.Endpoint != "":
		retries := config.DefaultAuthMaxRetries
		if cfg.MaxRetries != nil {
			retries = *cfg.MaxRetries
		}
		ep := credential.NewEndpoint(cfg.Endpoint, cfg.EndpointAPIKey,
			credential.WithTimeout(cfg.Timeout),
			credential.WithRetries(retries, time.Second),
			credential.WithRefreshSkew(cfg.RefreshSkew),
			credential.WithLogger(logger),
		)
		if cfg.Identity == "" {
			return ep, nil
		}
		return credential.WithIdentity(ep, cfg.Identity), nil
	default:
		return nil, errors.New("auth: no credential source configured")
	}
}

func journalConfig(cfg config.JournalConfig) journal.Config {
	jc := journal.DefaultConfig()
	if len(cfg.Types) > 0 {
		jc.Types = cfg.Types
	}
	jc.BatchSize = cfg.BatchSize
	jc.FlushInterval = cfg.FlushInterval
	jc.BufferSize = cfg.BufferSize
	return jc
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// printer writes routed messages as one line each.
type printer struct {
	out io.Writer
}

func (p *printer) handle(msg router.Message) error {
	payload := string(msg.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := fmt.Fprintf(p.out, "%s %s %s\n", msg.ReceivedAt.UTC().Format(time.RFC3339Nano), msg.Type, payload)
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
