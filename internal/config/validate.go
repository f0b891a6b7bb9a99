package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Server.ReadLimit < 0 {
		return errors.New("server.read_limit must be >= 0")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts != nil && *c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1), got %g", c.Reconnect.Jitter)
	}

	if c.Heartbeat.ForegroundInterval <= 0 {
		return errors.New("heartbeat.foreground_interval must be > 0")
	}
	if c.Heartbeat.BackgroundInterval <= 0 {
		return errors.New("heartbeat.background_interval must be > 0")
	}

	seen := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.Channel == "" {
			return fmt.Errorf("subscriptions[%d].channel is required", i)
		}
		if seen[s.Channel] {
			return fmt.Errorf("subscriptions[%d].channel %q is duplicated", i, s.Channel)
		}
		seen[s.Channel] = true
		for _, k := range slices.Sorted(maps.Keys(s.Params)) {
			if !isScalar(s.Params[k]) {
				return fmt.Errorf("subscriptions[%d].params.%s must be a scalar, got %T", i, k, s.Params[k])
			}
		}
	}

	if c.Journal.Enabled {
		if c.Journal.Table == "" {
			return errors.New("journal.table is required")
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Health.ProbeInterval < 0 {
		return errors.New("health.probe_interval must be >= 0")
	}

	return nil
}

func (a *AuthConfig) validate() error {
	sources := 0
	for _, s := range []string{a.Token, a.TokenFile, a.Endpoint} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("auth requires exactly one of token, token_file, endpoint (got %d)", sources)
	}
	if a.Endpoint != "" && a.MaxRetries != nil && *a.MaxRetries < 0 {
		return errors.New("auth.max_retries must be >= 0")
	}
	return nil
}

// isScalar reports whether v is a value yaml decodes from a plain scalar.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int64, uint64, float64, time.Time:
		return true
	default:
		return false
	}
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
