package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  url: wss://realtime.example.com/ws
  handshake_timeout: 5s
auth:
  token_file: /var/run/realtime/token
  identity: device-1
reconnect:
  base_delay: 500ms
  max_delay: 10s
  max_attempts: 7
subscriptions:
  - channel: market_data
    params:
      symbols: BTC,ETH
      depth: 10
  - channel: notifications
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.URL != "wss://realtime.example.com/ws" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "wss://realtime.example.com/ws")
	}
	if cfg.Server.HandshakeTimeout != 5*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want %v", cfg.Server.HandshakeTimeout, 5*time.Second)
	}
	if cfg.Auth.TokenFile != "/var/run/realtime/token" {
		t.Errorf("Auth.TokenFile = %q, want %q", cfg.Auth.TokenFile, "/var/run/realtime/token")
	}
	if cfg.Reconnect.MaxAttempts == nil || *cfg.Reconnect.MaxAttempts != 7 {
		t.Errorf("Reconnect.MaxAttempts = %v, want 7", cfg.Reconnect.MaxAttempts)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("len(Subscriptions) = %d, want 2", len(cfg.Subscriptions))
	}
	if cfg.Subscriptions[0].Channel != "market_data" {
		t.Errorf("Subscriptions[0].Channel = %q, want %q", cfg.Subscriptions[0].Channel, "market_data")
	}
	if got := cfg.Subscriptions[0].Params["symbols"]; got != "BTC,ETH" {
		t.Errorf("Subscriptions[0].Params[symbols] = %v, want BTC,ETH", got)
	}
	if got := cfg.Subscriptions[0].Params["depth"]; got != 10 {
		t.Errorf("Subscriptions[0].Params[depth] = %v (%T), want 10", got, got)
	}
	if cfg.Subscriptions[1].Params != nil {
		t.Errorf("Subscriptions[1].Params = %v, want nil", cfg.Subscriptions[1].Params)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load succeeded for a missing file")
	}
	if !strings.Contains(err.Error(), "read config file") {
		t.Errorf("error = %q, want read config file prefix", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempFile(t, "server: [unterminated")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load error = %v, want parse config yaml", err)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_REALTIME_TOKEN", "secret123")

	yaml := `
server:
  url: wss://realtime.example.com/ws
auth:
  token: ${TEST_REALTIME_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Token != "secret123" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "secret123")
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("REALTIME_SERVER_URL", "wss://override.example.com/ws")
	t.Setenv("REALTIME_RECONNECT_MAX_ATTEMPTS", "0")
	t.Setenv("REALTIME_JOURNAL_ENABLED", "true")
	t.Setenv("REALTIME_JOURNAL_PASSWORD", "from-env")
	t.Setenv("REALTIME_LOG_LEVEL", "debug")

	yaml := `
server:
  url: wss://file.example.com/ws
auth:
  token: abc
reconnect:
  max_attempts: 3
journal:
  database:
    password: from-file
logging:
  level: warn
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.URL != "wss://override.example.com/ws" {
		t.Errorf("Server.URL = %q, want env override", cfg.Server.URL)
	}
	if cfg.Reconnect.MaxAttempts == nil || *cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %v, want 0", cfg.Reconnect.MaxAttempts)
	}
	if !cfg.Journal.Enabled {
		t.Error("Journal.Enabled = false, want true")
	}
	if cfg.Journal.Database.Password != "from-env" {
		t.Errorf("Journal.Database.Password = %q, want %q", cfg.Journal.Database.Password, "from-env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Auth.Token != "abc" {
		t.Errorf("Auth.Token = %q, want file value kept", cfg.Auth.Token)
	}
}

func TestLoadEnvOverlayInvalid(t *testing.T) {
	t.Setenv("REALTIME_RECONNECT_MAX_ATTEMPTS", "many")

	path := writeTempFile(t, "server:\n  url: wss://x\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "REALTIME_RECONNECT_MAX_ATTEMPTS") {
		t.Errorf("Load error = %v, want REALTIME_RECONNECT_MAX_ATTEMPTS error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
server:
  url: wss://realtime.example.com/ws
auth:
  token: abc
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Server.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("Server.HandshakeTimeout = %v, want default %v", cfg.Server.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if cfg.Server.ReadLimit != DefaultReadLimit {
		t.Errorf("Server.ReadLimit = %d, want default %d", cfg.Server.ReadLimit, DefaultReadLimit)
	}
	if cfg.Reconnect.BaseDelay != DefaultReconnectBaseDelay {
		t.Errorf("Reconnect.BaseDelay = %v, want default %v", cfg.Reconnect.BaseDelay, DefaultReconnectBaseDelay)
	}
	if cfg.Reconnect.MaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("Reconnect.MaxDelay = %v, want default %v", cfg.Reconnect.MaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Reconnect.MaxAttempts == nil || *cfg.Reconnect.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Reconnect.MaxAttempts = %v, want default %d", cfg.Reconnect.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Heartbeat.ForegroundInterval != DefaultForegroundInterval {
		t.Errorf("Heartbeat.ForegroundInterval = %v, want default %v", cfg.Heartbeat.ForegroundInterval, DefaultForegroundInterval)
	}
	if cfg.Heartbeat.BackgroundInterval != DefaultBackgroundInterval {
		t.Errorf("Heartbeat.BackgroundInterval = %v, want default %v", cfg.Heartbeat.BackgroundInterval, DefaultBackgroundInterval)
	}
	if cfg.Journal.Table != DefaultJournalTable {
		t.Errorf("Journal.Table = %q, want default %q", cfg.Journal.Table, DefaultJournalTable)
	}
	if cfg.Journal.Database.Port != DefaultDBPort {
		t.Errorf("Journal.Database.Port = %d, want default %d", cfg.Journal.Database.Port, DefaultDBPort)
	}
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, DefaultLogFormat)
	}
	if cfg.Health.Addr != DefaultHealthAddr {
		t.Errorf("Health.Addr = %q, want default %q", cfg.Health.Addr, DefaultHealthAddr)
	}
}

func TestLoadWithDefaultsKeepsUnboundedAttempts(t *testing.T) {
	yaml := `
server:
  url: wss://realtime.example.com/ws
auth:
  token: abc
reconnect:
  max_attempts: 0
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Reconnect.MaxAttempts == nil || *cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %v, want explicit 0 kept", cfg.Reconnect.MaxAttempts)
	}
}

func TestLoadWithDefaultsKeepsZeroAuthRetries(t *testing.T) {
	yaml := `
server:
  url: wss://realtime.example.com/ws
auth:
  endpoint: https://auth.example.com/token
  max_retries: 0
`
	cfg, err := LoadWithDefaults(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Auth.MaxRetries == nil || *cfg.Auth.MaxRetries != 0 {
		t.Errorf("Auth.MaxRetries = %v, want explicit 0 kept", cfg.Auth.MaxRetries)
	}

	yaml = `
server:
  url: wss://realtime.example.com/ws
auth:
  endpoint: https://auth.example.com/token
`
	cfg, err = LoadWithDefaults(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Auth.MaxRetries == nil || *cfg.Auth.MaxRetries != DefaultAuthMaxRetries {
		t.Errorf("Auth.MaxRetries = %v, want default %d", cfg.Auth.MaxRetries, DefaultAuthMaxRetries)
	}
}

func TestSampleConfigValidates(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REALTIME_DB_PASSWORD", "secret")

	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "realtime-tap.yaml"))
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if got := cfg.Subscriptions[0].Params["symbols"]; got != "BTC-USD,ETH-USD" {
		t.Errorf("Subscriptions[0].Params[symbols] = %v, want BTC-USD,ETH-USD", got)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "auth:\n  token: abc\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate succeeded without server.url")
	}
	if err.Error() != "validate config: server.url is required" {
		t.Errorf("error = %q, want %q", err.Error(), "validate config: server.url is required")
	}
}

// validConfig returns a config that passes Validate.
func validConfig() ClientConfig {
	cfg := ClientConfig{
		Server: ServerConfig{URL: "wss://realtime.example.com/ws"},
		Auth:   AuthConfig{Token: "abc"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	negative := -1

	tests := []struct {
		name    string
		mutate  func(c *ClientConfig)
		wantErr string
	}{
		{
			name:    "missing server url",
			mutate:  func(c *ClientConfig) { c.Server.URL = "" },
			wantErr: "server.url is required",
		},
		{
			name:    "http scheme",
			mutate:  func(c *ClientConfig) { c.Server.URL = "https://realtime.example.com" },
			wantErr: `server.url scheme must be ws or wss, got "https"`,
		},
		{
			name:    "no credential source",
			mutate:  func(c *ClientConfig) { c.Auth.Token = "" },
			wantErr: "auth requires exactly one of token, token_file, endpoint (got 0)",
		},
		{
			name:    "two credential sources",
			mutate:  func(c *ClientConfig) { c.Auth.TokenFile = "/tmp/token" },
			wantErr: "auth requires exactly one of token, token_file, endpoint (got 2)",
		},
		{
			name:    "max delay below base",
			mutate:  func(c *ClientConfig) { c.Reconnect.MaxDelay = 100 * time.Millisecond },
			wantErr: "reconnect.max_delay (100ms) cannot be less than base_delay (1s)",
		},
		{
			name:    "negative max attempts",
			mutate:  func(c *ClientConfig) { c.Reconnect.MaxAttempts = &negative },
			wantErr: "reconnect.max_attempts must be >= 0",
		},
		{
			name:    "negative auth retries",
			mutate:  func(c *ClientConfig) { c.Auth = AuthConfig{Endpoint: "https://auth.example.com/token", MaxRetries: &negative} },
			wantErr: "auth.max_retries must be >= 0",
		},
		{
			name: "list subscription param",
			mutate: func(c *ClientConfig) {
				c.Subscriptions = []SubscriptionConfig{{
					Channel: "market_data",
					Params:  map[string]any{"depth": 5, "symbols": []any{"BTC-USD", "ETH-USD"}},
				}}
			},
			wantErr: "subscriptions[0].params.symbols must be a scalar, got []interface {}",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *ClientConfig) { c.Reconnect.Jitter = 1 },
			wantErr: "reconnect.jitter must be in [0, 1), got 1",
		},
		{
			name: "subscription without channel",
			mutate: func(c *ClientConfig) {
				c.Subscriptions = []SubscriptionConfig{{Channel: "a"}, {}}
			},
			wantErr: "subscriptions[1].channel is required",
		},
		{
			name: "duplicate subscription",
			mutate: func(c *ClientConfig) {
				c.Subscriptions = []SubscriptionConfig{{Channel: "a"}, {Channel: "a"}}
			},
			wantErr: `subscriptions[1].channel "a" is duplicated`,
		},
		{
			name:    "journal missing host",
			mutate:  func(c *ClientConfig) { c.Journal.Enabled = true },
			wantErr: "journal.database.host is required",
		},
		{
			name: "journal min_conns exceeds max_conns",
			mutate: func(c *ClientConfig) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "journal.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "journal disabled skips database",
			mutate:  func(c *ClientConfig) { c.Journal.Database = DBConfig{} },
			wantErr: "",
		},
		{
			name:    "bad log level",
			mutate:  func(c *ClientConfig) { c.Logging.Level = "verbose" },
			wantErr: `logging.level must be one of debug, info, warn, error, got "verbose"`,
		},
		{
			name:    "bad log format",
			mutate:  func(c *ClientConfig) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *ClientConfig) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
