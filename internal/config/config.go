package config

import "time"

// ClientConfig is the root configuration for a realtime client host.
type ClientConfig struct {
	Server        ServerConfig         `yaml:"server"`
	Auth          AuthConfig           `yaml:"auth"`
	Reconnect     ReconnectConfig      `yaml:"reconnect"`
	Heartbeat     HeartbeatConfig      `yaml:"heartbeat"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Journal       JournalConfig        `yaml:"journal"`
	Logging       LoggingConfig        `yaml:"logging"`
	Health        HealthConfig         `yaml:"health"`
}

// ServerConfig holds realtime endpoint settings.
type ServerConfig struct {
	URL              string        `yaml:"url"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // auth ack watchdog, negative disables
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	AssumeAuthOnOpen bool          `yaml:"assume_auth_on_open"`
}

// AuthConfig selects the credential source. Exactly one of Token,
// TokenFile or Endpoint must be set.
type AuthConfig struct {
	Token          string        `yaml:"token"`
	TokenFile      string        `yaml:"token_file"`
	Endpoint       string        `yaml:"endpoint"`         // HTTP token endpoint
	EndpointAPIKey string        `yaml:"endpoint_api_key"` // Bearer key for the token endpoint
	Identity       string        `yaml:"identity"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     *int          `yaml:"max_retries"` // 0 = no retries, nil = default
	RefreshSkew    time.Duration `yaml:"refresh_skew"`
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts *int          `yaml:"max_attempts"` // 0 = unbounded, nil = default
	Jitter      float64       `yaml:"jitter"`
}

// HeartbeatConfig holds ping intervals for each host lifecycle phase.
type HeartbeatConfig struct {
	ForegroundInterval time.Duration `yaml:"foreground_interval"`
	BackgroundInterval time.Duration `yaml:"background_interval"`
}

// SubscriptionConfig is a channel subscribed at startup.
type SubscriptionConfig struct {
	Channel string         `yaml:"channel"`
	Params  map[string]any `yaml:"params"`
}

// JournalConfig holds settings for persisting routed messages.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Types         []string      `yaml:"types"` // Message types to record
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig holds the local health endpoint and reachability probe.
type HealthConfig struct {
	Addr          string        `yaml:"addr"`
	ProbeAddr     string        `yaml:"probe_addr"` // host:port dialed to detect network changes
	ProbeInterval time.Duration `yaml:"probe_interval"`
}
