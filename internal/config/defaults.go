package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDialTimeout        = 10 * time.Second
	DefaultHandshakeTimeout   = 15 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReadLimit          = 1 << 20
	DefaultAuthTimeout        = 10 * time.Second
	DefaultAuthMaxRetries     = 3
	DefaultRefreshSkew        = 30 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultForegroundInterval = 30 * time.Second
	DefaultBackgroundInterval = 60 * time.Second
	DefaultJournalTable       = "realtime_events"
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultHealthAddr         = ":8081"
	DefaultProbeInterval      = 10 * time.Second
)

func (c *ClientConfig) applyDefaults() {
	// Server defaults
	if c.Server.DialTimeout == 0 {
		c.Server.DialTimeout = DefaultDialTimeout
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}

	// Auth defaults
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}
	if c.Auth.MaxRetries == nil {
		n := DefaultAuthMaxRetries
		c.Auth.MaxRetries = &n
	}
	if c.Auth.RefreshSkew == 0 {
		c.Auth.RefreshSkew = DefaultRefreshSkew
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.MaxAttempts == nil {
		n := DefaultMaxAttempts
		c.Reconnect.MaxAttempts = &n
	}

	// Heartbeat defaults
	if c.Heartbeat.ForegroundInterval == 0 {
		c.Heartbeat.ForegroundInterval = DefaultForegroundInterval
	}
	if c.Heartbeat.BackgroundInterval == 0 {
		c.Heartbeat.BackgroundInterval = DefaultBackgroundInterval
	}

	// Journal defaults
	if c.Journal.Table == "" {
		c.Journal.Table = DefaultJournalTable
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Health defaults
	if c.Health.Addr == "" {
		c.Health.Addr = DefaultHealthAddr
	}
	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = DefaultProbeInterval
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
