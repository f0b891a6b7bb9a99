package config

import (
	"fmt"
	"os"
	"strconv"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables and applies
// the REALTIME_* overlay.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg ClientConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*ClientConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*ClientConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envOverlay lists the variables that override file values when set.
type envOverlay struct {
	ServerURL       string `env:"REALTIME_SERVER_URL"`
	Token           string `env:"REALTIME_TOKEN"`
	TokenFile       string `env:"REALTIME_TOKEN_FILE"`
	TokenEndpoint   string `env:"REALTIME_TOKEN_ENDPOINT"`
	TokenAPIKey     string `env:"REALTIME_TOKEN_API_KEY"`
	Identity        string `env:"REALTIME_IDENTITY"`
	MaxAttempts     string `env:"REALTIME_RECONNECT_MAX_ATTEMPTS"`
	JournalEnabled  string `env:"REALTIME_JOURNAL_ENABLED"`
	JournalHost     string `env:"REALTIME_JOURNAL_HOST"`
	JournalPassword string `env:"REALTIME_JOURNAL_PASSWORD"`
	LogLevel        string `env:"REALTIME_LOG_LEVEL"`
	LogFormat       string `env:"REALTIME_LOG_FORMAT"`
	HealthAddr      string `env:"REALTIME_HEALTH_ADDR"`
}

// applyEnv overlays REALTIME_* variables onto the file values.
func (c *ClientConfig) applyEnv() error {
	var o envOverlay
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.URL, o.ServerURL)
	set(&c.Auth.Token, o.Token)
	set(&c.Auth.TokenFile, o.TokenFile)
	set(&c.Auth.Endpoint, o.TokenEndpoint)
	set(&c.Auth.EndpointAPIKey, o.TokenAPIKey)
	set(&c.Auth.Identity, o.Identity)
	set(&c.Journal.Database.Host, o.JournalHost)
	set(&c.Journal.Database.Password, o.JournalPassword)
	set(&c.Logging.Level, o.LogLevel)
	set(&c.Logging.Format, o.LogFormat)
	set(&c.Health.Addr, o.HealthAddr)

	if o.MaxAttempts != "" {
		n, err := strconv.Atoi(o.MaxAttempts)
		if err != nil {
			return fmt.Errorf("REALTIME_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Reconnect.MaxAttempts = &n
	}
	if o.JournalEnabled != "" {
		enabled, err := strconv.ParseBool(o.JournalEnabled)
		if err != nil {
			return fmt.Errorf("REALTIME_JOURNAL_ENABLED: %w", err)
		}
		c.Journal.Enabled = enabled
	}

	return nil
}
