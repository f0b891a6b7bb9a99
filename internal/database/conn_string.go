package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/realtime-client/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
// appName is reported as application_name when non-empty.
func BuildConnString(cfg config.DBConfig, appName string) string {
	q := url.Values{}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redacted returns the connection string with the password masked, for logs.
func Redacted(cfg config.DBConfig) string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Name)
}
