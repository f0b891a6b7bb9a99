// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// REALTIME_* environment variables are applied after the file and win over it.
package config
