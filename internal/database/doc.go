// Package database opens PostgreSQL/TimescaleDB connection pools for the
// event journal.
package database
