package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one journaled message.
type Row struct {
	Type       string
	Payload    []byte // Raw JSON, nil when the frame had no payload
	ReceivedAt time.Time
	ClientID   string
}

// Sink stores a batch of rows.
type Sink interface {
	Write(ctx context.Context, rows []Row) (int64, error)
}

var columns = []string{"type", "payload", "received_at", "client_id"}

// PostgresSink copies rows into a table with CopyFrom.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// NewPostgresSink returns a sink writing to table, which may be schema-qualified.
func NewPostgresSink(pool *pgxpool.Pool, table string) *PostgresSink {
	return &PostgresSink{
		pool:  pool,
		table: pgx.Identifier(strings.Split(table, ".")),
	}
}

// EnsureTable creates the journal table and its time index if missing.
func (s *PostgresSink) EnsureTable(ctx context.Context) error {
	name := s.table.Sanitize()
	index := pgx.Identifier{s.table[len(s.table)-1] + "_received_at_idx"}.Sanitize()

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				type        TEXT        NOT NULL,
				payload     JSONB,
				received_at TIMESTAMPTZ NOT NULL,
				client_id   TEXT        NOT NULL
			)`, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (received_at)`, index, name),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure journal table: %w", err)
		}
	}
	return nil
}

// Write copies rows in a single COPY statement.
func (s *PostgresSink) Write(ctx context.Context, rows []Row) (int64, error) {
	return s.pool.CopyFrom(ctx, s.table, columns, pgx.CopyFromRows(copyRows(rows)))
}

func copyRows(rows []Row) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		var payload any
		if r.Payload != nil {
			payload = r.Payload
		}
		out[i] = []any{r.Type, payload, r.ReceivedAt, r.ClientID}
	}
	return out
}
