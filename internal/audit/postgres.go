package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS oramcp_audit_log (
	id        TEXT PRIMARY KEY,
	ts        TIMESTAMPTZ NOT NULL,
	user_name TEXT NOT NULL,
	operation TEXT NOT NULL,
	success   BOOLEAN NOT NULL,
	entry     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS oramcp_audit_log_ts ON oramcp_audit_log(ts);
`

// PostgresStore keeps entries in a shared Postgres database so several
// server instances can report over one trail.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connString and creates the table if needed.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO oramcp_audit_log(id, ts, user_name, operation, success, entry) VALUES($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Timestamp, e.User, e.Operation, e.Success, raw,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Read bounds are widened to whole microseconds to match TIMESTAMPTZ
// precision, then re-checked against the stored entry.
func (s *PostgresStore) Read(ctx context.Context, start, end time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM oramcp_audit_log WHERE ts >= $1 AND ts <= $2 ORDER BY ts`,
		start.Truncate(time.Microsecond), end.Truncate(time.Microsecond).Add(time.Microsecond),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()
	all, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
