package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/oracle-mcp/internal/connmgr"
)

// Conn wraps a pooled *sql.DB. Safe for concurrent use.
type Conn struct {
	db   *sql.DB
	name string
	mode connmgr.Mode
}

// Execute runs query. SELECT/WITH statements return rows; everything else
// returns the affected row count.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (*connmgr.Result, error) {
	if IsQuery(query) {
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectRows(rows)
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL reports no row count.
		n = 0
	}
	return &connmgr.Result{RowsAffected: n}, nil
}

// Close closes the underlying pool.
func (c *Conn) Close() error {
	return c.db.Close()
}

// IsQuery reports whether the statement returns rows.
func IsQuery(query string) bool {
	q := strings.ToUpper(strings.TrimLeft(query, " \t\r\n("))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}

func collectRows(rows *sql.Rows) (*connmgr.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	result := &connmgr.Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			values[i] = convertValue(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// convertValue makes driver values JSON-friendly.
func convertValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}
