// Package audit keeps the append-only trail of every dispatched operation and
// derives reports and suspicious-activity findings from it.
package audit

import (
	"context"
	"time"
)

// Result is the outcome recorded with an entry.
type Result struct {
	Success      bool   `json:"success"`
	RowsAffected int64  `json:"rows_affected"`
	Message      string `json:"message,omitempty"`
}

// Entry is one audited operation. Entries are never modified once stored.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user"`
	Operation  string    `json:"operation"`
	Resource   string    `json:"resource"`
	Query      string    `json:"query"`
	Result     Result    `json:"result"`
	Success    bool      `json:"success"`
	IPAddress  string    `json:"ip_address"`
	SessionID  string    `json:"session_id"`
	Connection string    `json:"connection,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Rule       string    `json:"rule,omitempty"`
}

// Store persists entries. Implementations must make each Append atomic with
// respect to concurrent Appends. Buffered stores (ClickHouseStore) may make
// an entry visible to Read, and so to Report, only after a flush.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Read returns entries with start <= timestamp <= end, oldest first.
	Read(ctx context.Context, start, end time.Time) ([]Entry, error)
	Close() error
}
