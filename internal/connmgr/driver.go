package connmgr

import (
	"context"
	"errors"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/registry"
)

// Driver opens connections to the database. Implementations live in
// internal/oracle; tests use an in-memory fake.
type Driver interface {
	// Connect opens and authenticates a handle for cfg in the given mode.
	// An authentication-compatibility failure should be returned as
	// *AuthCompatibilityError or carry one of the configured signatures.
	Connect(ctx context.Context, cfg registry.ConnectionConfig, mode Mode) (Conn, error)
	// InitThick loads the native client library from libDir.
	InitThick(libDir string) error
}

// Conn is a live, pooled handle for one named connection.
// Implementations must be safe for concurrent use.
type Conn interface {
	Execute(ctx context.Context, query string, args ...any) (*Result, error)
	Close() error
}

// Result is the outcome of Conn.Execute. Queries fill Columns and Rows;
// other statements fill RowsAffected.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// AuthCompatibilityError marks a connect failure caused by a password
// verifier the thin driver cannot speak.
type AuthCompatibilityError struct {
	Cause error
}

func (e *AuthCompatibilityError) Error() string {
	return "authentication verifier not supported in thin mode: " + e.Cause.Error()
}

func (e *AuthCompatibilityError) Unwrap() error { return e.Cause }

// DefaultAuthSignatures are matched case-insensitively against connect errors.
var DefaultAuthSignatures = []string{
	"NJS-116",
	"password verifier type 0x939",
	"ORA-28040",
	"verifier type not supported",
}

func isAuthIncompatible(err error, signatures []string) bool {
	if err == nil {
		return false
	}
	var ace *AuthCompatibilityError
	if errors.As(err, &ace) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range signatures {
		if strings.Contains(msg, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}
