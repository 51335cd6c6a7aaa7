package oramcp

import (
	"context"

	"github.com/rickchristie/oracle-mcp/internal/auth"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// DispatchInput is one SQL operation to validate, run and audit.
type DispatchInput struct {
	// Identity overrides the caller identity carried by ctx.
	Identity string
	Kind     security.Kind
	// Resource names the tool or operation, e.g. "select_data".
	Resource string
	// Connection is the registry name; empty means the default connection.
	Connection string
	Query      string
	Params     []any
	// Batch runs Query once per parameter set and sums the affected rows.
	// Params is ignored when Batch is set.
	Batch [][]any
	// Schemas are schema names supplied outside the statement text (bind
	// parameters, tool arguments) that must pass the schema lists.
	Schemas []string
}

// Result is the outcome of Dispatch. All errors (validation rejections,
// connection failures, Oracle errors, hook rejections) are placed in Error,
// annotated with matching error prompts.
type Result struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message,omitempty"`
	RowsAffected  int64            `json:"rows_affected,omitempty"`
	Columns       []string         `json:"columns,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	Truncated     bool             `json:"truncated,omitempty"`
	CorrelationID string           `json:"correlation_id"`
	Error         string           `json:"error,omitempty"`
	ErrorKind     string           `json:"error_kind,omitempty"`
	Rule          string           `json:"rule,omitempty"`
}

// Caller identifies who issued a request.
type Caller struct {
	Identity  string
	IPAddress string
	SessionID string
}

type callerKey struct{}

// WithCaller returns ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx. A missing identity falls back
// to the one set by the auth middleware, then to anonymous.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.Identity == "" {
		c.Identity = auth.IdentityFrom(ctx)
	}
	if c.Identity == "" {
		c.Identity = auth.Anonymous
	}
	return c
}

func (r *Result) toolError() string {
	if r.Error == "" {
		return ""
	}
	return r.Error + " (correlation_id: " + r.CorrelationID + ")"
}
