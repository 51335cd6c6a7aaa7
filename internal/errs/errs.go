// Package errs provides the error type shared by every oracle-mcp subsystem.
//
// Registry, connection manager, validator and dispatcher all return *errs.Error
// so that callers (tool handlers, the audit log) can classify a failure without
// importing driver packages:
//
//	if errs.IsValidation(err) {
//	    rule := errs.RuleOf(err)
//	    ...
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind categorises an error.
type Kind int

const (
	KindUnknown           Kind = iota
	KindConfiguration          // bad or missing connection config
	KindUnknownConnection      // caller referenced a name not in the registry
	KindConnection             // cannot reach the database, including exhausted mode negotiation
	KindValidation             // rejected before touching the database
	KindExecution              // the database ran the statement and it failed
	KindRateLimited            // identity exceeded its request budget
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUnknownConnection:
		return "unknown_connection"
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is the single error type returned across oracle-mcp.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Connection is the connection name involved, if any.
	Connection string
	// ClientMode is the driver mode ("thin"/"thick") active when a
	// connection failure happened.
	ClientMode string
	// Rule names the validation rule that rejected the input.
	Rule string
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Rule != "" {
		msg = fmt.Sprintf("%s (rule: %s)", msg, e.Rule)
	}
	if e.Connection != "" {
		msg = fmt.Sprintf("%s [connection=%s", msg, e.Connection)
		if e.ClientMode != "" {
			msg += " mode=" + e.ClientMode
		}
		msg += "]"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message and cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Configuration reports an invalid or missing connection configuration.
func Configuration(msg string, cause error) *Error {
	return Wrap(KindConfiguration, msg, cause)
}

// UnknownConnection reports a connection name absent from the registry.
func UnknownConnection(name string) *Error {
	return &Error{
		Kind:       KindUnknownConnection,
		Message:    fmt.Sprintf("connection %q is not configured", name),
		Connection: name,
	}
}

// Connection reports a failure to reach the database.
func Connection(name, mode, msg string, cause error) *Error {
	return &Error{
		Kind:       KindConnection,
		Message:    msg,
		Cause:      cause,
		Connection: name,
		ClientMode: mode,
	}
}

// Validation reports an input rejected by the given rule.
func Validation(rule, msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Rule: rule}
}

// Execution reports a statement the database accepted but failed to run.
func Execution(msg string, cause error) *Error {
	return Wrap(KindExecution, msg, cause)
}

// RateLimited reports a request rejected by the per-identity limiter.
func RateLimited(identity string) *Error {
	return New(KindRateLimited, fmt.Sprintf("rate limit exceeded for %q", identity))
}

// --- Predicates ---

func IsConfiguration(err error) bool     { return KindOf(err) == KindConfiguration }
func IsUnknownConnection(err error) bool { return KindOf(err) == KindUnknownConnection }
func IsConnection(err error) bool        { return KindOf(err) == KindConnection }
func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsExecution(err error) bool         { return KindOf(err) == KindExecution }
func IsRateLimited(err error) bool       { return KindOf(err) == KindRateLimited }

// KindOf returns the Kind of the first *Error in err's chain,
// or KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RuleOf returns the validation rule carried by err, or "".
func RuleOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Rule
	}
	return ""
}
