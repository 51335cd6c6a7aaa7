package audit

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rickchristie/oracle-mcp/internal/sanitize"
)

const (
	// MaxQueryLength bounds the stored query text, in characters.
	MaxQueryLength = 1000
	// MaxMessageLength bounds the stored result message, in characters.
	MaxMessageLength = 200

	DefaultReportWindow     = 24 * time.Hour
	DefaultSuspiciousWindow = time.Hour

	FailureThreshold  = 5
	ActivityThreshold = 100
)

// Finding types.
const (
	FindingMultipleFailures = "MULTIPLE_FAILURES"
	FindingHighActivity     = "HIGH_ACTIVITY"
)

// Log records entries to a Store and answers questions about them.
type Log struct {
	store    Store
	redactor *sanitize.Sanitizer
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Log over store. Panics if store is nil.
func New(store Store, logger zerolog.Logger) *Log {
	if store == nil {
		panic("audit: store must not be nil")
	}
	return &Log{
		store:    store,
		redactor: sanitize.MustSanitizer(sanitize.QueryRedactions()),
		logger:   logger,
		now:      time.Now,
	}
}

// Store returns the underlying store.
func (l *Log) Store() Store { return l.store }

// Record stores e after filling its id and timestamp, redacting secrets from
// the query and bounding its text fields. A store failure is logged and
// otherwise ignored; the stored form of the entry is returned either way.
func (l *Log) Record(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = "unknown"
	}
	if e.SessionID == "" {
		e.SessionID = "unknown"
	}
	e.Query = truncate(l.redactor.String(e.Query), MaxQueryLength)
	e.Result.Message = truncate(l.redactor.String(e.Result.Message), MaxMessageLength)
	e.Result.Success = e.Success

	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Error().Err(err).
			Str("audit_id", e.ID).
			Str("user", e.User).
			Str("operation", e.Operation).
			Msg("failed to write audit entry")
		return e
	}
	l.logger.Debug().
		Str("audit_id", e.ID).
		Str("user", e.User).
		Str("operation", e.Operation).
		Str("resource", e.Resource).
		Bool("success", e.Success).
		Msg("operation audited")
	return e
}

// Redact applies the audit redaction rules to s.
func (l *Log) Redact(s string) string {
	return l.redactor.String(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// ReportFilter narrows a report. Zero times select the default window ending
// now; User and Operation match as case-insensitive substrings.
type ReportFilter struct {
	Start     time.Time
	End       time.Time
	User      string
	Operation string
	Success   *bool
}

// Counts is a success/failure tally.
type Counts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (c *Counts) add(success bool) {
	c.Total++
	if success {
		c.Success++
	} else {
		c.Failure++
	}
}

// UserStats is a per-identity tally with a per-operation breakdown.
type UserStats struct {
	Counts
	Operations map[string]int `json:"operations"`
}

// Report aggregates entries in a window.
type Report struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Counts
	ByUser      map[string]*UserStats `json:"by_user"`
	ByOperation map[string]*Counts    `json:"by_operation"`
}

// Report reads entries matching f and aggregates them.
func (l *Log) Report(ctx context.Context, f ReportFilter) (*Report, error) {
	end := f.End
	if end.IsZero() {
		end = l.now().UTC()
	}
	start := f.Start
	if start.IsZero() {
		start = end.Add(-DefaultReportWindow)
	}
	entries, err := l.store.Read(ctx, start, end)
	if err != nil {
		return nil, err
	}

	user := strings.ToLower(f.User)
	op := strings.ToLower(f.Operation)
	rep := &Report{
		Start:       start,
		End:         end,
		ByUser:      make(map[string]*UserStats),
		ByOperation: make(map[string]*Counts),
	}
	for _, e := range entries {
		if user != "" && !strings.Contains(strings.ToLower(e.User), user) {
			continue
		}
		if op != "" && !strings.Contains(strings.ToLower(e.Operation), op) {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		rep.add(e.Success)

		us, ok := rep.ByUser[e.User]
		if !ok {
			us = &UserStats{Operations: make(map[string]int)}
			rep.ByUser[e.User] = us
		}
		us.add(e.Success)
		us.Operations[e.Operation]++

		oc, ok := rep.ByOperation[e.Operation]
		if !ok {
			oc = &Counts{}
			rep.ByOperation[e.Operation] = oc
		}
		oc.add(e.Success)
	}
	return rep, nil
}

// Finding is one suspicious-activity result.
type Finding struct {
	User   string `json:"user"`
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Window string `json:"window"`
}

// DetectSuspicious flags identities with at least FailureThreshold failures
// or ActivityThreshold operations in the trailing window. A zero window means
// DefaultSuspiciousWindow. Findings are sorted by user, then type.
func (l *Log) DetectSuspicious(ctx context.Context, window time.Duration) ([]Finding, error) {
	if window <= 0 {
		window = DefaultSuspiciousWindow
	}
	end := l.now().UTC()
	start := end.Add(-window)
	entries, err := l.store.Read(ctx, start, end)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]int)
	totals := make(map[string]int)
	for _, e := range entries {
		if !e.Timestamp.After(start) {
			continue
		}
		totals[e.User]++
		if !e.Success {
			failures[e.User]++
		}
	}

	var out []Finding
	for user, n := range failures {
		if n >= FailureThreshold {
			out = append(out, Finding{User: user, Type: FindingMultipleFailures, Count: n, Window: window.String()})
		}
	}
	for user, n := range totals {
		if n >= ActivityThreshold {
			out = append(out, Finding{User: user, Type: FindingHighActivity, Count: n, Window: window.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// Close closes the store.
func (l *Log) Close() error {
	return l.store.Close()
}
