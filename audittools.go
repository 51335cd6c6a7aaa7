package oramcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// RuleInvalidTime rejects timestamps that are not RFC 3339.
const RuleInvalidTime = "invalid_time"

// errNoArchive is returned by export_audit_log when no archive is configured.
var errNoArchive = errors.New("audit archive is not configured")

// AuditWindow bounds an audit query. Empty times select the last 24 hours.
type AuditWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w AuditWindow) parse() (start, end time.Time, err error) {
	parse := func(field, v string) (time.Time, error) {
		if strings.TrimSpace(v) == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, errs.Validation(RuleInvalidTime, fmt.Sprintf("%s %q is not an RFC 3339 timestamp", field, v))
		}
		return t.UTC(), nil
	}
	if start, err = parse("start", w.Start); err != nil {
		return
	}
	if end, err = parse("end", w.End); err != nil {
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		err = errs.Validation(RuleInvalidTime, "end is before start")
	}
	return
}

// AuditReportInput filters audit_report.
type AuditReportInput struct {
	AuditWindow
	User      string `json:"user"`
	Operation string `json:"operation"`
	Success   *bool  `json:"success"`
}

// AuditReportOutput is the aggregate returned by audit_report.
type AuditReportOutput struct {
	Report *audit.Report `json:"report,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (o *AuditReportOutput) toolError() string { return o.Error }

// SuspiciousInput sets the look-back window of suspicious_activity.
type SuspiciousInput struct {
	WindowMinutes int `json:"window_minutes"`
}

// SuspiciousOutput lists findings in the window.
type SuspiciousOutput struct {
	Window   string          `json:"window"`
	Findings []audit.Finding `json:"findings"`
	Error    string          `json:"error,omitempty"`
}

func (o *SuspiciousOutput) toolError() string { return o.Error }

// PolicyOutput carries the policy in force after an update.
type PolicyOutput struct {
	Policy *security.Policy `json:"policy,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (o *PolicyOutput) toolError() string { return o.Error }

// ExportOutput describes an uploaded audit export.
type ExportOutput struct {
	Object *audit.ObjectInfo `json:"object,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (o *ExportOutput) toolError() string { return o.Error }

// AuditReport aggregates audit entries by user and operation.
func (p *OracleMcp) AuditReport(ctx context.Context, in AuditReportInput) *AuditReportOutput {
	start := p.now()
	from, to, err := in.parse()
	var rep *audit.Report
	if err == nil {
		rep, err = p.audit.Report(ctx, audit.ReportFilter{
			Start:     from,
			End:       to,
			User:      in.User,
			Operation: in.Operation,
			Success:   in.Success,
		})
	}
	p.recordOperation(ctx, "audit_report", fmt.Sprintf("start=%s end=%s user=%s operation=%s", in.Start, in.End, in.User, in.Operation), start, err)
	if err != nil {
		return &AuditReportOutput{Error: err.Error()}
	}
	return &AuditReportOutput{Report: rep}
}

// SuspiciousActivity reports identities with repeated failures or unusually
// high activity.
func (p *OracleMcp) SuspiciousActivity(ctx context.Context, in SuspiciousInput) *SuspiciousOutput {
	start := p.now()
	window := audit.DefaultSuspiciousWindow
	if in.WindowMinutes > 0 {
		window = time.Duration(in.WindowMinutes) * time.Minute
	}
	findings, err := p.audit.DetectSuspicious(ctx, window)
	p.recordOperation(ctx, "suspicious_activity", "window="+window.String(), start, err)
	out := &SuspiciousOutput{Window: window.String(), Findings: findings}
	if err != nil {
		out.Error = err.Error()
	}
	if out.Findings == nil {
		out.Findings = []audit.Finding{}
	}
	return out
}

// UpdateSecurityPolicy merges the given fields into the live policy. The
// policy is validated before it replaces the old one; an empty update
// returns the policy in force.
func (p *OracleMcp) UpdateSecurityPolicy(ctx context.Context, in security.PolicyUpdate) *PolicyOutput {
	start := p.now()
	pol, err := p.validator.UpdatePolicy(in)
	p.recordOperation(ctx, "update_security_policy", describeUpdate(in), start, err)
	if err != nil {
		return &PolicyOutput{Error: err.Error()}
	}
	return &PolicyOutput{Policy: &pol}
}

func describeUpdate(u security.PolicyUpdate) string {
	var fields []string
	if u.MaxQueryLength != nil {
		fields = append(fields, fmt.Sprintf("max_query_length=%d", *u.MaxQueryLength))
	}
	if u.DangerousKeywords != nil {
		fields = append(fields, "dangerous_keywords="+strings.Join(*u.DangerousKeywords, ","))
	}
	if u.AllowedSchemas != nil {
		fields = append(fields, "allowed_schemas="+strings.Join(*u.AllowedSchemas, ","))
	}
	if u.BlockedSchemas != nil {
		fields = append(fields, "blocked_schemas="+strings.Join(*u.BlockedSchemas, ","))
	}
	if u.MaxRowsAffected != nil {
		fields = append(fields, fmt.Sprintf("max_rows_affected=%d", *u.MaxRowsAffected))
	}
	if len(fields) == 0 {
		return "no changes"
	}
	return strings.Join(fields, " ")
}

// ExportAuditLog uploads the entries in the window to the configured archive.
func (p *OracleMcp) ExportAuditLog(ctx context.Context, in AuditWindow) *ExportOutput {
	start := p.now()
	var info audit.ObjectInfo
	from, to, err := in.parse()
	if err == nil {
		if p.archiver == nil {
			err = errNoArchive
		} else {
			info, err = p.audit.Export(ctx, p.archiver, from, to)
		}
	}
	p.recordOperation(ctx, "export_audit_log", fmt.Sprintf("start=%s end=%s", in.Start, in.End), start, err)
	if err != nil {
		return &ExportOutput{Error: err.Error()}
	}
	return &ExportOutput{Object: &info}
}
