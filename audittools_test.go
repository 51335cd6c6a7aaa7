package oramcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/migration"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

func TestAuditReport(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	for i := 0; i < 3; i++ {
		expectSuccess(t, p.InsertData(withCaller("alice"), oramcp.InsertInput{Table: "regions", Data: map[string]any{"region_id": i}}))
	}
	for i := 0; i < 2; i++ {
		expectRejected(t, p.SelectData(withCaller("bob"), oramcp.SelectInput{Schema: "sys", Table: "obj$"}), "validation", security.RuleBlockedSchema)
	}

	out := p.AuditReport(withCaller("auditor"), oramcp.AuditReportInput{User: "ali"})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	rep := out.Report
	if rep.Total != 3 || rep.Success != 3 || len(rep.ByUser) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if us := rep.ByUser["alice"]; us == nil || us.Operations["INSERT"] != 3 {
		t.Fatalf("unexpected alice stats %+v", rep.ByUser["alice"])
	}

	failed := p.AuditReport(withCaller("auditor"), oramcp.AuditReportInput{Success: boolPtr(false)})
	if failed.Report.Total != 2 || failed.Report.Failure != 2 || failed.Report.ByOperation["SELECT"].Failure != 2 {
		t.Fatalf("unexpected failure report %+v", failed.Report)
	}

	e := p.store.last(t)
	if e.Operation != "ADMIN" || e.Resource != "audit_report" || e.User != "auditor" || !e.Success {
		t.Fatalf("expected the report itself to be audited, got %+v", e)
	}
}

func TestAuditReportInvalidWindow(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	tests := []oramcp.AuditWindow{
		{Start: "yesterday"},
		{End: "2026-13-01T00:00:00Z"},
		{Start: "2026-03-02T00:00:00Z", End: "2026-03-01T00:00:00Z"},
	}
	for _, w := range tests {
		out := p.AuditReport(context.Background(), oramcp.AuditReportInput{AuditWindow: w})
		if out.Report != nil || !strings.Contains(out.Error, oramcp.RuleInvalidTime) {
			t.Fatalf("%+v: expected invalid time error, got %+v", w, out)
		}
		if e := p.store.last(t); e.Success || e.Rule != oramcp.RuleInvalidTime {
			t.Fatalf("expected failed audit entry, got %+v", e)
		}
	}
}

func TestSuspiciousActivity(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	for i := 0; i < audit.FailureThreshold; i++ {
		p.DeleteData(withCaller("mallory"), oramcp.DeleteInput{Table: "employees"})
	}
	p.DeleteData(withCaller("alice"), oramcp.DeleteInput{Table: "employees"})

	out := p.SuspiciousActivity(withCaller("auditor"), oramcp.SuspiciousInput{WindowMinutes: 30})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if out.Window != "30m0s" {
		t.Fatalf("unexpected window %q", out.Window)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("expected one finding, got %+v", out.Findings)
	}
	f := out.Findings[0]
	if f.User != "mallory" || f.Type != audit.FindingMultipleFailures || f.Count != audit.FailureThreshold {
		t.Fatalf("unexpected finding %+v", f)
	}
}

func TestSuspiciousActivityNoFindings(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	out := p.SuspiciousActivity(context.Background(), oramcp.SuspiciousInput{})
	if out.Findings == nil || len(out.Findings) != 0 {
		t.Fatalf("expected an empty, non-nil finding list, got %#v", out.Findings)
	}
	if out.Window != audit.DefaultSuspiciousWindow.String() {
		t.Fatalf("unexpected window %q", out.Window)
	}
}

func TestUpdateSecurityPolicy(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())
	ctx := withCaller("dba")

	expectRejected(t, p.SelectData(ctx, oramcp.SelectInput{Schema: "finance", Table: "ledger"}), "validation", security.RuleSchemaNotAllowed)

	allowed := []string{"hr", "scott", "finance"}
	out := p.UpdateSecurityPolicy(ctx, security.PolicyUpdate{AllowedSchemas: &allowed})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if got := strings.Join(out.Policy.AllowedSchemas, ","); got != "HR,SCOTT,FINANCE" {
		t.Fatalf("unexpected allowed schemas %s", got)
	}
	if out.Policy.MaxQueryLength != security.DefaultPolicy().MaxQueryLength {
		t.Fatalf("expected untouched fields to keep their values, got %+v", out.Policy)
	}
	expectSuccess(t, p.SelectData(ctx, oramcp.SelectInput{Schema: "finance", Table: "ledger"}))

	e := p.store.last(t)
	if e.Resource != "select_data" {
		t.Fatalf("unexpected last entry %+v", e)
	}
	var update audit.Entry
	for _, entry := range p.store.all() {
		if entry.Resource == "update_security_policy" {
			update = entry
		}
	}
	if update.Query != "allowed_schemas=hr,scott,finance" || update.User != "dba" {
		t.Fatalf("unexpected policy audit entry %+v", update)
	}
}

func TestUpdateSecurityPolicyInvalid(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	zero := 0
	out := p.UpdateSecurityPolicy(context.Background(), security.PolicyUpdate{MaxRowsAffected: &zero})
	if out.Policy != nil || !strings.Contains(out.Error, "max_rows_affected must be > 0") {
		t.Fatalf("expected rejection, got %+v", out)
	}
	if got := p.Validator().Policy().MaxRowsAffected; got != security.DefaultPolicy().MaxRowsAffected {
		t.Fatalf("expected policy to be unchanged, got max_rows_affected %d", got)
	}

	current := p.UpdateSecurityPolicy(context.Background(), security.PolicyUpdate{})
	if current.Error != "" || current.Policy == nil {
		t.Fatalf("expected empty update to return the policy, got %+v", current)
	}
	if e := p.store.last(t); e.Query != "no changes" {
		t.Fatalf("unexpected audit detail %q", e.Query)
	}
}

// memUploader keeps the last uploaded object.
type memUploader struct {
	key  string
	body []byte
}

func (u *memUploader) Upload(_ context.Context, key string, r io.Reader, size int64) (audit.ObjectInfo, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return audit.ObjectInfo{}, err
	}
	u.key, u.body = key, b
	return audit.ObjectInfo{Bucket: "audit", Key: key, Size: size}, nil
}

func TestExportAuditLog(t *testing.T) {
	t.Parallel()
	up := &memUploader{}
	p := newTestInstance(t, defaultConfig(), oramcp.WithArchiver(up))

	expectSuccess(t, p.InsertData(withCaller("alice"), oramcp.InsertInput{Table: "regions", Data: map[string]any{"region_id": 1}}))
	expectSuccess(t, p.DeleteData(withCaller("alice"), oramcp.DeleteInput{Table: "regions", Where: "region_id = 1"}))

	out := p.ExportAuditLog(withCaller("auditor"), oramcp.AuditWindow{})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if out.Object.Entries != 2 || out.Object.Bucket != "audit" || out.Object.Size != int64(len(up.body)) {
		t.Fatalf("unexpected object %+v", out.Object)
	}
	if !strings.HasPrefix(up.key, "audit-") || !strings.HasSuffix(up.key, ".jsonl") {
		t.Fatalf("unexpected key %q", up.key)
	}
	lines := bytes.Split(bytes.TrimSpace(up.body), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", len(lines))
	}
	var first audit.Entry
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("invalid export line: %v", err)
	}
	if first.Resource != "insert_data" || first.User != "alice" {
		t.Fatalf("unexpected first entry %+v", first)
	}
}

func TestExportAuditLogWithoutArchive(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	out := p.ExportAuditLog(context.Background(), oramcp.AuditWindow{})
	if out.Object != nil || out.Error != "audit archive is not configured" {
		t.Fatalf("unexpected output %+v", out)
	}
	if e := p.store.last(t); e.Resource != "export_audit_log" || e.Success {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}

func TestValidateMigrationScript(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	out := p.ValidateMigrationScript(withCaller("dev"), oramcp.MigrationInput{
		Script:       "DROP TABLE HR.LEGACY_ORDERS;\n",
		TargetSchema: "hr",
	})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if out.Report.Status != migration.StatusRejected || out.Report.TargetSchema != "HR" {
		t.Fatalf("unexpected report %+v", out.Report)
	}
	if len(out.Report.DangerousOperations) != 1 || out.Report.DangerousOperations[0] != "DROP TABLE" {
		t.Fatalf("unexpected dangerous operations %v", out.Report.DangerousOperations)
	}
	e := p.store.last(t)
	if e.Operation != "ADMIN" || !strings.Contains(e.Query, "status=rejected") || !e.Success {
		t.Fatalf("unexpected audit entry %+v", e)
	}
	if n := len(p.driver.executed()); n != 0 {
		t.Fatalf("expected linting not to touch the database, got %v", p.driver.queries())
	}

	short := p.ValidateMigrationScript(context.Background(), oramcp.MigrationInput{Script: "x;", TargetSchema: "hr"})
	if short.Report != nil || !strings.Contains(short.Error, "script_too_short") {
		t.Fatalf("expected short script rejection, got %+v", short)
	}
}

func TestMigrationTemplate(t *testing.T) {
	t.Parallel()
	p := newTestInstance(t, defaultConfig())

	out := p.MigrationTemplate(withCaller("carol"), oramcp.TemplateInput{
		Type:   "create_table",
		Params: migration.TemplateParams{Schema: "hr", Table: "projects"},
	})
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if !strings.Contains(out.Script, "-- Author: carol") || !strings.Contains(out.Script, "HR.PROJECTS") {
		t.Fatalf("unexpected script:\n%s", out.Script)
	}

	bad := p.MigrationTemplate(context.Background(), oramcp.TemplateInput{Type: "rebuild_everything", Params: migration.TemplateParams{Schema: "hr"}})
	if bad.Script != "" || !strings.Contains(bad.Error, "unknown_template") {
		t.Fatalf("expected unknown template error, got %+v", bad)
	}
	if e := p.store.last(t); e.Resource != "migration_template" || e.Rule != "unknown_template" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}
