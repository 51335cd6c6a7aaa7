package oramcp

import (
	"context"
	"fmt"

	"github.com/rickchristie/oracle-mcp/internal/migration"
)

// MigrationInput is the input of validate_migration_script.
type MigrationInput struct {
	Script       string `json:"script"`
	TargetSchema string `json:"target_schema"`
}

// MigrationOutput wraps a lint report.
type MigrationOutput struct {
	Report *migration.Report `json:"report,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (o *MigrationOutput) toolError() string { return o.Error }

// TemplateInput is the input of migration_template.
type TemplateInput struct {
	Type   string                   `json:"type"`
	Params migration.TemplateParams `json:"params"`
}

// TemplateOutput carries a rendered migration script.
type TemplateOutput struct {
	Type   string `json:"type"`
	Script string `json:"script,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (o *TemplateOutput) toolError() string { return o.Error }

// ValidateMigrationScript lints a migration script without running it.
func (p *OracleMcp) ValidateMigrationScript(ctx context.Context, in MigrationInput) *MigrationOutput {
	start := p.now()
	rep, err := migration.Validate(in.Script, in.TargetSchema)
	detail := fmt.Sprintf("target_schema=%s bytes=%d", in.TargetSchema, len(in.Script))
	if err == nil {
		detail += " status=" + string(rep.Status)
	}
	p.recordOperation(ctx, "validate_migration_script", detail, start, err)
	if err != nil {
		return &MigrationOutput{Error: err.Error()}
	}
	return &MigrationOutput{Report: &rep}
}

// MigrationTemplate renders a starter script. The author defaults to the
// caller identity.
func (p *OracleMcp) MigrationTemplate(ctx context.Context, in TemplateInput) *TemplateOutput {
	start := p.now()
	if in.Params.Author == "" {
		in.Params.Author = CallerFrom(ctx).Identity
	}
	script, err := migration.Template(in.Type, in.Params, start)
	p.recordOperation(ctx, "migration_template", fmt.Sprintf("type=%s schema=%s", in.Type, in.Params.Schema), start, err)
	out := &TemplateOutput{Type: in.Type, Script: script}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
