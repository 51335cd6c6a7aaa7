package migration

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// TemplateParams fills the placeholders of a migration template. Empty
// fields fall back to illustrative names.
type TemplateParams struct {
	Schema      string `json:"schema"`
	Table       string `json:"table,omitempty"`
	Column      string `json:"column,omitempty"`
	SourceTable string `json:"source_table,omitempty"`
	TargetTable string `json:"target_table,omitempty"`
	Author      string `json:"author,omitempty"`
}

var templates = map[string]*template.Template{
	"CREATE_TABLE": template.Must(template.New("CREATE_TABLE").Parse(`-- Migration: create table {{.Schema}}.{{.Table}}
-- Date: {{.Date}}
-- Author: {{.Author}}

DECLARE
    v_count NUMBER;
BEGIN
    -- Skip when the table already exists
    SELECT COUNT(*) INTO v_count
      FROM all_tables
     WHERE owner = '{{.Schema}}' AND table_name = '{{.Table}}';

    IF v_count = 0 THEN
        EXECUTE IMMEDIATE 'CREATE TABLE {{.Schema}}.{{.Table}} (
            id           NUMBER PRIMARY KEY,
            name         VARCHAR2(100) NOT NULL,
            created_date DATE DEFAULT SYSDATE
        )';
        EXECUTE IMMEDIATE 'CREATE INDEX {{.Schema}}.IDX_{{.Table}}_NAME ON {{.Schema}}.{{.Table}} (name)';
        EXECUTE IMMEDIATE 'COMMENT ON TABLE {{.Schema}}.{{.Table}} IS ''Created by migration''';
        DBMS_OUTPUT.PUT_LINE('Table created');
    ELSE
        DBMS_OUTPUT.PUT_LINE('Table already exists');
    END IF;
END;
/
`)),

	"ALTER_TABLE": template.Must(template.New("ALTER_TABLE").Parse(`-- Migration: add column {{.Column}} to {{.Schema}}.{{.Table}}
-- Date: {{.Date}}
-- Author: {{.Author}}

-- Backup of the original table
CREATE TABLE {{.Schema}}.{{.Table}}_BACKUP AS
SELECT * FROM {{.Schema}}.{{.Table}};

DECLARE
    v_count NUMBER;
BEGIN
    -- Skip when the column already exists
    SELECT COUNT(*) INTO v_count
      FROM all_tab_columns
     WHERE owner = '{{.Schema}}' AND table_name = '{{.Table}}' AND column_name = '{{.Column}}';

    IF v_count = 0 THEN
        EXECUTE IMMEDIATE 'ALTER TABLE {{.Schema}}.{{.Table}} ADD {{.Column}} VARCHAR2(50)';
        EXECUTE IMMEDIATE 'UPDATE {{.Schema}}.{{.Table}} SET {{.Column}} = ''DEFAULT_VALUE'' WHERE {{.Column}} IS NULL';
        COMMIT;
        DBMS_OUTPUT.PUT_LINE('Column added');
    ELSE
        DBMS_OUTPUT.PUT_LINE('Column already exists');
    END IF;
END;
/
`)),

	"DATA_MIGRATION": template.Must(template.New("DATA_MIGRATION").Parse(`-- Migration: copy data from {{.Schema}}.{{.SourceTable}} to {{.Schema}}.{{.TargetTable}}
-- Date: {{.Date}}
-- Author: {{.Author}}

-- Row count before migrating
SELECT COUNT(*) AS total_records FROM {{.Schema}}.{{.SourceTable}};

-- Backup of the source data
CREATE TABLE {{.Schema}}.{{.SourceTable}}_BACKUP AS
SELECT * FROM {{.Schema}}.{{.SourceTable}};

-- Migrate
INSERT INTO {{.Schema}}.{{.TargetTable}} (col1, col2, col3)
SELECT col1, col2, col3
  FROM {{.Schema}}.{{.SourceTable}}
 WHERE condition = 'value';

-- Integrity check
SELECT COUNT(*) AS migrated_records FROM {{.Schema}}.{{.TargetTable}};

COMMIT;
`)),
}

// TemplateTypes lists the template names Template accepts.
func TemplateTypes() []string {
	names := make([]string, 0, len(templates))
	for n := range templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Template renders the named migration template. Every identifier in p is
// validated and uppercased before it is placed in the script.
func Template(kind string, p TemplateParams, now time.Time) (string, error) {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	tmpl, ok := templates[kind]
	if !ok {
		return "", errs.Validation("unknown_template",
			fmt.Sprintf("unknown migration template %q (valid: %s)", kind, strings.Join(TemplateTypes(), ", ")))
	}

	if p.Schema == "" {
		return "", errs.Validation("missing_target_schema", "schema is required")
	}
	fields := []struct {
		v        *string
		fallback string
	}{
		{&p.Schema, ""},
		{&p.Table, "NEW_TABLE"},
		{&p.Column, "NEW_COLUMN"},
		{&p.SourceTable, "SOURCE_TABLE"},
		{&p.TargetTable, "TARGET_TABLE"},
	}
	for _, f := range fields {
		if *f.v == "" {
			*f.v = f.fallback
			continue
		}
		id, err := security.NormalizeIdentifier(*f.v)
		if err != nil {
			return "", err
		}
		*f.v = id
	}
	// The author lands in a line comment.
	p.Author = strings.Join(strings.Fields(p.Author), " ")
	if p.Author == "" {
		p.Author = "[YOUR_NAME]"
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		TemplateParams
		Date string
	}{p, now.UTC().Format(time.RFC3339)})
	if err != nil {
		return "", fmt.Errorf("migration: render %s: %w", kind, err)
	}
	return buf.String(), nil
}
