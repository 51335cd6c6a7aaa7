package oramcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// RuleUnknownConstraintType rejects an unrecognized constraint filter.
const RuleUnknownConstraintType = "unknown_constraint_type"

// constraintKinds describes the dictionary's constraint type codes.
var constraintKinds = map[string]string{
	"P": "PRIMARY KEY",
	"R": "FOREIGN KEY",
	"U": "UNIQUE",
	"C": "CHECK",
	"O": "READ ONLY",
	"V": "CHECK OPTION",
	"F": "REF COLUMN",
}

// constraintFilters accepts both the codes and their names.
var constraintFilters = map[string]string{
	"PRIMARY KEY":  "P",
	"PRIMARY_KEY":  "P",
	"FOREIGN KEY":  "R",
	"FOREIGN_KEY":  "R",
	"UNIQUE":       "U",
	"CHECK":        "C",
	"NOT NULL":     "C",
	"READ ONLY":    "O",
	"CHECK OPTION": "V",
}

// TableInput addresses a table. Schema defaults to the connection user.
type TableInput struct {
	Connection string `json:"connection"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
}

// SchemaObjectsInput lists a schema's objects, optionally for one table.
type SchemaObjectsInput struct {
	Connection string `json:"connection"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	// Type filters get_constraints: a code (P, R, ...) or a name
	// (PRIMARY KEY, FOREIGN KEY, ...). Empty or ALL means every type.
	Type string `json:"type"`
	// Detailed adds statistics, sequence values or trigger bodies.
	Detailed bool `json:"detailed"`
}

// UserPrivilegesInput narrows get_users_privileges to one user.
type UserPrivilegesInput struct {
	Connection string `json:"connection"`
	User       string `json:"user"`
}

// AnalyzeInput selects a table to gather statistics for. EstimatePercent
// between 1 and 99 samples instead of computing exactly.
type AnalyzeInput struct {
	Connection      string `json:"connection"`
	Schema          string `json:"schema"`
	Table           string `json:"table"`
	EstimatePercent int    `json:"estimate_percent"`
}

// scoped is a bound query against one schema.
type scoped struct {
	connection string
	resource   string
	schema     string
}

func (s scoped) input(query string, args ...any) DispatchInput {
	return DispatchInput{
		Kind:       security.KindSelect,
		Resource:   s.resource,
		Connection: s.connection,
		Query:      query,
		Params:     args,
		Schemas:    []string{s.schema},
	}
}

// scope resolves the schema and table names of an inspection request. A
// rejection is audited and returned as a failed Result.
func (p *OracleMcp) scope(ctx context.Context, resource, connection, schema, table string, tableRequired bool) (scoped, string, *Result) {
	s := scoped{connection: connection, resource: resource}
	fail := func(err error) (scoped, string, *Result) {
		return s, "", p.reject(ctx, DispatchInput{Kind: security.KindSelect, Resource: resource, Connection: connection}, err)
	}
	var err error
	if s.schema, err = p.schemaFor(connection, schema); err != nil {
		return fail(err)
	}
	if table == "" {
		if tableRequired {
			return fail(errs.Validation(security.RuleInvalidIdentifier, "table is required"))
		}
		return s, "", nil
	}
	t, err := security.NormalizeIdentifier(table)
	if err != nil {
		return fail(err)
	}
	return s, t, nil
}

const (
	tableBasicSQL = `SELECT table_name, tablespace_name, num_rows, blocks, avg_row_len, last_analyzed
  FROM dba_tables
 WHERE owner = :1 AND table_name = :2`
	tableColumnsSQL = `SELECT column_name, data_type, data_length, data_precision, data_scale, nullable, data_default
  FROM dba_tab_columns
 WHERE owner = :1 AND table_name = :2
 ORDER BY column_id`
	tableConstraintsSQL = `SELECT constraint_name, constraint_type, search_condition, r_owner, r_constraint_name, status
  FROM dba_constraints
 WHERE owner = :1 AND table_name = :2
 ORDER BY constraint_type, constraint_name`
	tableIndexesSQL = `SELECT index_name, index_type, uniqueness, status, num_rows, last_analyzed
  FROM dba_indexes
 WHERE table_owner = :1 AND table_name = :2
 ORDER BY index_name`
)

// GetTableInfo describes a table: storage, columns, constraints and indexes.
func (p *OracleMcp) GetTableInfo(ctx context.Context, in TableInput) *SectionsOutput {
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	s, table, rejected := p.scope(ctx, "get_table_info", in.Connection, in.Schema, in.Table, true)
	if rejected != nil {
		out.add("table", rejected)
		return out.finalize()
	}
	basic := p.Dispatch(ctx, s.input(tableBasicSQL, s.schema, table))
	out.add("table", basic)
	if basic.Success && len(basic.Rows) == 0 {
		out.Error = fmt.Sprintf("table %s.%s not found", s.schema, table)
		return out
	}
	out.add("columns", p.Dispatch(ctx, s.input(tableColumnsSQL, s.schema, table)))
	out.add("constraints", describeConstraints(p.Dispatch(ctx, s.input(tableConstraintsSQL, s.schema, table))))
	out.add("indexes", p.Dispatch(ctx, s.input(tableIndexesSQL, s.schema, table)))
	return out.finalize()
}

// GetConstraints lists a schema's constraints, optionally for one table and
// one constraint type.
func (p *OracleMcp) GetConstraints(ctx context.Context, in SchemaObjectsInput) *Result {
	s, table, rejected := p.scope(ctx, "get_constraints", in.Connection, in.Schema, in.Table, false)
	if rejected != nil {
		return rejected
	}
	q := `SELECT table_name, constraint_name, constraint_type, search_condition, r_owner, r_constraint_name, status
  FROM dba_constraints
 WHERE owner = :1`
	args := []any{s.schema}
	if table != "" {
		args = append(args, table)
		q += fmt.Sprintf(" AND table_name = :%d", len(args))
	}
	if t := strings.ToUpper(strings.TrimSpace(in.Type)); t != "" && t != "ALL" {
		code, ok := constraintFilters[t]
		if !ok {
			if _, known := constraintKinds[t]; known {
				code, ok = t, true
			}
		}
		if !ok {
			return p.reject(ctx, s.input(q, args...), errs.Validation(RuleUnknownConstraintType, fmt.Sprintf("unknown constraint type %q", in.Type)))
		}
		args = append(args, code)
		q += fmt.Sprintf(" AND constraint_type = :%d", len(args))
	}
	q += " ORDER BY table_name, constraint_type, constraint_name"
	return describeConstraints(p.Dispatch(ctx, s.input(q, args...)))
}

// describeConstraints adds a CONSTRAINT_KIND column naming each type code.
func describeConstraints(r *Result) *Result {
	if !r.Success || len(r.Rows) == 0 {
		return r
	}
	r.Columns = append(r.Columns, "CONSTRAINT_KIND")
	for _, row := range r.Rows {
		code := toString(row["CONSTRAINT_TYPE"])
		kind, ok := constraintKinds[code]
		if !ok {
			kind = code
		}
		row["CONSTRAINT_KIND"] = kind
	}
	return r
}

// GetForeignKeys lists foreign keys with their referenced tables and columns.
func (p *OracleMcp) GetForeignKeys(ctx context.Context, in SchemaObjectsInput) *Result {
	s, table, rejected := p.scope(ctx, "get_foreign_keys", in.Connection, in.Schema, in.Table, false)
	if rejected != nil {
		return rejected
	}
	q := `SELECT a.table_name, a.constraint_name, c.column_name, a.r_owner, b.table_name AS ref_table_name,
       d.column_name AS ref_column_name, a.delete_rule, a.status
  FROM dba_constraints a
  LEFT JOIN dba_constraints b ON a.r_owner = b.owner AND a.r_constraint_name = b.constraint_name
  LEFT JOIN dba_cons_columns c ON a.owner = c.owner AND a.constraint_name = c.constraint_name
  LEFT JOIN dba_cons_columns d ON a.r_owner = d.owner AND a.r_constraint_name = d.constraint_name AND c.position = d.position
 WHERE a.owner = :1 AND a.constraint_type = :2`
	args := []any{s.schema, "R"}
	if table != "" {
		args = append(args, table)
		q += " AND a.table_name = :3"
	}
	q += " ORDER BY a.table_name, a.constraint_name, c.position"
	return p.Dispatch(ctx, s.input(q, args...))
}

// GetIndexes lists a schema's indexes. Detailed adds statistics.
func (p *OracleMcp) GetIndexes(ctx context.Context, in SchemaObjectsInput) *Result {
	s, table, rejected := p.scope(ctx, "get_indexes", in.Connection, in.Schema, in.Table, false)
	if rejected != nil {
		return rejected
	}
	fields := "index_name, table_name, index_type, uniqueness, status, tablespace_name"
	if in.Detailed {
		fields += ", num_rows, last_analyzed, leaf_blocks, distinct_keys"
	}
	q := "SELECT " + fields + " FROM dba_indexes WHERE table_owner = :1"
	args := []any{s.schema}
	if table != "" {
		args = append(args, table)
		q += " AND table_name = :2"
	}
	q += " ORDER BY table_name, index_name"
	return p.Dispatch(ctx, s.input(q, args...))
}

// GetSequences lists a schema's sequences. Detailed adds the next value.
func (p *OracleMcp) GetSequences(ctx context.Context, in SchemaObjectsInput) *Result {
	s, _, rejected := p.scope(ctx, "get_sequences", in.Connection, in.Schema, "", false)
	if rejected != nil {
		return rejected
	}
	fields := "sequence_name, min_value, max_value, increment_by, cycle_flag, order_flag, cache_size"
	if in.Detailed {
		fields += ", last_number"
	}
	q := "SELECT " + fields + " FROM dba_sequences WHERE sequence_owner = :1 ORDER BY sequence_name"
	return p.Dispatch(ctx, s.input(q, s.schema))
}

// GetTriggers lists a schema's triggers. Detailed adds trigger bodies.
func (p *OracleMcp) GetTriggers(ctx context.Context, in SchemaObjectsInput) *Result {
	s, table, rejected := p.scope(ctx, "get_triggers", in.Connection, in.Schema, in.Table, false)
	if rejected != nil {
		return rejected
	}
	fields := "trigger_name, table_name, trigger_type, triggering_event, status, when_clause"
	if in.Detailed {
		fields += ", trigger_body"
	}
	q := "SELECT " + fields + " FROM dba_triggers WHERE owner = :1"
	args := []any{s.schema}
	if table != "" {
		args = append(args, table)
		q += " AND table_name = :2"
	}
	q += " ORDER BY table_name, trigger_name"
	return p.Dispatch(ctx, s.input(q, args...))
}

// GetUsersPrivileges lists non-system users with their roles and system
// privileges.
func (p *OracleMcp) GetUsersPrivileges(ctx context.Context, in UserPrivilegesInput) *SectionsOutput {
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	base := DispatchInput{Kind: security.KindSelect, Resource: "get_users_privileges", Connection: in.Connection}

	var user string
	if in.User != "" {
		u, err := security.NormalizeIdentifier(in.User)
		if err != nil {
			out.add("users", p.reject(ctx, base, err))
			return out.finalize()
		}
		user = u
	}

	run := func(name, query, column string, excluded []any) {
		args := append([]any(nil), excluded...)
		q := query + " WHERE " + column + " NOT IN (" + strings.Join(binds(1, len(excluded)), ", ") + ")"
		if user != "" {
			args = append(args, user)
			q += fmt.Sprintf(" AND %s = :v%d", column, len(args))
		}
		di := base
		di.Query = q + " ORDER BY " + column
		di.Params = args
		out.add(name, p.Dispatch(ctx, di))
	}
	run("users", "SELECT username, account_status, created, default_tablespace, temporary_tablespace, profile FROM dba_users", "username", systemAccounts)
	run("roles", "SELECT grantee, granted_role, admin_option, default_role FROM dba_role_privs", "grantee", []any{"SYS", "SYSTEM"})
	run("system_privileges", "SELECT grantee, privilege, admin_option FROM dba_sys_privs", "grantee", []any{"SYS", "SYSTEM"})
	return out.finalize()
}

// GetTableDependencies lists objects that depend on the table and tables it
// references.
func (p *OracleMcp) GetTableDependencies(ctx context.Context, in TableInput) *SectionsOutput {
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	s, table, rejected := p.scope(ctx, "get_table_dependencies", in.Connection, in.Schema, in.Table, true)
	if rejected != nil {
		out.add("dependents", rejected)
		return out.finalize()
	}
	out.add("dependents", p.Dispatch(ctx, s.input(`SELECT owner, name, type
  FROM dba_dependencies
 WHERE referenced_owner = :1 AND referenced_name = :2 AND referenced_type = :3
 ORDER BY type, name`, s.schema, table, "TABLE")))
	out.add("references", p.Dispatch(ctx, s.input(`SELECT referenced_owner, referenced_name, referenced_type
  FROM dba_dependencies
 WHERE owner = :1 AND name = :2 AND referenced_type = :3
 ORDER BY referenced_type, referenced_name`, s.schema, table, "TABLE")))
	return out.finalize()
}

const tableStatsSQL = `SELECT num_rows, blocks, avg_row_len, sample_size, last_analyzed
  FROM dba_tables
 WHERE owner = :1 AND table_name = :2`

// AnalyzeTable gathers optimizer statistics for a table and returns the
// refreshed figures.
func (p *OracleMcp) AnalyzeTable(ctx context.Context, in AnalyzeInput) *SectionsOutput {
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	s, table, rejected := p.scope(ctx, "analyze_table", in.Connection, in.Schema, in.Table, true)
	if rejected != nil {
		out.add("analyze", rejected)
		return out.finalize()
	}
	stmt := fmt.Sprintf("ANALYZE TABLE %s.%s COMPUTE STATISTICS", s.schema, table)
	if in.EstimatePercent > 0 && in.EstimatePercent < 100 {
		stmt = fmt.Sprintf("ANALYZE TABLE %s.%s ESTIMATE STATISTICS SAMPLE %d PERCENT", s.schema, table, in.EstimatePercent)
	}
	analyze := p.Dispatch(ctx, DispatchInput{
		Kind:       security.KindDDL,
		Resource:   "analyze_table",
		Connection: in.Connection,
		Query:      stmt,
	})
	out.add("analyze", analyze)
	if !analyze.Success {
		out.Error = analyze.Error
		return out
	}
	out.add("statistics", p.Dispatch(ctx, s.input(tableStatsSQL, s.schema, table)))
	return out.finalize()
}
