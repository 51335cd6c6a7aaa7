package oramcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rickchristie/oracle-mcp/internal/errs"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Tablespace usage thresholds, in percent used.
const (
	TablespaceWarnPercent   = 80.0
	TablespaceNoticePercent = 60.0
)

// RuleNotASelect rejects execute_safe_query input that is not a query.
const RuleNotASelect = "not_a_select"

const rowNumColumn = "RNUM__"

var (
	defaultMonitoredSchemas = []string{"HR", "SCOTT", "SYSTEM"}
	defaultSensitiveTables  = []string{"USERS", "ACCOUNTS"}
	systemAccounts          = []any{"SYS", "SYSTEM", "OUTLN", "DIP", "TSMSYS"}
)

const sessionCountSQL = `SELECT COUNT(*) AS TOTAL,
       COUNT(CASE WHEN status = :1 THEN 1 END) AS ACTIVE,
       COUNT(CASE WHEN status = :2 THEN 1 END) AS INACTIVE
  FROM v$session
 WHERE username IS NOT NULL`

const tablespaceUsageSQL = `SELECT t.tablespace_name AS TABLESPACE_NAME,
       (SELECT NVL(SUM(d.bytes), 0) FROM dba_data_files d WHERE d.tablespace_name = t.tablespace_name) AS TOTAL_BYTES,
       (SELECT NVL(SUM(f.bytes), 0) FROM dba_free_space f WHERE f.tablespace_name = t.tablespace_name) AS FREE_BYTES
  FROM dba_tablespaces t
 WHERE t.status = :1
 ORDER BY t.tablespace_name`

type performanceCheck struct {
	name  string
	unit  string
	query string
	args  []any
}

var performanceChecks = []performanceCheck{
	{
		name:  "buffer_cache_hit_ratio",
		unit:  "percent",
		query: `SELECT ROUND((1 - (physical_reads / (db_block_gets + consistent_gets))) * 100, 2) AS METRIC_VALUE FROM v$buffer_pool_statistics WHERE name = :1`,
		args:  []any{"DEFAULT"},
	},
	{
		name:  "library_cache_hit_ratio",
		unit:  "percent",
		query: `SELECT ROUND((1 - (reloads / (pins + reloads))) * 100, 2) AS METRIC_VALUE FROM v$librarycache WHERE namespace = :1`,
		args:  []any{"SQL AREA"},
	},
	{
		name:  "waiting_sessions",
		unit:  "sessions",
		query: `SELECT COUNT(*) AS METRIC_VALUE FROM v$session s, v$session_wait w WHERE s.sid = w.sid AND w.wait_class != :1`,
		args:  []any{"Idle"},
	},
}

// HealthInput selects which health checks to run. Unset checks run.
type HealthInput struct {
	Connection       string `json:"connection"`
	CheckConnections *bool  `json:"check_connections"`
	CheckTablespaces *bool  `json:"check_tablespaces"`
	CheckPerformance *bool  `json:"check_performance"`
}

// SessionStats counts user sessions.
type SessionStats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

// TablespaceUsage is one online tablespace's allocation.
type TablespaceUsage struct {
	Name        string  `json:"name"`
	TotalBytes  int64   `json:"total_bytes"`
	UsedBytes   int64   `json:"used_bytes"`
	Total       string  `json:"total"`
	Used        string  `json:"used"`
	PercentUsed float64 `json:"percent_used"`
	Status      string  `json:"status"` // ok, notice, warning
}

// Metric is a single performance figure. A failed metric carries Error and
// no Value.
type Metric struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit"`
	Error string   `json:"error,omitempty"`
}

// HealthOutput is the result of check_database_health.
type HealthOutput struct {
	Connection  string            `json:"connection"`
	Sessions    *SessionStats     `json:"sessions,omitempty"`
	Tablespaces []TablespaceUsage `json:"tablespaces,omitempty"`
	Performance []Metric          `json:"performance,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (o *HealthOutput) toolError() string { return o.Error }

// Section is one named query of a multi-query tool.
type Section struct {
	Name   string  `json:"name"`
	Result *Result `json:"result"`
}

// SectionsOutput groups independent queries. A failed section does not fail
// the others.
type SectionsOutput struct {
	Connection string    `json:"connection"`
	Sections   []Section `json:"sections"`
	Error      string    `json:"error,omitempty"`
}

func (o *SectionsOutput) toolError() string { return o.Error }

func (o *SectionsOutput) add(name string, r *Result) {
	o.Sections = append(o.Sections, Section{Name: name, Result: r})
}

// finalize sets Error when no section succeeded.
func (o *SectionsOutput) finalize() *SectionsOutput {
	if len(o.Sections) == 0 {
		return o
	}
	var failures []string
	for _, s := range o.Sections {
		if s.Result.Success {
			return o
		}
		failures = append(failures, s.Name+": "+s.Result.Error)
	}
	o.Error = strings.Join(failures, "; ")
	return o
}

func (p *OracleMcp) connectionName(connection string) string {
	if cfg, err := p.registry.Get(connection); err == nil {
		return cfg.Name
	}
	return connection
}

func (p *OracleMcp) selectQuery(ctx context.Context, connection, resource, query string, args ...any) *Result {
	return p.Dispatch(ctx, DispatchInput{
		Kind:       security.KindSelect,
		Resource:   resource,
		Connection: connection,
		Query:      query,
		Params:     args,
	})
}

// CheckDatabaseHealth reports session counts, tablespace usage and cache
// ratios. Each check fails on its own.
func (p *OracleMcp) CheckDatabaseHealth(ctx context.Context, in HealthInput) *HealthOutput {
	out := &HealthOutput{Connection: p.connectionName(in.Connection)}
	ran, failed := 0, 0

	if boolOr(in.CheckConnections, true) {
		ran++
		res := p.selectQuery(ctx, in.Connection, "check_database_health", sessionCountSQL, "ACTIVE", "INACTIVE")
		if !res.Success {
			failed++
			out.Errors = append(out.Errors, "sessions: "+res.Error)
		} else if len(res.Rows) > 0 {
			row := res.Rows[0]
			out.Sessions = &SessionStats{
				Total:    toInt(row["TOTAL"]),
				Active:   toInt(row["ACTIVE"]),
				Inactive: toInt(row["INACTIVE"]),
			}
		}
	}

	if boolOr(in.CheckTablespaces, true) {
		ran++
		res := p.selectQuery(ctx, in.Connection, "check_database_health", tablespaceUsageSQL, "ONLINE")
		if !res.Success {
			failed++
			out.Errors = append(out.Errors, "tablespaces: "+res.Error)
		} else {
			for _, row := range res.Rows {
				u, ok := tablespaceUsage(toString(row["TABLESPACE_NAME"]), toInt(row["TOTAL_BYTES"]), toInt(row["FREE_BYTES"]))
				if !ok {
					continue
				}
				if u.Status == "warning" {
					out.Warnings = append(out.Warnings, fmt.Sprintf("tablespace %s is %.2f%% used", u.Name, u.PercentUsed))
				}
				out.Tablespaces = append(out.Tablespaces, u)
			}
		}
	}

	if boolOr(in.CheckPerformance, true) {
		for _, check := range performanceChecks {
			ran++
			m := Metric{Name: check.name, Unit: check.unit}
			res := p.selectQuery(ctx, in.Connection, "check_database_health", check.query, check.args...)
			switch {
			case !res.Success:
				failed++
				m.Error = res.Error
			case len(res.Rows) == 0:
				m.Error = "no data"
			default:
				if v, ok := toFloat(res.Rows[0]["METRIC_VALUE"]); ok {
					m.Value = &v
				} else {
					m.Error = "no data"
				}
			}
			out.Performance = append(out.Performance, m)
		}
	}

	if ran > 0 && failed == ran {
		out.Error = "all health checks failed"
		if len(out.Errors) > 0 {
			out.Error += ": " + out.Errors[0]
		}
	}
	return out
}

// tablespaceUsage classifies a tablespace. Tablespaces without data files
// (temporary ones) are skipped.
func tablespaceUsage(name string, total, free int64) (TablespaceUsage, bool) {
	if total <= 0 {
		return TablespaceUsage{}, false
	}
	used := total - free
	if used < 0 {
		used = 0
	}
	pct := float64(int64(float64(used)/float64(total)*10000+0.5)) / 100
	status := "ok"
	switch {
	case pct >= TablespaceWarnPercent:
		status = "warning"
	case pct >= TablespaceNoticePercent:
		status = "notice"
	}
	return TablespaceUsage{
		Name:        name,
		TotalBytes:  total,
		UsedBytes:   used,
		Total:       humanize.IBytes(uint64(total)),
		Used:        humanize.IBytes(uint64(used)),
		PercentUsed: pct,
		Status:      status,
	}, true
}

// SchemaChangesInput lists schemas to inspect; empty uses the configured
// monitored schemas.
type SchemaChangesInput struct {
	Connection string   `json:"connection"`
	Schemas    []string `json:"schemas"`
}

const schemaChangesSQL = `SELECT object_name, object_type, status, created, last_ddl_time
  FROM dba_objects
 WHERE owner = :1
   AND last_ddl_time > SYSDATE - 1
 ORDER BY last_ddl_time DESC`

// MonitorSchemaChanges lists objects whose DDL changed in the last day, one
// section per schema.
func (p *OracleMcp) MonitorSchemaChanges(ctx context.Context, in SchemaChangesInput) *SectionsOutput {
	schemas := in.Schemas
	if len(schemas) == 0 {
		schemas = p.config.MonitoredSchemas
	}
	if len(schemas) == 0 {
		schemas = defaultMonitoredSchemas
	}
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	for _, raw := range schemas {
		di := DispatchInput{
			Kind:       security.KindSelect,
			Resource:   "monitor_schema_changes",
			Connection: in.Connection,
			Query:      schemaChangesSQL,
		}
		schema, err := security.NormalizeIdentifier(strings.TrimSpace(raw))
		if err != nil {
			out.add(raw, p.reject(ctx, di, err))
			continue
		}
		// Bound schemas are invisible to the statement checks.
		di.Params = []any{schema}
		di.Schemas = []string{schema}
		out.add(schema, p.Dispatch(ctx, di))
	}
	return out.finalize()
}

// SensitiveTablesInput lists tables to inspect; empty uses the configured
// sensitive tables.
type SensitiveTablesInput struct {
	Connection string   `json:"connection"`
	Tables     []string `json:"tables"`
}

const sensitiveColumnsSQL = `SELECT owner, column_name, data_type, nullable
  FROM dba_tab_columns
 WHERE table_name = :1
 ORDER BY owner, column_id`

const sensitiveRowsSQL = `SELECT owner, num_rows, last_analyzed
  FROM dba_tables
 WHERE table_name = :1
 ORDER BY owner`

// CheckSensitiveTables reports the structure and row statistics of tables
// holding sensitive data.
func (p *OracleMcp) CheckSensitiveTables(ctx context.Context, in SensitiveTablesInput) *SectionsOutput {
	tables := in.Tables
	if len(tables) == 0 {
		tables = p.config.SensitiveTables
	}
	if len(tables) == 0 {
		tables = defaultSensitiveTables
	}
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	for _, raw := range tables {
		table, err := security.NormalizeIdentifier(strings.TrimSpace(raw))
		if err != nil {
			out.add(raw, p.reject(ctx, DispatchInput{
				Kind:       security.KindSelect,
				Resource:   "check_sensitive_tables",
				Connection: in.Connection,
			}, err))
			continue
		}
		out.add(table+".columns", p.selectQuery(ctx, in.Connection, "check_sensitive_tables", sensitiveColumnsSQL, table))
		out.add(table+".rows", p.selectQuery(ctx, in.Connection, "check_sensitive_tables", sensitiveRowsSQL, table))
	}
	return out.finalize()
}

// SafeQueryInput is a free-form read-only query.
type SafeQueryInput struct {
	Connection string `json:"connection"`
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// ExecuteSafeQuery runs a caller-written SELECT or WITH query, paginated.
func (p *OracleMcp) ExecuteSafeQuery(ctx context.Context, in SafeQueryInput) *Result {
	q := strings.TrimRight(strings.TrimSpace(in.Query), "; \t\r\n")
	base := DispatchInput{
		Kind:       security.KindSelect,
		Resource:   "execute_safe_query",
		Connection: in.Connection,
		Query:      q,
	}
	head := strings.ToUpper(q)
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return p.reject(ctx, base, errs.Validation(RuleNotASelect, "only SELECT or WITH queries are allowed"))
	}
	limit, offset := p.page(in.Limit, in.Offset)
	base.Query, base.Params = paginate(q, limit, offset, 1)
	return dropRowNum(p.Dispatch(ctx, base))
}

// page clamps a requested page to the configured bounds.
func (p *OracleMcp) page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = p.config.Query.DefaultPageSize
	}
	if limit > p.config.Query.MaxPageSize {
		limit = p.config.Query.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// paginate wraps inner in a ROWNUM window. bindStart is the number of the
// first placeholder it adds.
func paginate(inner string, limit, offset, bindStart int) (string, []any) {
	b := binds(bindStart, 2)
	q := fmt.Sprintf("SELECT * FROM (SELECT A.*, ROWNUM %s FROM (%s) A WHERE ROWNUM <= %s) WHERE %s > %s",
		rowNumColumn, inner, b[0], rowNumColumn, b[1])
	return q, []any{limit + offset, offset}
}

// dropRowNum hides the pagination column from the caller.
func dropRowNum(r *Result) *Result {
	if len(r.Columns) == 0 {
		return r
	}
	cols := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if c != rowNumColumn {
			cols = append(cols, c)
		}
	}
	r.Columns = cols
	for _, row := range r.Rows {
		delete(row, rowNumColumn)
	}
	return r
}

// DatabaseInfoInput selects optional sections of get_database_info.
type DatabaseInfoInput struct {
	Connection         string `json:"connection"`
	IncludeUsers       *bool  `json:"include_users"`
	IncludeTablespaces *bool  `json:"include_tablespaces"`
}

const instanceInfoSQL = `SELECT instance_name, host_name, version, status, database_status FROM v$instance`

const tablespaceInfoSQL = `SELECT tablespace_name, status, contents, block_size
  FROM dba_tablespaces
 ORDER BY tablespace_name`

var usersInfoSQL = `SELECT username, account_status, created, default_tablespace
  FROM dba_users
 WHERE username NOT IN (` + strings.Join(binds(1, len(systemAccounts)), ", ") + `)
 ORDER BY username`

// GetDatabaseInfo describes the instance and, optionally, its tablespaces
// and non-system users.
func (p *OracleMcp) GetDatabaseInfo(ctx context.Context, in DatabaseInfoInput) *SectionsOutput {
	out := &SectionsOutput{Connection: p.connectionName(in.Connection)}
	out.add("instance", p.selectQuery(ctx, in.Connection, "get_database_info", instanceInfoSQL))
	if boolOr(in.IncludeTablespaces, true) {
		out.add("tablespaces", p.selectQuery(ctx, in.Connection, "get_database_info", tablespaceInfoSQL))
	}
	if boolOr(in.IncludeUsers, false) {
		out.add("users", p.selectQuery(ctx, in.Connection, "get_database_info", usersInfoSQL, systemAccounts...))
	}
	return out.finalize()
}
