package oramcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rickchristie/oracle-mcp/internal/migration"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// toolOutput is implemented by every tool output. A non-empty toolError
// turns the call into an MCP tool error.
type toolOutput interface {
	toolError() string
}

// handle binds the call arguments into In and renders fn's output.
func handle[In any, Out toolOutput](fn func(context.Context, In) Out) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in In
		if err := req.BindArguments(&in); err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		return toolResult(fn(ctx, in)), nil
	}
}

func toolResult(out toolOutput) *mcp.CallToolResult {
	if msg := out.toolError(); msg != "" {
		return mcp.NewToolResultError(msg)
	}
	jsonBytes, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal tool result")
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

type noInput struct{}

var (
	connectionParam = mcp.WithString("connection",
		mcp.Description("Connection name from list_connections. Defaults to the default connection."),
	)
	schemaParam = mcp.WithString("schema",
		mcp.Description("Schema (owner). Defaults to the connection user."),
	)
	tableParam = mcp.WithString("table",
		mcp.Required(),
		mcp.Description("Table name"),
	)
	optionalTableParam = mcp.WithString("table",
		mcp.Description("Restrict the listing to this table"),
	)
	whereParam = mcp.WithString("where",
		mcp.Description("WHERE condition without the WHERE keyword. Use :1, :2 ... placeholders and pass values in params."),
	)
	paramsParam = mcp.WithArray("params",
		mcp.Description("Values bound to the :1, :2 ... placeholders of where"),
	)
	limitParam = mcp.WithNumber("limit",
		mcp.Description("Maximum rows to return (default 100, capped at the configured page size)"),
	)
	offsetParam = mcp.WithNumber("offset",
		mcp.Description("Rows to skip"),
	)
	windowParams = []mcp.ToolOption{
		mcp.WithString("start", mcp.Description("RFC 3339 start time. Defaults to 24 hours before end.")),
		mcp.WithString("end", mcp.Description("RFC 3339 end time. Defaults to now.")),
	}
)

func newTool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)...)
}

// RegisterMCPTools registers every tool on the given MCP server.
func RegisterMCPTools(mcpServer *server.MCPServer, p *OracleMcp) {
	add := func(tool mcp.Tool, h server.ToolHandlerFunc) {
		mcpServer.AddTool(tool, p.loggedToolHandler(tool.Name, h))
	}

	// --- Connections ---

	add(newTool("list_connections", "List the configured Oracle connections (no credentials) and the default connection.",
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(func(context.Context, noInput) ListConnectionsOutput { return p.ListConnections() }))

	add(newTool("test_connection", "Connect and run a probe query, reporting latency and the client mode used.",
		connectionParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.TestConnection))

	add(newTool("test_all_connections", "Probe every configured connection concurrently.",
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(func(ctx context.Context, _ noInput) *TestAllOutput { return p.TestAllConnections(ctx) }))

	add(newTool("connection_status", "Show the database name, server host, connected user and server time of a connection.",
		connectionParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.ConnectionStatus))

	add(newTool("client_info", "Show the Oracle client mode (thin or thick), the active client library directory and the candidate directories.",
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(func(context.Context, noInput) ClientInfoOutput { return p.ClientInfo() }))

	// --- Monitoring ---

	add(newTool("check_database_health", "Report session counts, tablespace usage and cache hit ratios. Each check is reported separately.",
		connectionParam,
		mcp.WithBoolean("check_connections", mcp.Description("Count sessions (default true)")),
		mcp.WithBoolean("check_tablespaces", mcp.Description("Report tablespace usage (default true)")),
		mcp.WithBoolean("check_performance", mcp.Description("Report buffer and library cache hit ratios and waiting sessions (default true)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.CheckDatabaseHealth))

	add(newTool("monitor_schema_changes", "List objects whose DDL changed in the last 24 hours, per schema.",
		connectionParam,
		mcp.WithArray("schemas", mcp.WithStringItems(), mcp.Description("Schemas to check (default HR, SCOTT, SYSTEM)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.MonitorSchemaChanges))

	add(newTool("check_sensitive_tables", "Show the column structure and row counts of sensitive tables.",
		connectionParam,
		mcp.WithArray("tables", mcp.WithStringItems(), mcp.Description("Table names (default: the configured sensitive tables)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.CheckSensitiveTables))

	add(newTool("execute_safe_query", "Run a read-only SELECT or WITH query, paginated. The query is validated against the security policy.",
		connectionParam,
		mcp.WithString("query", mcp.Required(), mcp.Description("SELECT or WITH statement")),
		limitParam,
		offsetParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.ExecuteSafeQuery))

	add(newTool("get_database_info", "Show instance details, tablespaces and (optionally) non-system users.",
		connectionParam,
		mcp.WithBoolean("include_users", mcp.Description("Include non-system users (default false)")),
		mcp.WithBoolean("include_tablespaces", mcp.Description("Include tablespaces (default true)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetDatabaseInfo))

	// --- Schema inspection ---

	add(newTool("get_table_info", "Describe a table: its metadata, columns, constraints and indexes.",
		connectionParam, schemaParam, tableParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetTableInfo))

	add(newTool("get_constraints", "List constraints of a schema or table.",
		connectionParam, schemaParam, optionalTableParam,
		mcp.WithString("type", mcp.Description("Constraint type code (P, R, U, C, O, V, F) or name (PRIMARY KEY, FOREIGN KEY, ...). Empty or ALL lists every type.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetConstraints))

	add(newTool("get_foreign_keys", "List foreign keys with the referenced table and columns.",
		connectionParam, schemaParam, optionalTableParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetForeignKeys))

	add(newTool("get_indexes", "List indexes and their columns.",
		connectionParam, schemaParam, optionalTableParam,
		mcp.WithBoolean("detailed", mcp.Description("Include statistics")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetIndexes))

	add(newTool("get_sequences", "List sequences of a schema.",
		connectionParam, schemaParam,
		mcp.WithBoolean("detailed", mcp.Description("Include bounds and the last number")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetSequences))

	add(newTool("get_triggers", "List triggers of a schema or table.",
		connectionParam, schemaParam, optionalTableParam,
		mcp.WithBoolean("detailed", mcp.Description("Include trigger bodies")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetTriggers))

	add(newTool("get_users_privileges", "List users, their roles and system privileges.",
		connectionParam,
		mcp.WithString("user", mcp.Description("Restrict to this user")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetUsersPrivileges))

	add(newTool("get_table_dependencies", "List objects depending on a table and the objects it references.",
		connectionParam, schemaParam, tableParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.GetTableDependencies))

	add(newTool("analyze_table", "Gather optimizer statistics for a table and return them.",
		connectionParam, schemaParam, tableParam,
		mcp.WithNumber("estimate_percent", mcp.Description("Sample percentage (1-99). Omit to compute exact statistics.")),
	), handle(p.AnalyzeTable))

	// --- DML ---

	add(newTool("select_data", "Read a page of rows from a table.",
		connectionParam, schemaParam, tableParam,
		mcp.WithArray("columns", mcp.WithStringItems(), mcp.Description("Columns to return (default all)")),
		whereParam, paramsParam,
		mcp.WithString("order_by", mcp.Description("Comma-separated columns, each optionally followed by ASC or DESC")),
		limitParam, offsetParam,
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.SelectData))

	add(newTool("insert_data", "Insert one row. Values are bound as parameters.",
		connectionParam, schemaParam, tableParam,
		mcp.WithObject("data", mcp.Required(), mcp.Description("Column name to value")),
	), handle(p.InsertData))

	add(newTool("insert_many", "Insert many rows in batches. Columns missing from a row are inserted as NULL. Stops at the first failed batch.",
		connectionParam, schemaParam, tableParam,
		mcp.WithArray("rows", mcp.Required(), mcp.Items(map[string]any{"type": "object"}), mcp.Description("Rows as column name to value objects")),
		mcp.WithNumber("batch_size", mcp.Description("Rows per batch (default 100)")),
	), handle(p.InsertMany))

	add(newTool("update_data", "Update rows matching a WHERE condition. The condition is required.",
		connectionParam, schemaParam, tableParam,
		mcp.WithObject("data", mcp.Required(), mcp.Description("Column name to new value")),
		whereParam, paramsParam,
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.UpdateData))

	add(newTool("delete_data", "Delete rows matching a WHERE condition. The condition is required.",
		connectionParam, schemaParam, tableParam,
		whereParam, paramsParam,
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DeleteData))

	add(newTool("merge_data", "Upsert rows from a source table into a target table matched on key columns.",
		connectionParam, schemaParam, tableParam,
		mcp.WithString("source_schema", mcp.Description("Source schema (defaults to the connection user)")),
		mcp.WithString("source_table", mcp.Required(), mcp.Description("Source table")),
		mcp.WithArray("on", mcp.Required(), mcp.WithStringItems(), mcp.Description("Key columns present in both tables")),
		mcp.WithArray("update_columns", mcp.WithStringItems(), mcp.Description("Columns updated when a key matches")),
		mcp.WithArray("insert_columns", mcp.WithStringItems(), mcp.Description("Columns inserted when no key matches")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.MergeData))

	// --- DDL ---

	add(newTool("create_table", "Create a table from column and constraint definitions.",
		connectionParam, schemaParam, tableParam,
		mcp.WithArray("columns", mcp.Required(), mcp.Items(map[string]any{"type": "object"}),
			mcp.Description("Column definitions: {name, type, nullable, default, primary_key}")),
		mcp.WithArray("constraints", mcp.Items(map[string]any{"type": "object"}),
			mcp.Description("Table constraints: {name, type (PRIMARY KEY, UNIQUE, CHECK, FOREIGN KEY), columns, condition, referenced_schema, referenced_table, referenced_columns}")),
		mcp.WithString("tablespace", mcp.Description("Tablespace for the table")),
		mcp.WithBoolean("if_not_exists", mcp.Description("Succeed without changes when the table exists")),
	), handle(p.CreateTable))

	add(newTool("alter_table", "Add, modify, drop or rename a column, or add or drop a constraint.",
		connectionParam, schemaParam, tableParam,
		mcp.WithString("action", mcp.Required(), mcp.Enum("ADD", "MODIFY", "DROP", "RENAME", "ADD_CONSTRAINT", "DROP_CONSTRAINT")),
		mcp.WithObject("column", mcp.Description("Column definition for ADD and MODIFY")),
		mcp.WithString("column_name", mcp.Description("Column to drop or rename")),
		mcp.WithString("new_name", mcp.Description("New column name for RENAME")),
		mcp.WithObject("constraint", mcp.Description("Constraint definition for ADD_CONSTRAINT")),
		mcp.WithString("constraint_name", mcp.Description("Constraint to drop")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.AlterTable))

	add(newTool("drop_table", "Drop a table.",
		connectionParam, schemaParam, tableParam,
		mcp.WithBoolean("cascade", mcp.Description("Also drop referencing constraints")),
		mcp.WithBoolean("purge", mcp.Description("Skip the recycle bin")),
		mcp.WithBoolean("if_exists", mcp.Description("Succeed without changes when the table does not exist")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DropTable))

	add(newTool("create_index", "Create an index on a table.",
		connectionParam, schemaParam,
		mcp.WithString("name", mcp.Required(), mcp.Description("Index name")),
		tableParam,
		mcp.WithArray("columns", mcp.Required(), mcp.WithStringItems(), mcp.Description("Indexed columns, each optionally followed by ASC or DESC")),
		mcp.WithBoolean("unique", mcp.Description("Create a unique index")),
		mcp.WithString("tablespace", mcp.Description("Tablespace for the index")),
		mcp.WithBoolean("if_not_exists", mcp.Description("Succeed without changes when the index exists")),
	), handle(p.CreateIndex))

	add(newTool("drop_index", "Drop an index.",
		connectionParam, schemaParam,
		mcp.WithString("name", mcp.Required(), mcp.Description("Index name")),
		mcp.WithBoolean("if_exists", mcp.Description("Succeed without changes when the index does not exist")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DropIndex))

	add(newTool("create_sequence", "Create a sequence.",
		connectionParam, schemaParam,
		mcp.WithString("name", mcp.Required(), mcp.Description("Sequence name")),
		mcp.WithNumber("start", mcp.Description("START WITH")),
		mcp.WithNumber("increment", mcp.Description("INCREMENT BY")),
		mcp.WithNumber("min", mcp.Description("MINVALUE")),
		mcp.WithNumber("max", mcp.Description("MAXVALUE (default NOMAXVALUE)")),
		mcp.WithNumber("cache", mcp.Description("Values to cache; below 2 means NOCACHE")),
		mcp.WithBoolean("cycle", mcp.Description("Wrap around at the bound")),
		mcp.WithBoolean("if_not_exists", mcp.Description("Succeed without changes when the sequence exists")),
	), handle(p.CreateSequence))

	add(newTool("drop_sequence", "Drop a sequence.",
		connectionParam, schemaParam,
		mcp.WithString("name", mcp.Required(), mcp.Description("Sequence name")),
		mcp.WithBoolean("if_exists", mcp.Description("Succeed without changes when the sequence does not exist")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DropSequence))

	// --- DCL ---

	userParam := mcp.WithString("username", mcp.Required(), mcp.Description("User name"))
	passwordHint := "Password: at least 8 characters of letters, digits and _ # $ ! % ^ & * + = : @ ~"

	add(newTool("create_user", "Create a database user.",
		connectionParam, userParam,
		mcp.WithString("password", mcp.Required(), mcp.Description(passwordHint)),
		mcp.WithString("default_tablespace", mcp.Description("Default tablespace")),
		mcp.WithString("temporary_tablespace", mcp.Description("Temporary tablespace")),
		mcp.WithString("quota", mcp.Description("Quota such as 100M or UNLIMITED")),
		mcp.WithString("quota_tablespace", mcp.Description("Tablespace the quota applies to (default: default_tablespace)")),
		mcp.WithString("profile", mcp.Description("Profile")),
	), handle(p.CreateUser))

	add(newTool("alter_user", "Change a user's password, lock state, tablespaces, quota or profile.",
		connectionParam, userParam,
		mcp.WithString("password", mcp.Description(passwordHint)),
		mcp.WithString("default_tablespace", mcp.Description("Default tablespace")),
		mcp.WithString("temporary_tablespace", mcp.Description("Temporary tablespace")),
		mcp.WithString("quota", mcp.Description("Quota such as 100M or UNLIMITED")),
		mcp.WithString("quota_tablespace", mcp.Description("Tablespace the quota applies to")),
		mcp.WithString("profile", mcp.Description("Profile")),
		mcp.WithBoolean("lock", mcp.Description("true locks the account, false unlocks it")),
		mcp.WithBoolean("expire_password", mcp.Description("Force a password change at next login")),
	), handle(p.AlterUser))

	add(newTool("drop_user", "Drop a database user.",
		connectionParam, userParam,
		mcp.WithBoolean("cascade", mcp.Description("Also drop the user's objects")),
		mcp.WithBoolean("if_exists", mcp.Description("Succeed without changes when the user does not exist")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DropUser))

	privilegeOpts := []mcp.ToolOption{
		connectionParam,
		mcp.WithArray("privileges", mcp.Required(), mcp.WithStringItems(),
			mcp.Description("Object privileges (SELECT, INSERT, UPDATE, DELETE, EXECUTE, ALTER, INDEX, REFERENCES, ALL) when on_object is set; otherwise system privileges such as CREATE SESSION or roles CONNECT, RESOURCE, DBA")),
		mcp.WithString("on_object", mcp.Description("OBJECT or SCHEMA.OBJECT for object privileges")),
		mcp.WithString("grantee", mcp.Required(), mcp.Description("User, role or PUBLIC")),
	}
	add(newTool("grant_privileges", "Grant object or system privileges.", append(privilegeOpts,
		mcp.WithBoolean("with_grant_option", mcp.Description("Object grants only")),
		mcp.WithBoolean("with_admin_option", mcp.Description("System grants only")),
	)...), handle(p.GrantPrivileges))

	add(newTool("revoke_privileges", "Revoke object or system privileges.", append(privilegeOpts,
		mcp.WithDestructiveHintAnnotation(true),
	)...), handle(p.RevokePrivileges))

	roleParam := mcp.WithString("role", mcp.Required(), mcp.Description("Role name"))
	granteeParam := mcp.WithString("grantee", mcp.Required(), mcp.Description("User, role or PUBLIC"))

	add(newTool("create_role", "Create a role.",
		connectionParam, roleParam,
		mcp.WithString("password", mcp.Description("Password-protect the role. "+passwordHint)),
	), handle(p.CreateRole))

	add(newTool("drop_role", "Drop a role.",
		connectionParam, roleParam,
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.DropRole))

	add(newTool("grant_role", "Grant a role to a user or role.",
		connectionParam, roleParam, granteeParam,
		mcp.WithBoolean("with_admin_option", mcp.Description("Allow the grantee to grant the role on")),
	), handle(p.GrantRole))

	add(newTool("revoke_role", "Revoke a role from a user or role.",
		connectionParam, roleParam, granteeParam,
		mcp.WithDestructiveHintAnnotation(true),
	), handle(p.RevokeRole))

	// --- Migrations ---

	add(newTool("validate_migration_script", "Lint a migration script without running it: dangerous operations, backups, syntax, schema references, comments and complexity.",
		mcp.WithString("script", mcp.Required(), mcp.Description("Migration script")),
		mcp.WithString("target_schema", mcp.Required(), mcp.Description("Schema the script is deployed to")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.ValidateMigrationScript))

	add(newTool("migration_template", "Render a starter migration script.",
		mcp.WithString("type", mcp.Required(), mcp.Enum(migration.TemplateTypes()...)),
		mcp.WithObject("params", mcp.Description("{schema, table, column, source_table, target_table, author}")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.MigrationTemplate))

	// --- Audit ---

	add(newTool("audit_report", "Summarize audited operations by user and operation.", append(windowParams,
		mcp.WithString("user", mcp.Description("Filter by user (substring)")),
		mcp.WithString("operation", mcp.Description("Filter by operation kind (substring)")),
		mcp.WithBoolean("success", mcp.Description("Only successful (true) or failed (false) operations")),
		mcp.WithReadOnlyHintAnnotation(true),
	)...), handle(p.AuditReport))

	add(newTool("suspicious_activity", "Find users with repeated failures or unusually high activity.",
		mcp.WithNumber("window_minutes", mcp.Description("Look-back window (default 60)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(p.SuspiciousActivity))

	add(newTool("update_security_policy", "Change the live security policy. Omitted fields keep their value; an empty call returns the current policy.",
		mcp.WithNumber("max_query_length", mcp.Description("Maximum statement length in characters")),
		mcp.WithArray("dangerous_keywords", mcp.WithStringItems(), mcp.Description("Replaces the dangerous keyword list")),
		mcp.WithArray("allowed_schemas", mcp.WithStringItems(), mcp.Description("Replaces the allowed schema list; empty allows every schema")),
		mcp.WithArray("blocked_schemas", mcp.WithStringItems(), mcp.Description("Replaces the blocked schema list")),
		mcp.WithNumber("max_rows_affected", mcp.Description("Maximum rows per batch operation")),
	), handle(func(ctx context.Context, in security.PolicyUpdate) *PolicyOutput { return p.UpdateSecurityPolicy(ctx, in) }))

	add(newTool("export_audit_log", "Upload audit entries in a time window to the configured object store.",
		windowParams...,
	), handle(p.ExportAuditLog))
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (p *OracleMcp) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqLen := requestLength(req)
		start := p.now()
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		p.logger.Info().
			Str("tool", tool).
			Str("identity", CallerFrom(ctx).Identity).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Bool("is_error", result != nil && result.IsError).
			Dur("duration", p.now().Sub(start)).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
