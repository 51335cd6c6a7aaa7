// Package oramcp provides audited, policy-checked Oracle Database access for
// AI agents through the Model Context Protocol (MCP).
//
// Every database operation, whether it comes from a monitoring tool, a
// structured DML/DDL/DCL builder or a caller-written SELECT, goes through
// [OracleMcp.Dispatch]: rate limit, before hooks, security validation,
// concurrency slot, timeout, connection acquisition, execution,
// sanitization, after hooks and truncation. Every dispatch is written to the
// audit log whatever its outcome, and failures come back in Result.Error
// rather than as Go errors.
//
// Connections are named entries in a registry (file, environment variable
// or explicit list). The connection manager opens them in thin mode and
// switches the whole process to thick mode the first time a server rejects
// the thin client's authentication.
//
// # Library Usage
//
//	reg, err := registry.Load(registry.FileLoader{Path: "connections.yaml"}, registry.EnvLoader{Var: registry.DefaultEnvVar})
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := audit.NewFileStore("logs/audit.log", logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	auditLog := audit.New(store, logger)
//	defer auditLog.Close()
//
//	p := oramcp.New(reg, oracle.NewDriver(logger), auditLog, oramcp.DefaultServerConfig().Config, logger)
//	defer p.Close(ctx)
//
//	// Use directly
//	res := p.SelectData(ctx, oramcp.SelectInput{Schema: "HR", Table: "EMPLOYEES", Limit: 10})
//
//	// Or register as MCP tools
//	oramcp.RegisterMCPTools(mcpServer, p)
//
// # Security policy
//
// The policy (dangerous keywords, allowed and blocked schemas, maximum
// statement length and rows per batch) can be changed at runtime with the
// update_security_policy tool or by editing a watched policy file. A new
// policy is validated before it replaces the old one, and in-flight
// operations finish under the policy they started with.
package oramcp
