package oramcp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/auth"
	"github.com/rickchristie/oracle-mcp/internal/connmgr"
)

// mcpTestServer serves the registered tools over streamable HTTP.
type mcpTestServer struct {
	*testInstance
	url string
}

func startMCPTestServer(t *testing.T, config oramcp.Config) *mcpTestServer {
	t.Helper()
	p := newTestInstance(t, config)

	mcpServer := server.NewMCPServer("oramcp-test", "1.0.0",
		server.WithToolCapabilities(true),
	)
	oramcp.RegisterMCPTools(mcpServer, p.OracleMcp)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &mcpTestServer{testInstance: p, url: srv.URL + "/mcp"}
}

// jsonRPC sends a JSON-RPC request and returns the result object.
func (s *mcpTestServer) jsonRPC(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(s.url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("JSON-RPC request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", resp.StatusCode, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to parse response JSON: %v; body: %s", err, raw)
	}
	result, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", out)
	}
	return result
}

// callTool invokes a tool and returns its text content and error flag.
func (s *mcpTestServer) callTool(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	result := s.jsonRPC(t, "tools/call", map[string]any{"name": name, "arguments": args})
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		t.Fatalf("expected content array, got %v", result["content"])
	}
	first := content[0].(map[string]any)
	if first["type"] != "text" {
		t.Fatalf("expected text content, got %q", first["type"])
	}
	isError, _ := result["isError"].(bool)
	return first["text"].(string), isError
}

func TestMCPServer_ToolsList(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig())

	tools, ok := s.jsonRPC(t, "tools/list", map[string]any{})["tools"].([]any)
	if !ok {
		t.Fatal("expected tools array")
	}
	if len(tools) != 47 {
		t.Fatalf("expected 47 tools, got %d", len(tools))
	}

	byName := map[string]map[string]any{}
	for _, tool := range tools {
		m := tool.(map[string]any)
		byName[m["name"].(string)] = m
	}
	for _, want := range []string{
		"list_connections", "check_database_health", "get_table_info", "select_data",
		"merge_data", "create_table", "grant_privileges", "validate_migration_script",
		"audit_report", "export_audit_log",
	} {
		if byName[want] == nil {
			t.Fatalf("expected tool %q in list", want)
		}
	}

	ann, _ := byName["select_data"]["annotations"].(map[string]any)
	if ann["readOnlyHint"] != true {
		t.Fatalf("expected select_data to be read-only, got %v", ann)
	}
	ann, _ = byName["drop_table"]["annotations"].(map[string]any)
	if ann["destructiveHint"] != true {
		t.Fatalf("expected drop_table to be destructive, got %v", ann)
	}

	schema := byName["get_table_info"]["inputSchema"].(map[string]any)
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "table" {
		t.Fatalf("expected table to be required, got %v", required)
	}
}

func TestMCPServer_SelectData(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig())
	s.driver.respond = func(_ context.Context, _ string, _ []any) (*connmgr.Result, error) {
		return rows([]string{"EMPLOYEE_ID", "RNUM__"}, []any{100, 1}), nil
	}

	text, isError := s.callTool(t, "select_data", map[string]any{"table": "employees", "limit": 5})
	if isError {
		t.Fatalf("unexpected tool error %s", text)
	}
	var res oramcp.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("failed to parse tool output: %v", err)
	}
	if !res.Success || len(res.Rows) != 1 || res.Rows[0]["EMPLOYEE_ID"] != float64(100) {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(s.driver.queries()[0], "FROM HR.EMPLOYEES") {
		t.Fatalf("unexpected query %s", s.driver.queries()[0])
	}
	if e := s.store.last(t); e.Resource != "select_data" || e.User != auth.Anonymous || e.ID != res.CorrelationID {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}

func TestMCPServer_Rejection(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig())

	text, isError := s.callTool(t, "select_data", map[string]any{"schema": "sys", "table": "obj$"})
	if !isError {
		t.Fatalf("expected a tool error, got %s", text)
	}
	if !strings.Contains(text, "blocked") || !strings.Contains(text, "correlation_id: ") {
		t.Fatalf("unexpected error text %q", text)
	}
}

func TestMCPServer_InvalidArguments(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig())

	text, isError := s.callTool(t, "select_data", map[string]any{"table": "employees", "limit": "ten"})
	if !isError || !strings.HasPrefix(text, "invalid arguments: ") {
		t.Fatalf("expected invalid arguments error, got %q", text)
	}
	if n := len(s.driver.executed()); n != 0 {
		t.Fatalf("expected nothing executed, got %d statements", n)
	}
}

func TestMCPServer_ListConnectionsWithoutArguments(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig())

	text, isError := s.callTool(t, "list_connections", nil)
	if isError {
		t.Fatalf("unexpected tool error %s", text)
	}
	var out oramcp.ListConnectionsOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("failed to parse tool output: %v", err)
	}
	if out.Default != "dev" || len(out.Connections) != 2 {
		t.Fatalf("unexpected output %+v", out)
	}
}
