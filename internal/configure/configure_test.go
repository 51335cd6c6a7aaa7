package configure

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	oramcp "github.com/rickchristie/oracle-mcp"
)

// wizardPrompts is the number of prompts run() issues when every answer is
// Enter.
//
// Prompt index map:
//
//	0-1:   connections (file, env_var)
//	2-3:   oracle (client_lib_dir, probe_timeout_seconds)
//	4-6:   server (port, health_check_enabled, health_check_path)
//	7-12:  logging (level, format, output, error_output, max_size_mb, max_backups)
//	13-17: query (default_timeout, max_concurrent, max_result_length, default_page_size, max_page_size)
//	18-24: security (max_query_length, max_rows_affected, allowed, blocked, policy_file, sensitive_tables, monitored_schemas)
//	25-26: rate limit (requests_per_second, burst)
//	27-33: audit (store, path, dsn, sweep_schedule, sweep_window_minutes, archive endpoint, archive bucket)
//	34-35: general (default_hook_timeout_seconds, auth.enabled)
//	36-41: array editors (tokens, timeout_rules, error_prompts, sanitization, before hooks, after hooks)
const wizardPrompts = 42

func allEnterInputs(overrides map[int]string) string {
	lines := make([]string, wizardPrompts)
	for i := 36; i < wizardPrompts; i++ {
		lines[i] = "c"
	}
	for k, v := range overrides {
		lines[k] = v
	}
	return strings.Join(lines, "\n") + "\n"
}

func newScanner(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func readConfig(t *testing.T, path string) oramcp.ServerConfig {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	var cfg oramcp.ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to unmarshal config: %v", err)
	}
	return cfg
}

func TestRun_NewConfig_ShowsDefaultLabel(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	var output bytes.Buffer
	if err := run(configPath, strings.NewReader(allEnterInputs(nil)), &output); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	out := output.String()
	if strings.Contains(out, "(current:") {
		t.Errorf("new config should use 'default' label, output:\n%s", out)
	}
	for _, want := range []string{
		`(default: "ORACLE_CONNECTIONS")`,
		"(default: 8080)",
		`(default: "info"`,
		`(default: "file"`,
		`(default: "built-in default")`,
		"[must be > 0]",
		"[seconds, must be > 0 when hooks are configured]",
		"[cron spec, e.g. @every 15m, empty = disabled]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestRun_NewConfig_DefaultsWrittenToFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "nested", "config.json")
	var output bytes.Buffer
	if err := run(configPath, strings.NewReader(allEnterInputs(nil)), &output); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	cfg := readConfig(t, configPath)
	def := oramcp.DefaultServerConfig()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("expected server port %d, got %d", def.Server.Port, cfg.Server.Port)
	}
	if cfg.Query.DefaultTimeoutSeconds != def.Query.DefaultTimeoutSeconds {
		t.Errorf("expected default_timeout_seconds %d, got %d", def.Query.DefaultTimeoutSeconds, cfg.Query.DefaultTimeoutSeconds)
	}
	if cfg.Query.MaxPageSize != def.Query.MaxPageSize {
		t.Errorf("expected max_page_size %d, got %d", def.Query.MaxPageSize, cfg.Query.MaxPageSize)
	}
	if cfg.Audit.Store != "file" {
		t.Errorf("expected audit store 'file', got %q", cfg.Audit.Store)
	}
	if cfg.Security.AllowedSchemas != nil {
		t.Errorf("expected allowed_schemas to stay unset, got %v", cfg.Security.AllowedSchemas)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestRun_ExistingConfig_PreservesValues(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	existing := oramcp.DefaultServerConfig()
	existing.Server.Port = 9090
	existing.Connections.File = "/etc/oramcp/connections.yaml"
	existing.Security.BlockedSchemas = []string{"SYS"}
	existing.Logging.Level = "warn"
	data, _ := json.Marshal(existing)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	var output bytes.Buffer
	if err := run(configPath, strings.NewReader(allEnterInputs(nil)), &output); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if strings.Contains(output.String(), "(default:") {
		t.Errorf("existing config should use 'current' label")
	}

	cfg := readConfig(t, configPath)
	if cfg.Server.Port != 9090 {
		t.Errorf("expected preserved server port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Connections.File != "/etc/oramcp/connections.yaml" {
		t.Errorf("expected preserved connections file, got %q", cfg.Connections.File)
	}
	if len(cfg.Security.BlockedSchemas) != 1 || cfg.Security.BlockedSchemas[0] != "SYS" {
		t.Errorf("expected preserved blocked schemas [SYS], got %v", cfg.Security.BlockedSchemas)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected preserved level 'warn', got %q", cfg.Logging.Level)
	}
}

func TestRun_OverridesAndTokens(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	input := allEnterInputs(map[int]string{
		4:  "9191",
		20: "hr, scott",
		21: "none",
		27: "sqlite",
		30: "@every 15m",
		35: "yes",
		36: "a\nalice\ns3cret-token\nc",
	})
	var output bytes.Buffer
	if err := run(configPath, strings.NewReader(input), &output); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	cfg := readConfig(t, configPath)
	if cfg.Server.Port != 9191 {
		t.Errorf("expected port 9191, got %d", cfg.Server.Port)
	}
	if strings.Join(cfg.Security.AllowedSchemas, ",") != "HR,SCOTT" {
		t.Errorf("expected allowed HR,SCOTT, got %v", cfg.Security.AllowedSchemas)
	}
	if cfg.Security.BlockedSchemas == nil || len(cfg.Security.BlockedSchemas) != 0 {
		t.Errorf("expected an explicit empty blocked list, got %#v", cfg.Security.BlockedSchemas)
	}
	if cfg.Audit.Store != "sqlite" {
		t.Errorf("expected sqlite store, got %q", cfg.Audit.Store)
	}
	if cfg.Audit.SweepSchedule != "@every 15m" {
		t.Errorf("expected sweep schedule, got %q", cfg.Audit.SweepSchedule)
	}
	if !cfg.Auth.Enabled {
		t.Errorf("expected auth enabled")
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Identity != "alice" {
		t.Fatalf("expected one token for alice, got %+v", cfg.Auth.Tokens)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Auth.Tokens[0].Hash), []byte("s3cret-token")); err != nil {
		t.Errorf("stored hash does not match token: %v", err)
	}
	if strings.Contains(output.String(), "s3cret-token\"") {
		t.Errorf("token echoed in output")
	}
}

func TestPromptEnum_RejectsInvalidValue(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("mysql\npostgres\n"), output: &output, isNew: true}

	result := p.promptEnum("audit.store", "file", auditStores)
	if result != "postgres" {
		t.Errorf("expected 'postgres', got %q", result)
	}
	if !strings.Contains(output.String(), `Invalid value "mysql"`) {
		t.Errorf("expected rejection message, output:\n%s", output.String())
	}
}

func TestPromptEnum_AcceptsEmptyForDefault(t *testing.T) {
	t.Parallel()

	p := &prompter{scanner: newScanner("\n"), output: &bytes.Buffer{}, isNew: true}
	if got := p.promptEnum("logging.format", "json", logFormats); got != "json" {
		t.Errorf("expected 'json', got %q", got)
	}
}

func TestPromptPositiveInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		current int
		want    int
		message string
	}{
		{"accepts", "42\n", 10, 42, ""},
		{"keeps current", "\n", 10, 10, ""},
		{"rejects zero", "0\n5\n", 10, 5, "Value must be > 0"},
		{"rejects negative", "-1\n5\n", 10, 5, "Value must be > 0"},
		{"rejects text", "abc\n5\n", 10, 5, `Invalid integer "abc"`},
		{"rejects enter when current zero", "\n7\n", 0, 7, "Value must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var output bytes.Buffer
			p := &prompter{scanner: newScanner(tt.input), output: &output, isNew: true}
			got := p.promptPositiveInt("query.max_concurrent", tt.current, "must be > 0")
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
			if tt.message != "" && !strings.Contains(output.String(), tt.message) {
				t.Errorf("expected %q in output:\n%s", tt.message, output.String())
			}
		})
	}
}

func TestPromptNonNegativeFloat(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("-1\nfast\n2.5\n"), output: &output, isNew: false}
	if got := p.promptNonNegativeFloat("rate_limit.requests_per_second", 0, "per identity"); got != 2.5 {
		t.Errorf("expected 2.5, got %g", got)
	}
	out := output.String()
	if !strings.Contains(out, "Value must be >= 0") || !strings.Contains(out, `Invalid number "fast"`) {
		t.Errorf("expected both rejections, output:\n%s", out)
	}
	if !strings.Contains(out, "(current: 0)") {
		t.Errorf("expected current label, output:\n%s", out)
	}
}

func TestPromptBool_RejectsInvalidThenAccepts(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("maybe\nn\n"), output: &output, isNew: true}
	if got := p.promptBool("auth.enabled", true); got {
		t.Errorf("expected false")
	}
	if !strings.Contains(output.String(), `Invalid value "maybe"`) {
		t.Errorf("expected rejection, output:\n%s", output.String())
	}
}

func TestPromptList(t *testing.T) {
	t.Parallel()

	t.Run("normalizes", func(t *testing.T) {
		t.Parallel()
		p := &prompter{scanner: newScanner("hr , app_data\n"), output: &bytes.Buffer{}, isNew: true}
		got := p.promptList("security.allowed_schemas", nil)
		if strings.Join(got, ",") != "HR,APP_DATA" {
			t.Errorf("expected HR,APP_DATA, got %v", got)
		}
	})

	t.Run("rejects invalid identifier", func(t *testing.T) {
		t.Parallel()
		var output bytes.Buffer
		p := &prompter{scanner: newScanner("HR, 1bad\nHR\n"), output: &output, isNew: true}
		got := p.promptList("security.allowed_schemas", nil)
		if strings.Join(got, ",") != "HR" {
			t.Errorf("expected HR, got %v", got)
		}
		if !strings.Contains(output.String(), `Invalid identifier "1bad"`) {
			t.Errorf("expected rejection, output:\n%s", output.String())
		}
	})

	t.Run("enter keeps nil", func(t *testing.T) {
		t.Parallel()
		p := &prompter{scanner: newScanner("\n"), output: &bytes.Buffer{}, isNew: true}
		if got := p.promptList("sensitive_tables", nil); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})
}

func TestPromptCron(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("every so often\n*/5 * * * *\n"), output: &output, isNew: true}
	if got := p.promptCron("audit.sweep_schedule", ""); got != "*/5 * * * *" {
		t.Errorf("expected */5 * * * *, got %q", got)
	}
	if !strings.Contains(output.String(), `Invalid cron spec "every so often"`) {
		t.Errorf("expected rejection, output:\n%s", output.String())
	}

	p = &prompter{scanner: newScanner("none\n"), output: &bytes.Buffer{}, isNew: false}
	if got := p.promptCron("audit.sweep_schedule", "@hourly"); got != "" {
		t.Errorf("expected none to disable, got %q", got)
	}
}

func TestPromptHookEntries_AddAndRemove(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"a", "(?i)^DELETE", "delete, update", "/usr/local/bin/check", "--strict, --json", "5",
		"a", "", "", "/bin/true", "", "",
		"r", "1",
		"c",
	}, "\n") + "\n"
	p := &prompter{scanner: newScanner(input), output: &bytes.Buffer{}, isNew: true}

	got := p.promptHookEntries("server_hooks.before", nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.Pattern != "(?i)^DELETE" || e.Command != "/usr/local/bin/check" || e.TimeoutSeconds != 5 {
		t.Errorf("unexpected entry %+v", e)
	}
	if strings.Join(e.Kinds, ",") != "DELETE,UPDATE" {
		t.Errorf("expected kinds DELETE,UPDATE, got %v", e.Kinds)
	}
	if strings.Join(e.Args, " ") != "--strict --json" {
		t.Errorf("expected args, got %v", e.Args)
	}
}

func TestPromptNewRegexField_RejectsInvalidThenAccepts(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("[unclosed\nORA-\\d+\n"), output: &output, isNew: true}
	if got := p.promptNewRegexField("pattern"); got != `ORA-\d+` {
		t.Errorf("expected ORA-\\d+, got %q", got)
	}
	if !strings.Contains(output.String(), "Invalid regex") {
		t.Errorf("expected rejection, output:\n%s", output.String())
	}
}

func TestRemoveByIndex_InvalidIndex(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	p := &prompter{scanner: newScanner("7\n"), output: &output, isNew: true}
	got := removeByIndex(p, "timeout rule", []oramcp.TimeoutRule{{Pattern: "x", TimeoutSeconds: 1}})
	if len(got) != 1 {
		t.Errorf("expected entry kept, got %v", got)
	}
	if !strings.Contains(output.String(), "Invalid index") {
		t.Errorf("expected invalid index message")
	}
}

func TestLoadExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, isNew := loadExisting(filepath.Join(dir, "missing.json"))
	if !isNew {
		t.Errorf("expected isNew for a missing file")
	}
	if cfg.Query.MaxConcurrent != oramcp.DefaultServerConfig().Query.MaxConcurrent {
		t.Errorf("expected defaults for a missing file")
	}

	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":7000}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, isNew = loadExisting(path)
	if isNew {
		t.Errorf("expected existing")
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("expected port 7000, got %d", cfg.Server.Port)
	}
	if cfg.Query.DefaultTimeoutSeconds != 30 {
		t.Errorf("expected unspecified fields to keep defaults, got %d", cfg.Query.DefaultTimeoutSeconds)
	}
}
