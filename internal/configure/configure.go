package configure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/auth"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew := loadExisting(configPath)

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "oramcp configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n\n", configPath)

	// Connections
	fmt.Fprintf(output, "=== Connections ===\n")
	cfg.Connections.File = p.promptStringWithHint("connections.file", cfg.Connections.File, "JSON or YAML registry, tried first")
	cfg.Connections.EnvVar = p.promptStringWithHint("connections.env_var", cfg.Connections.EnvVar, "variable holding the registry when the file is missing")

	// Oracle client
	fmt.Fprintf(output, "\n=== Oracle Client ===\n")
	cfg.Oracle.ClientLibDir = p.promptStringWithHint("oracle.client_lib_dir", cfg.Oracle.ClientLibDir, "Instant Client directory for thick mode, empty = search candidates")
	cfg.Oracle.ProbeTimeoutSeconds = p.promptPositiveInt("oracle.probe_timeout_seconds", cfg.Oracle.ProbeTimeoutSeconds, "seconds, must be > 0")

	// Server
	fmt.Fprintf(output, "\n=== Server ===\n")
	cfg.Server.Port = p.promptPositiveInt("server.port", cfg.Server.Port, "must be > 0")
	cfg.Server.HealthCheckEnabled = p.promptBool("server.health_check_enabled", cfg.Server.HealthCheckEnabled)
	cfg.Server.HealthCheckPath = p.promptStringWithHint("server.health_check_path", cfg.Server.HealthCheckPath, "e.g. /healthz, required when health_check_enabled is true")

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptStringWithHint("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")
	cfg.Logging.ErrorOutput = p.promptStringWithHint("logging.error_output", cfg.Logging.ErrorOutput, "file receiving error events only, empty = none")
	cfg.Logging.MaxSizeMB = p.promptPositiveInt("logging.max_size_mb", cfg.Logging.MaxSizeMB, "megabytes before rotation, must be > 0")
	cfg.Logging.MaxBackups = p.promptNonNegativeInt("logging.max_backups", cfg.Logging.MaxBackups, "rotated files kept, 0 = all")

	// Query
	fmt.Fprintf(output, "\n=== Query ===\n")
	cfg.Query.DefaultTimeoutSeconds = p.promptPositiveInt("query.default_timeout_seconds", cfg.Query.DefaultTimeoutSeconds, "seconds, must be > 0")
	cfg.Query.MaxConcurrent = p.promptPositiveInt("query.max_concurrent", cfg.Query.MaxConcurrent, "must be > 0")
	cfg.Query.MaxResultLength = p.promptPositiveInt("query.max_result_length", cfg.Query.MaxResultLength, "characters, must be > 0")
	cfg.Query.DefaultPageSize = p.promptPositiveInt("query.default_page_size", cfg.Query.DefaultPageSize, "rows, must be > 0")
	cfg.Query.MaxPageSize = p.promptPositiveInt("query.max_page_size", cfg.Query.MaxPageSize, "rows, must be >= default_page_size")

	// Security
	fmt.Fprintf(output, "\n=== Security ===\n")
	cfg.Security.MaxQueryLength = p.promptNonNegativeInt("security.max_query_length", cfg.Security.MaxQueryLength, "characters, 0 = built-in default")
	cfg.Security.MaxRowsAffected = p.promptNonNegativeInt("security.max_rows_affected", cfg.Security.MaxRowsAffected, "rows per batch, 0 = built-in default")
	cfg.Security.AllowedSchemas = p.promptList("security.allowed_schemas", cfg.Security.AllowedSchemas)
	cfg.Security.BlockedSchemas = p.promptList("security.blocked_schemas", cfg.Security.BlockedSchemas)
	cfg.Security.PolicyFile = p.promptStringWithHint("security.policy_file", cfg.Security.PolicyFile, "JSON or YAML policy watched for changes, empty = none")
	cfg.SensitiveTables = p.promptList("sensitive_tables", cfg.SensitiveTables)
	cfg.MonitoredSchemas = p.promptList("monitored_schemas", cfg.MonitoredSchemas)

	// Rate limit
	fmt.Fprintf(output, "\n=== Rate Limit ===\n")
	cfg.RateLimit.RequestsPerSecond = p.promptNonNegativeFloat("rate_limit.requests_per_second", cfg.RateLimit.RequestsPerSecond, "per identity, 0 = unlimited")
	cfg.RateLimit.Burst = p.promptNonNegativeInt("rate_limit.burst", cfg.RateLimit.Burst, "0 = one second of requests")

	// Audit
	fmt.Fprintf(output, "\n=== Audit ===\n")
	cfg.Audit.Store = p.promptEnum("audit.store", cfg.Audit.Store, auditStores)
	cfg.Audit.Path = p.promptStringWithHint("audit.path", cfg.Audit.Path, "file and sqlite stores")
	cfg.Audit.DSN = p.promptStringWithHint("audit.dsn", cfg.Audit.DSN, "postgres and clickhouse stores")
	cfg.Audit.SweepSchedule = p.promptCron("audit.sweep_schedule", cfg.Audit.SweepSchedule)
	cfg.Audit.SweepWindowMinutes = p.promptPositiveInt("audit.sweep_window_minutes", cfg.Audit.SweepWindowMinutes, "minutes, must be > 0")
	cfg.Audit.Archive.Endpoint = p.promptStringWithHint("audit.archive.endpoint", cfg.Audit.Archive.Endpoint, "S3-compatible host:port, empty disables export_audit_log")
	cfg.Audit.Archive.Bucket = p.promptString("audit.archive.bucket", cfg.Audit.Archive.Bucket)

	// General
	fmt.Fprintf(output, "\n=== General ===\n")
	cfg.DefaultHookTimeoutSeconds = p.promptNonNegativeInt("default_hook_timeout_seconds", cfg.DefaultHookTimeoutSeconds, "seconds, must be > 0 when hooks are configured")
	cfg.Auth.Enabled = p.promptBool("auth.enabled", cfg.Auth.Enabled)

	// Array fields
	fmt.Fprintf(output, "\n=== Auth Tokens ===\n")
	cfg.Auth.Tokens = p.promptTokens(cfg.Auth.Tokens)

	fmt.Fprintf(output, "\n=== Timeout Rules ===\n")
	cfg.Query.TimeoutRules = p.promptTimeoutRules(cfg.Query.TimeoutRules)

	fmt.Fprintf(output, "\n=== Error Prompts ===\n")
	cfg.ErrorPrompts = p.promptErrorPrompts(cfg.ErrorPrompts)

	fmt.Fprintf(output, "\n=== Sanitization Rules ===\n")
	cfg.Sanitization = p.promptSanitizationRules(cfg.Sanitization)

	fmt.Fprintf(output, "\n=== Server Hooks: Before ===\n")
	cfg.ServerHooks.Before = p.promptHookEntries("server_hooks.before", cfg.ServerHooks.Before)

	fmt.Fprintf(output, "\n=== Server Hooks: After ===\n")
	cfg.ServerHooks.After = p.promptHookEntries("server_hooks.after", cfg.ServerHooks.After)

	// Write config
	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

// loadExisting reads configPath over the defaults. A missing file yields the
// defaults and isNew.
func loadExisting(configPath string) (*oramcp.ServerConfig, bool) {
	cfg := oramcp.DefaultServerConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		return &cfg, true
	}
	// Ignore unmarshal errors: start with whatever was parseable.
	_ = json.Unmarshal(data, &cfg)
	return &cfg, false
}

var (
	logLevels   = []string{"debug", "info", "warn", "error"}
	logFormats  = []string{"json", "text"}
	auditStores = []string{"file", "sqlite", "postgres", "clickhouse"}
)

func writeConfig(configPath string, cfg *oramcp.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	// The file may hold token hashes and archive credentials.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}
	return nil
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptStringWithHint(field string, current string, hint string) string {
	fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

// bound describes the accepted range of a numeric prompt.
type bound struct {
	positive bool
}

func (b bound) String() string {
	if b.positive {
		return "> 0"
	}
	return ">= 0"
}

func (b bound) ok(v float64) bool {
	return v > 0 || (!b.positive && v == 0)
}

// askNumber loops until the input parses and lies within b. An empty line
// keeps current unless current itself is out of range.
func askNumber[T int | float64](p *prompter, prompt string, current T, b bound, noun string, parse func(string) (T, error)) T {
	for {
		fmt.Fprint(p.output, prompt)
		input := p.readLine()
		if input == "" {
			if b.ok(float64(current)) {
				return current
			}
			fmt.Fprintf(p.output, "  Value must be %s, try again.\n", b)
			continue
		}
		val, err := parse(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid %s %q, try again.\n", noun, input)
			continue
		}
		if !b.ok(float64(val)) {
			fmt.Fprintf(p.output, "  Value must be %s, try again.\n", b)
			continue
		}
		return val
	}
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	prompt := fmt.Sprintf("%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
	return askNumber(p, prompt, current, bound{positive: true}, "integer", strconv.Atoi)
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	prompt := fmt.Sprintf("%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
	return askNumber(p, prompt, current, bound{}, "integer", strconv.Atoi)
}

func (p *prompter) promptNonNegativeFloat(field string, current float64, hint string) float64 {
	prompt := fmt.Sprintf("%s [%s] (%s: %g): ", field, hint, p.valueLabel(), current)
	return askNumber(p, prompt, current, bound{}, "number", parseFloat)
}

func (p *prompter) promptBool(field string, current bool) bool {
	for {
		fmt.Fprintf(p.output, "%s (%s: %v): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		switch strings.ToLower(input) {
		case "true", "t", "yes", "y", "1":
			return true
		case "false", "f", "no", "n", "0":
			return false
		default:
			fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
		}
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// promptList edits a comma-separated list of identifiers. "none" clears it.
// A nil list means "built-in default".
func (p *prompter) promptList(field string, current []string) []string {
	for {
		shown := "built-in default"
		if current != nil {
			shown = strings.Join(current, ",")
		}
		fmt.Fprintf(p.output, "%s [comma-separated, \"none\" = empty] (%s: %q): ", field, p.valueLabel(), shown)
		input := p.readLine()
		switch {
		case input == "":
			return current
		case strings.EqualFold(input, "none"):
			return []string{}
		}
		var out []string
		bad := ""
		for _, part := range strings.Split(input, ",") {
			name, err := security.NormalizeIdentifier(strings.TrimSpace(part))
			if err != nil {
				bad = part
				break
			}
			out = append(out, name)
		}
		if bad != "" {
			fmt.Fprintf(p.output, "  Invalid identifier %q, try again.\n", strings.TrimSpace(bad))
			continue
		}
		return out
	}
}

func (p *prompter) promptCron(field string, current string) string {
	for {
		fmt.Fprintf(p.output, "%s [cron spec, e.g. @every 15m, empty = disabled] (%s: %q): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if strings.EqualFold(input, "none") {
			return ""
		}
		if _, err := cron.ParseStandard(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid cron spec %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

// editList runs the add/remove loop shared by every array field. describe
// renders one entry; add prompts for a new one and reports whether it is
// usable.
func editList[T any](p *prompter, label string, items []T, describe func(T) string, add func() (T, bool)) []T {
	for {
		if len(items) == 0 {
			fmt.Fprintf(p.output, "  (no entries)\n")
		}
		for i, it := range items {
			fmt.Fprintf(p.output, "  [%d] %s\n", i, describe(it))
		}
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		switch strings.ToLower(p.readLine()) {
		case "a":
			if it, ok := add(); ok {
				items = append(items, it)
			}
		case "r":
			items = removeByIndex(p, label, items)
		case "c", "":
			return items
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) promptTokens(current []oramcp.TokenConfig) []oramcp.TokenConfig {
	return editList(p, "token", current,
		func(t oramcp.TokenConfig) string { return fmt.Sprintf("identity=%q", t.Identity) },
		func() (oramcp.TokenConfig, bool) {
			identity := p.promptNewField("identity")
			token := p.promptNewField("token (stored as a bcrypt hash)")
			if identity == "" || token == "" {
				fmt.Fprintf(p.output, "  Identity and token are required.\n")
				return oramcp.TokenConfig{}, false
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				fmt.Fprintf(p.output, "  Failed to hash token: %v\n", err)
				return oramcp.TokenConfig{}, false
			}
			return oramcp.TokenConfig{Identity: identity, Hash: hash}, true
		})
}

func (p *prompter) promptTimeoutRules(current []oramcp.TimeoutRule) []oramcp.TimeoutRule {
	return editList(p, "timeout rule", current,
		func(r oramcp.TimeoutRule) string {
			return fmt.Sprintf("pattern=%q timeout_seconds=%d", r.Pattern, r.TimeoutSeconds)
		},
		func() (oramcp.TimeoutRule, bool) {
			return oramcp.TimeoutRule{
				Pattern:        p.promptNewRegexField("pattern"),
				TimeoutSeconds: p.promptNewPositiveIntField("timeout_seconds"),
			}, true
		})
}

func (p *prompter) promptErrorPrompts(current []oramcp.ErrorPromptRule) []oramcp.ErrorPromptRule {
	return editList(p, "error prompt", current,
		func(r oramcp.ErrorPromptRule) string { return fmt.Sprintf("pattern=%q message=%q", r.Pattern, r.Message) },
		func() (oramcp.ErrorPromptRule, bool) {
			return oramcp.ErrorPromptRule{
				Pattern: p.promptNewRegexField("pattern"),
				Message: p.promptNewField("message"),
			}, true
		})
}

func (p *prompter) promptSanitizationRules(current []oramcp.SanitizationRule) []oramcp.SanitizationRule {
	return editList(p, "sanitization rule", current,
		func(r oramcp.SanitizationRule) string {
			return fmt.Sprintf("pattern=%q replacement=%q description=%q", r.Pattern, r.Replacement, r.Description)
		},
		func() (oramcp.SanitizationRule, bool) {
			return oramcp.SanitizationRule{
				Pattern:     p.promptNewRegexField("pattern"),
				Replacement: p.promptNewField("replacement"),
				Description: p.promptNewField("description"),
			}, true
		})
}

func (p *prompter) promptHookEntries(label string, current []oramcp.HookEntry) []oramcp.HookEntry {
	return editList(p, label, current,
		func(e oramcp.HookEntry) string {
			return fmt.Sprintf("pattern=%q kinds=%v command=%q args=%v timeout_seconds=%d",
				e.Pattern, e.Kinds, e.Command, e.Args, e.TimeoutSeconds)
		},
		func() (oramcp.HookEntry, bool) {
			e := oramcp.HookEntry{Pattern: p.promptNewRegexField("pattern")}
			for _, k := range splitCSV(p.promptNewField("kinds (comma-separated, empty = all)")) {
				e.Kinds = append(e.Kinds, strings.ToUpper(k))
			}
			e.Command = p.promptNewField("command")
			e.Args = splitCSV(p.promptNewField("args (comma-separated)"))
			e.TimeoutSeconds = p.promptNewNonNegativeIntField("timeout_seconds")
			return e, true
		})
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			return ""
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

func (p *prompter) promptNewPositiveIntField(name string) int {
	return askNumber(p, fmt.Sprintf("  %s (must be > 0): ", name), 0, bound{positive: true}, "integer", strconv.Atoi)
}

func (p *prompter) promptNewNonNegativeIntField(name string) int {
	return askNumber(p, fmt.Sprintf("  %s (must be >= 0): ", name), 0, bound{}, "integer", strconv.Atoi)
}

// removeByIndex removes the element at a prompted index.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}
