package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/meta"
	"github.com/rickchristie/oracle-mcp/internal/registry"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

func runDoctor() error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	fs.Parse(os.Args[2:])

	useColor := isTTY(os.Stderr.Fd())
	return doctor(os.Stderr, useColor, *configPath)
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "oramcp %s\n\n", meta.Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'oramcp doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads the config file over the defaults and checks
// everything serve would trip on. Returns the config and true if all checks
// passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*oramcp.ServerConfig, bool) {
	allPassed := true
	check := func(pass bool, msg string) {
		printCheck(w, useColor, pass, msg)
		if !pass {
			allPassed = false
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		check(false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file readable (%s)", configPath))

	config := oramcp.DefaultServerConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		check(false, fmt.Sprintf("Config file is valid JSON: %v", err))
		return nil, false
	}
	check(true, "Config file is valid JSON")

	if err := config.ApplyEnv(os.Getenv); err != nil {
		check(false, fmt.Sprintf("Environment overrides are valid: %v", err))
	}

	// Connections
	reg, err := registry.Load(connectionLoaders(config.Connections)...)
	if err != nil {
		check(false, fmt.Sprintf("Connection registry loads: %v", err))
	} else {
		check(true, fmt.Sprintf("Connection registry loads (%s: %s)", reg.Source(), strings.Join(reg.Names(), ", ")))
	}

	// Server
	if config.Server.Port <= 0 {
		check(false, "server.port is > 0")
	} else {
		check(true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}
	if config.Server.HealthCheckEnabled {
		if config.Server.HealthCheckPath == "" {
			check(false, "health_check_path is set (required when health_check_enabled)")
		} else {
			check(true, fmt.Sprintf("health_check_path is set (%s)", config.Server.HealthCheckPath))
		}
	}
	if config.Query.DefaultTimeoutSeconds <= 0 || config.Query.MaxConcurrent <= 0 {
		check(false, "query.default_timeout_seconds and query.max_concurrent are > 0")
	}

	// Regex patterns
	regexOK := true
	compile := func(field string, i int, pattern string) {
		if _, err := regexp.Compile(pattern); err != nil {
			check(false, fmt.Sprintf("%s[%d] regex compiles: %v", field, i, err))
			regexOK = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		compile("error_prompts", i, rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		compile("sanitization", i, rule.Pattern)
	}
	for i, rule := range config.Query.TimeoutRules {
		compile("timeout_rules", i, rule.Pattern)
	}
	for i, hook := range config.ServerHooks.Before {
		compile("server_hooks.before", i, hook.Pattern)
	}
	for i, hook := range config.ServerHooks.After {
		compile("server_hooks.after", i, hook.Pattern)
	}
	if regexOK {
		check(true, "All regex patterns compile")
	}

	// Security policy
	base := config.Security.Policy()
	if err := base.Check(); err != nil {
		check(false, fmt.Sprintf("Security policy is valid: %v", err))
	} else {
		check(true, "Security policy is valid")
	}
	if path := config.Security.PolicyFile; path != "" {
		if _, err := security.LoadPolicyFile(path, base); err != nil {
			check(false, fmt.Sprintf("Policy file loads: %v", err))
		} else {
			check(true, fmt.Sprintf("Policy file loads (%s)", path))
		}
	}

	// Audit
	switch strings.ToLower(config.Audit.Store) {
	case "", "file", "sqlite":
		check(config.Audit.Path != "", fmt.Sprintf("audit.path is set for the %s store", storeName(config.Audit.Store)))
	case "postgres", "clickhouse":
		check(config.Audit.DSN != "", fmt.Sprintf("audit.dsn is set for the %s store", config.Audit.Store))
	default:
		check(false, fmt.Sprintf("audit.store is one of file, sqlite, postgres, clickhouse (got %q)", config.Audit.Store))
	}
	if schedule := config.Audit.SweepSchedule; schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			check(false, fmt.Sprintf("audit.sweep_schedule parses: %v", err))
		} else {
			check(true, fmt.Sprintf("audit.sweep_schedule parses (%s)", schedule))
		}
	}
	if a := config.Audit.Archive; a.Endpoint != "" && a.Bucket == "" {
		check(false, "audit.archive.bucket is set (required when audit.archive.endpoint is set)")
	}

	// Auth
	if config.Auth.Enabled {
		if len(config.Auth.Tokens) == 0 {
			check(false, "auth.tokens has at least one entry (required when auth.enabled)")
		}
		for i, t := range config.Auth.Tokens {
			if strings.TrimSpace(t.Identity) == "" {
				check(false, fmt.Sprintf("auth.tokens[%d].identity is set", i))
			}
			if _, err := bcrypt.Cost([]byte(t.Hash)); err != nil {
				check(false, fmt.Sprintf("auth.tokens[%d].hash is a bcrypt hash (run 'oramcp hash-token')", i))
			}
		}
	}

	// Oracle client
	if dir := config.Oracle.ClientLibDir; dir != "" {
		info, err := os.Stat(dir)
		check(err == nil && info.IsDir(), fmt.Sprintf("oracle.client_lib_dir exists (%s)", dir))
	} else {
		found := existingDirs(connmgr.DefaultCandidateDirs(runtime.GOOS))
		if len(found) == 0 {
			fmt.Fprintln(w, "  - No Oracle client libraries found; thick mode will be unavailable")
		} else {
			fmt.Fprintf(w, "  - Oracle client candidates: %s\n", strings.Join(found, ", "))
		}
	}

	return &config, allPassed
}

func storeName(s string) string {
	if s == "" {
		return "file"
	}
	return s
}

func existingDirs(dirs []string) []string {
	var found []string
	for _, d := range dirs {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			found = append(found, d)
		}
	}
	return found
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *oramcp.ServerConfig) {
	url := fmt.Sprintf("http://localhost:%d/mcp", config.Server.Port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;31m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}
	// block prints a JSON snippet under root.oracle with the given url key.
	block := func(root, urlKey, typ string) {
		fmt.Fprintf(w, "  {\n    %q: {\n      \"oracle\": {\n", root)
		if typ != "" {
			fmt.Fprintf(w, "        \"type\": %q,\n", typ)
		}
		if config.Auth.Enabled {
			fmt.Fprintf(w, "        %q: %q,\n", urlKey, url)
			fmt.Fprintf(w, "        \"headers\": {\"Authorization\": \"Bearer <token>\"}\n")
		} else {
			fmt.Fprintf(w, "        %q: %q\n", urlKey, url)
		}
		fmt.Fprint(w, "      }\n    }\n  }\n\n")
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	if config.Auth.Enabled {
		fmt.Fprintf(w, "    claude mcp add --transport http oracle %s --header \"Authorization: Bearer <token>\"\n\n", url)
	} else {
		fmt.Fprintf(w, "    claude mcp add --transport http oracle %s\n\n", url)
	}
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	block("mcpServers", "url", "http")

	subheading("Copilot CLI (~/.copilot/mcp-config.json)")
	block("mcpServers", "url", "http")

	subheading("Gemini CLI (~/.gemini/settings.json)")
	block("mcpServers", "httpUrl", "")

	subheading("OpenCode (opencode.json)")
	block("mcp", "url", "remote")

	subheading("Cursor (.cursor/mcp.json)")
	block("mcpServers", "url", "")

	subheading("Windsurf (~/.codeium/windsurf/mcp_config.json)")
	block("mcpServers", "serverUrl", "")
}
