package oramcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rickchristie/oracle-mcp/internal/security"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	Security                  SecurityConfig     `json:"security"`
	Query                     QueryConfig        `json:"query"`
	Oracle                    OracleConfig       `json:"oracle"`
	RateLimit                 RateLimitConfig    `json:"rate_limit"`
	ErrorPrompts              []ErrorPromptRule  `json:"error_prompts"`
	Sanitization              []SanitizationRule `json:"sanitization"`
	SensitiveTables           []string           `json:"sensitive_tables"`
	MonitoredSchemas          []string           `json:"monitored_schemas"`
	DefaultHookTimeoutSeconds int                `json:"default_hook_timeout_seconds"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connections ConnectionsConfig `json:"connections"`
	Server      ServerSettings    `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Logging     LoggingConfig     `json:"logging"`
	Audit       AuditConfig       `json:"audit"`
	ServerHooks ServerHooksConfig `json:"server_hooks"`
}

// SecurityConfig seeds the validator policy. Nil lists fall back to the
// built-in defaults; an explicit empty allowed_schemas list disables the
// allow-list.
type SecurityConfig struct {
	MaxQueryLength    int      `json:"max_query_length"`
	DangerousKeywords []string `json:"dangerous_keywords"`
	AllowedSchemas    []string `json:"allowed_schemas"`
	BlockedSchemas    []string `json:"blocked_schemas"`
	MaxRowsAffected   int      `json:"max_rows_affected"`
	// PolicyFile is a JSON or YAML policy update watched for changes.
	PolicyFile string `json:"policy_file"`
}

// Policy returns the validator policy described by c.
func (c SecurityConfig) Policy() security.Policy {
	p := security.DefaultPolicy()
	if c.MaxQueryLength != 0 {
		p.MaxQueryLength = c.MaxQueryLength
	}
	if c.DangerousKeywords != nil {
		p.DangerousKeywords = c.DangerousKeywords
	}
	if c.AllowedSchemas != nil {
		p.AllowedSchemas = c.AllowedSchemas
	}
	if c.BlockedSchemas != nil {
		p.BlockedSchemas = c.BlockedSchemas
	}
	if c.MaxRowsAffected != 0 {
		p.MaxRowsAffected = c.MaxRowsAffected
	}
	return p
}

// QueryConfig holds statement execution settings.
type QueryConfig struct {
	DefaultTimeoutSeconds int           `json:"default_timeout_seconds"`
	MaxConcurrent         int           `json:"max_concurrent"`
	MaxResultLength       int           `json:"max_result_length"`
	DefaultPageSize       int           `json:"default_page_size"`
	MaxPageSize           int           `json:"max_page_size"`
	TimeoutRules          []TimeoutRule `json:"timeout_rules"`
	// DisableDefaultTimeoutRules drops the built-in rules for dictionary
	// views and ANALYZE.
	DisableDefaultTimeoutRules bool `json:"disable_default_timeout_rules"`
}

// OracleConfig controls the client driver and connection manager.
type OracleConfig struct {
	// ClientLibDir is tried first when thick mode is needed.
	ClientLibDir          string   `json:"client_lib_dir"`
	CandidateDirs         []string `json:"candidate_dirs"`
	AuthSignatures        []string `json:"auth_signatures"`
	ProbeTimeoutSeconds   int      `json:"probe_timeout_seconds"`
	ConnectTimeoutSeconds int      `json:"connect_timeout_seconds"`
}

// RateLimitConfig configures the per-identity token bucket. A zero rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ErrorPromptRule maps an error message pattern to a guidance message.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// SanitizationRule defines a regex-based field sanitization rule.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// ConnectionsConfig tells the CLI where the connection registry lives. The
// file is tried first, then the environment variable.
type ConnectionsConfig struct {
	File   string `json:"file"`
	EnvVar string `json:"env_var"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
}

// AuthConfig enables bearer-token authentication on the HTTP endpoint.
type AuthConfig struct {
	Enabled         bool          `json:"enabled"`
	Tokens          []TokenConfig `json:"tokens"`
	CacheTTLSeconds int           `json:"cache_ttl_seconds"`
}

// TokenConfig binds a bcrypt token hash to an identity.
type TokenConfig struct {
	Identity string `json:"identity"`
	Hash     string `json:"hash"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level       string `json:"level"`        // debug, info, warn, error
	Format      string `json:"format"`       // json, text
	Output      string `json:"output"`       // stderr, stdout, or file path
	ErrorOutput string `json:"error_output"` // optional file receiving error-level events only
	MaxSizeMB   int    `json:"max_size_mb"`
	MaxBackups  int    `json:"max_backups"`
	MaxAgeDays  int    `json:"max_age_days"`
}

// AuditConfig selects the audit store and its background jobs.
type AuditConfig struct {
	Store string `json:"store"` // file, sqlite, postgres, clickhouse
	Path  string `json:"path"`  // file and sqlite
	DSN   string `json:"dsn"`   // postgres and clickhouse
	// SweepSchedule is a cron spec (e.g. "@every 15m"); empty disables it.
	SweepSchedule      string        `json:"sweep_schedule"`
	SweepWindowMinutes int           `json:"sweep_window_minutes"`
	Archive            ArchiveConfig `json:"archive"`
}

// ArchiveConfig points audit exports at S3-compatible storage.
type ArchiveConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// ServerHooksConfig holds command-based hook configuration for CLI mode.
type ServerHooksConfig struct {
	Before []HookEntry `json:"before"`
	After  []HookEntry `json:"after"`
}

// HookEntry defines a single command-based hook.
type HookEntry struct {
	Pattern        string   `json:"pattern"`
	Kinds          []string `json:"kinds"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// DefaultServerConfig returns the configuration used when no file exists.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Config: Config{
			Query: QueryConfig{
				DefaultTimeoutSeconds: 30,
				MaxConcurrent:         10,
				MaxResultLength:       100000,
				DefaultPageSize:       100,
				MaxPageSize:           1000,
			},
			Oracle:                    OracleConfig{ProbeTimeoutSeconds: 5, ConnectTimeoutSeconds: 30},
			DefaultHookTimeoutSeconds: 10,
		},
		Connections: ConnectionsConfig{EnvVar: "ORACLE_CONNECTIONS"},
		Server: ServerSettings{
			Port:               8080,
			HealthCheckEnabled: true,
			HealthCheckPath:    "/health-check",
		},
		Auth:    AuthConfig{CacheTTLSeconds: 300},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stderr", MaxSizeMB: 5, MaxBackups: 5},
		Audit: AuditConfig{
			Store:              "file",
			Path:               "logs/audit.log",
			SweepWindowMinutes: 60,
		},
	}
}

// ApplyEnv overlays environment overrides on c. getenv is usually os.Getenv.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv("ORACLE_CONNECTIONS_FILE"); v != "" {
		c.Connections.File = v
	}
	if v := getenv("ORACLE_CLIENT_PATH"); v != "" {
		c.Oracle.ClientLibDir = v
	}
	if v := getenv("AUDIT_LOG_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v, ok := lookup(getenv, "ALLOWED_SCHEMAS"); ok {
		c.Security.AllowedSchemas = splitList(v)
	}
	if v, ok := lookup(getenv, "BLOCKED_SCHEMAS"); ok {
		c.Security.BlockedSchemas = splitList(v)
	}
	if v := getenv("MAX_ROWS_AFFECTED"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MAX_ROWS_AFFECTED must be a positive integer, got %q", v)
		}
		c.Security.MaxRowsAffected = n
	}
	if v, ok := lookup(getenv, "SENSITIVE_TABLES"); ok {
		c.SensitiveTables = splitList(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("LOG_FILE"); v != "" {
		c.Logging.Output = v
	}
	return nil
}

// lookup treats a variable set to only whitespace as absent.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	return v, strings.TrimSpace(v) != ""
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
