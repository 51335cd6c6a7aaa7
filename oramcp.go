package oramcp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/connmgr"
	"github.com/rickchristie/oracle-mcp/internal/errprompt"
	"github.com/rickchristie/oracle-mcp/internal/hooks"
	"github.com/rickchristie/oracle-mcp/internal/registry"
	"github.com/rickchristie/oracle-mcp/internal/sanitize"
	"github.com/rickchristie/oracle-mcp/internal/security"
	"github.com/rickchristie/oracle-mcp/internal/throttle"
	"github.com/rickchristie/oracle-mcp/internal/timeout"
)

// OracleMcp is the core engine behind every tool. All exported methods are
// safe for concurrent use from multiple goroutines.
type OracleMcp struct {
	config     Config
	registry   *registry.Registry
	manager    *connmgr.Manager
	validator  *security.Validator
	audit      *audit.Log
	limiter    *throttle.Limiter
	semaphore  chan struct{}
	cmdHooks   *hooks.Runner
	sanitizer  *sanitize.Sanitizer
	errPrompts *errprompt.Matcher
	timeoutMgr *timeout.Manager
	archiver   audit.Uploader
	logger     zerolog.Logger
	now        func() time.Time
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	serverHooks *ServerHooksConfig
	archiver    audit.Uploader
	mode        *connmgr.ClientModeState
	now         func() time.Time
}

// WithServerHooks passes command-based hook configuration to OracleMcp.
func WithServerHooks(h ServerHooksConfig) Option {
	return func(o *options) {
		o.serverHooks = &h
	}
}

// WithArchiver enables export_audit_log.
func WithArchiver(up audit.Uploader) Option {
	return func(o *options) {
		o.archiver = up
	}
}

// WithClientModeState shares an existing client mode state, e.g. one the
// CLI already switched to thick mode.
func WithClientModeState(s *connmgr.ClientModeState) Option {
	return func(o *options) {
		o.mode = s
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates an OracleMcp. The caller keeps ownership of auditLog and
// closes it after Close. Panics on invalid config.
func New(reg *registry.Registry, driver connmgr.Driver, auditLog *audit.Log, config Config, logger zerolog.Logger, opts ...Option) *OracleMcp {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// --- Config validation (panics on invalid config) ---

	if reg == nil {
		panic("oramcp: registry must be non-nil")
	}
	if driver == nil {
		panic("oramcp: driver must be non-nil")
	}
	if auditLog == nil {
		panic("oramcp: audit log must be non-nil")
	}
	if config.Query.DefaultTimeoutSeconds <= 0 {
		panic("oramcp: query.default_timeout_seconds must be > 0")
	}
	if config.Query.MaxConcurrent <= 0 {
		panic("oramcp: query.max_concurrent must be > 0")
	}
	if config.Query.MaxResultLength < 0 {
		panic("oramcp: query.max_result_length must be > 0")
	}
	if config.Query.MaxResultLength == 0 {
		config.Query.MaxResultLength = 100000
	}
	if config.Query.DefaultPageSize <= 0 {
		config.Query.DefaultPageSize = 100
	}
	if config.Query.MaxPageSize <= 0 {
		config.Query.MaxPageSize = 1000
	}
	if config.Query.DefaultPageSize > config.Query.MaxPageSize {
		panic("oramcp: query.default_page_size must not exceed query.max_page_size")
	}

	hasCmdHooks := o.serverHooks != nil && (len(o.serverHooks.Before) > 0 || len(o.serverHooks.After) > 0)
	if hasCmdHooks && config.DefaultHookTimeoutSeconds <= 0 {
		panic("oramcp: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}

	// --- Initialize internal components ---

	san, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		panic(fmt.Sprintf("oramcp: %v", err))
	}
	matcher, err := errprompt.NewMatcher(append(errprompt.DefaultRules(), mapErrorPromptRules(config.ErrorPrompts)...))
	if err != nil {
		panic(fmt.Sprintf("oramcp: %v", err))
	}

	var timeoutRules []timeout.Rule
	if !config.Query.DisableDefaultTimeoutRules {
		timeoutRules = timeout.DefaultRules()
	}
	// Configured rules are checked first.
	custom := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		custom[i] = timeout.Rule{Pattern: r.Pattern, Timeout: seconds(r.TimeoutSeconds)}
	}
	tmgr, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: seconds(config.Query.DefaultTimeoutSeconds),
		Rules:          append(custom, timeoutRules...),
	})
	if err != nil {
		panic(fmt.Sprintf("oramcp: %v", err))
	}

	var cmdHooks *hooks.Runner
	if hasCmdHooks {
		hookEntries := func(entries []HookEntry) []hooks.Entry {
			result := make([]hooks.Entry, len(entries))
			for i, e := range entries {
				result[i] = hooks.Entry{
					Pattern: e.Pattern,
					Kinds:   e.Kinds,
					Command: e.Command,
					Args:    e.Args,
					Timeout: seconds(e.TimeoutSeconds),
				}
			}
			return result
		}
		cmdHooks = hooks.NewRunner(hooks.Config{
			DefaultTimeout: seconds(config.DefaultHookTimeoutSeconds),
			Before:         hookEntries(o.serverHooks.Before),
			After:          hookEntries(o.serverHooks.After),
		}, logger)
	}

	mode := o.mode
	if mode == nil {
		mode = connmgr.NewClientModeState()
	}
	manager := connmgr.New(reg, driver, mode, connmgr.Config{
		ClientLibDir:   config.Oracle.ClientLibDir,
		CandidateDirs:  config.Oracle.CandidateDirs,
		AuthSignatures: config.Oracle.AuthSignatures,
		ProbeTimeout:   seconds(config.Oracle.ProbeTimeoutSeconds),
		ConnectTimeout: seconds(config.Oracle.ConnectTimeoutSeconds),
	}, logger)

	now := o.now
	if now == nil {
		now = time.Now
	}

	return &OracleMcp{
		config:     config,
		registry:   reg,
		manager:    manager,
		validator:  security.NewValidator(config.Security.Policy(), logger),
		audit:      auditLog,
		limiter:    throttle.New(throttle.Config{RequestsPerSecond: config.RateLimit.RequestsPerSecond, Burst: config.RateLimit.Burst}),
		semaphore:  make(chan struct{}, config.Query.MaxConcurrent),
		cmdHooks:   cmdHooks,
		sanitizer:  san,
		errPrompts: matcher,
		timeoutMgr: tmgr,
		archiver:   o.archiver,
		logger:     logger,
		now:        now,
	}
}

// Validator returns the live security validator, e.g. for policy file
// watching.
func (p *OracleMcp) Validator() *security.Validator { return p.validator }

// Audit returns the audit log.
func (p *OracleMcp) Audit() *audit.Log { return p.audit }

// Manager returns the connection manager.
func (p *OracleMcp) Manager() *connmgr.Manager { return p.manager }

// Close releases every cached connection. Close failures are logged, not
// returned.
func (p *OracleMcp) Close(ctx context.Context) {
	closed, failed := p.manager.ReleaseAll()
	p.logger.Info().Int("closed", closed).Int("failed", failed).Msg("oramcp closed")
}

// mapSanitizationRules converts SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		}
	}
	return result
}

// mapErrorPromptRules converts ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{
			Pattern: r.Pattern,
			Message: r.Message,
		}
	}
	return result
}
