package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

// MaxIdentifierLength is the Oracle (pre-12.2) identifier length limit.
const MaxIdentifierLength = 30

// Validation rule names carried by errs.Error.Rule.
const (
	RuleEmptyQuery           = "empty_query"
	RuleQueryTooLong         = "query_too_long"
	RuleUnknownKind          = "unknown_kind"
	RuleDangerousKeyword     = "dangerous_keyword"
	RuleInjectionPrefix      = "injection:"
	RuleBlockedSchema        = "blocked_schema"
	RuleSchemaNotAllowed     = "schema_not_allowed"
	RuleInvalidIdentifier    = "invalid_identifier"
	RuleRowsAffectedExceeded = "rows_affected_exceeded"
	RuleMissingWhere         = "missing_where"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_$#]*$`)

type compiledPolicy struct {
	policy   Policy
	keywords map[string]bool
	prefixes []string
	allowed  map[string]bool
	blocked  map[string]bool
}

func compilePolicy(p Policy) *compiledPolicy {
	p = p.normalize()
	c := &compiledPolicy{
		policy:   p,
		keywords: make(map[string]bool),
		allowed:  set(p.AllowedSchemas...),
		blocked:  set(p.BlockedSchemas...),
	}
	for _, kw := range p.DangerousKeywords {
		if strings.HasSuffix(kw, "_") {
			c.prefixes = append(c.prefixes, kw)
		} else {
			c.keywords[kw] = true
		}
	}
	return c
}

// Validator gates statements before they reach a connection.
// All methods are safe for concurrent use.
type Validator struct {
	policy atomic.Pointer[compiledPolicy]
	mu     sync.Mutex // serializes policy updates
	logger zerolog.Logger
}

// NewValidator creates a Validator. Panics on an invalid policy.
func NewValidator(p Policy, logger zerolog.Logger) *Validator {
	if err := p.Check(); err != nil {
		panic(fmt.Sprintf("security: invalid policy: %v", err))
	}
	v := &Validator{logger: logger}
	v.policy.Store(compilePolicy(p))
	return v
}

// Policy returns a copy of the current policy.
func (v *Validator) Policy() Policy {
	p := v.policy.Load().policy
	p.DangerousKeywords = append([]string(nil), p.DangerousKeywords...)
	p.AllowedSchemas = append([]string(nil), p.AllowedSchemas...)
	p.BlockedSchemas = append([]string(nil), p.BlockedSchemas...)
	return p
}

// SetPolicy replaces the whole policy.
func (v *Validator) SetPolicy(p Policy) error {
	if err := p.Check(); err != nil {
		return errs.Configuration("invalid security policy", err)
	}
	v.mu.Lock()
	v.policy.Store(compilePolicy(p))
	v.mu.Unlock()
	v.logger.Info().
		Int("max_query_length", p.MaxQueryLength).
		Strs("allowed_schemas", p.AllowedSchemas).
		Strs("blocked_schemas", p.BlockedSchemas).
		Msg("security policy replaced")
	return nil
}

// UpdatePolicy merges u into the current policy and returns the result.
func (v *Validator) UpdatePolicy(u PolicyUpdate) (Policy, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.policy.Load().policy.Merge(u)
	if err := next.Check(); err != nil {
		return Policy{}, errs.Configuration("invalid security policy update", err)
	}
	c := compilePolicy(next)
	v.policy.Store(c)
	v.logger.Info().
		Int("max_query_length", c.policy.MaxQueryLength).
		Strs("allowed_schemas", c.policy.AllowedSchemas).
		Strs("blocked_schemas", c.policy.BlockedSchemas).
		Int("max_rows_affected", c.policy.MaxRowsAffected).
		Msg("security policy updated")
	return v.Policy(), nil
}

// Validate accepts or rejects query as a statement of the given kind.
// Rejections are *errs.Error of kind Validation naming the failed rule.
func (v *Validator) Validate(query string, kind Kind) error {
	c := v.policy.Load()

	if strings.TrimSpace(query) == "" {
		return errs.Validation(RuleEmptyQuery, "query is empty")
	}
	if n := utf8.RuneCountInString(query); n > c.policy.MaxQueryLength {
		return errs.Validation(RuleQueryTooLong,
			fmt.Sprintf("query is %d characters, maximum is %d", n, c.policy.MaxQueryLength))
	}
	allow, ok := allowLists[kind]
	if !ok {
		return errs.Validation(RuleUnknownKind, fmt.Sprintf("unknown operation kind %q", kind))
	}

	views := codeViews(query)

	for _, code := range views {
		for _, w := range words(code) {
			if allow[w] {
				continue
			}
			if c.keywords[w] {
				return errs.Validation(RuleDangerousKeyword,
					fmt.Sprintf("keyword %s is not allowed in %s operations", w, kind))
			}
			for _, p := range c.prefixes {
				if strings.HasPrefix(w, p) {
					return errs.Validation(RuleDangerousKeyword,
						fmt.Sprintf("identifier %s uses the restricted prefix %s", w, p))
				}
			}
		}
	}

	if name := matchInjection(query); name != "" {
		return errs.Validation(RuleInjectionPrefix+name,
			fmt.Sprintf("query matches injection signature %s", name))
	}

	return c.checkSchemas(views)
}

// checkSchemas applies the schema lists to the leading part of every dotted
// reference. A table name or alias leading a two-part reference is a column
// qualifier and skips the allow-list, unless the same name is the schema of
// a table reference in the statement.
func (c *compiledPolicy) checkSchemas(views []string) error {
	refs := make([][]schemaRef, len(views))
	for i, code := range views {
		refs[i] = schemaRefs(code)
		for _, r := range refs[i] {
			if c.blocked[r.name] {
				return errs.Validation(RuleBlockedSchema, fmt.Sprintf("access to schema %s is blocked", r.name))
			}
		}
	}
	if len(c.allowed) == 0 {
		return nil
	}
	for i, code := range views {
		if len(refs[i]) == 0 {
			continue
		}
		_, quals := tableRefs(code)
		for _, r := range refs[i] {
			if c.allowed[r.name] || (r.column && quals[r.name]) {
				continue
			}
			return errs.Validation(RuleSchemaNotAllowed, fmt.Sprintf("schema %s is not in the allowed list", r.name))
		}
	}
	return nil
}

// ValidateSchema applies the schema lists to a structurally supplied schema name.
func (v *Validator) ValidateSchema(schema string) error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	c := v.policy.Load()
	s := strings.ToUpper(schema)
	if c.blocked[s] {
		return errs.Validation(RuleBlockedSchema, fmt.Sprintf("access to schema %s is blocked", s))
	}
	if len(c.allowed) > 0 && !c.allowed[s] {
		return errs.Validation(RuleSchemaNotAllowed, fmt.Sprintf("schema %s is not in the allowed list", s))
	}
	return nil
}

// ValidateRowsAffected rejects batches larger than the policy allows.
func (v *Validator) ValidateRowsAffected(n int) error {
	limit := v.policy.Load().policy.MaxRowsAffected
	if n > limit {
		return errs.Validation(RuleRowsAffectedExceeded,
			fmt.Sprintf("operation would affect %d rows, maximum is %d", n, limit))
	}
	return nil
}

// ValidateIdentifier checks a table, column, user or role name supplied
// structurally rather than parsed out of SQL.
func ValidateIdentifier(name string) error {
	if len(name) > MaxIdentifierLength {
		return errs.Validation(RuleInvalidIdentifier,
			fmt.Sprintf("identifier %q exceeds %d characters", name, MaxIdentifierLength))
	}
	if !identifierRe.MatchString(name) {
		return errs.Validation(RuleInvalidIdentifier,
			fmt.Sprintf("identifier %q must start with a letter and contain only letters, digits, _, $ or #", name))
	}
	return nil
}

// NormalizeIdentifier validates name and returns it upper-cased, ready to be
// spliced into generated SQL.
func NormalizeIdentifier(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return strings.ToUpper(name), nil
}
