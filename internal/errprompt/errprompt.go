package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the error prompt matcher's own rule type.
type Rule struct {
	Pattern string
	Message string
}

// DefaultRules returns guidance for the Oracle errors an assistant most often
// hits. Configured rules are appended after these.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `ORA-00942`, Message: "The table or view does not exist, or you lack privileges on it. Use get_table_info or get_database_info to check the owner and spelling."},
		{Pattern: `ORA-00904`, Message: "A column name is invalid. Use get_table_info to list the table's columns."},
		{Pattern: `ORA-01017`, Message: "Invalid username or password. Ask the operator to check the connection's credentials."},
		{Pattern: `ORA-01031`, Message: "Insufficient privileges. Use get_users_privileges to see what the connection user may do."},
		{Pattern: `ORA-12541`, Message: "No listener at the configured address. Check host, port and that the database is running."},
		{Pattern: `ORA-28040|NJS-116|verifier type`, Message: "The server requires a newer authentication protocol. Install an Oracle Instant Client and set ORACLE_CLIENT_PATH so the server can switch to thick mode."},
		{Pattern: `\[rate_limited\]`, Message: "Too many requests from this identity. Wait a moment before retrying."},
	}
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher checks error messages against patterns and returns guidance prompts.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Match checks error message against all rules (top to bottom).
// Returns all matching prompt messages joined with newline separators.
// Returns empty string if no match.
func (m *Matcher) Match(errMsg string) string {
	var matches []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(errMsg) {
			matches = append(matches, rule.message)
		}
	}
	return strings.Join(matches, "\n")
}

// Annotate appends matching prompts to errMsg.
func (m *Matcher) Annotate(errMsg string) string {
	if p := m.Match(errMsg); p != "" {
		return errMsg + "\n\n" + p
	}
	return errMsg
}

// MatchedPatterns returns the regex patterns that matched the given error message.
// Returns nil if no match.
func (m *Matcher) MatchedPatterns(errMsg string) []string {
	var patterns []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(errMsg) {
			patterns = append(patterns, rule.pattern.String())
		}
	}
	return patterns
}
