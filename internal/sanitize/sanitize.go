package sanitize

import (
	"fmt"
	"regexp"
)

// Rule is the sanitizer's own rule type.
type Rule struct {
	Pattern     string
	Replacement string
}

// QueryRedactions mask credentials and literal row data in statements before
// they are written to the audit trail or surfaced in an error.
func QueryRedactions() []Rule {
	return []Rule{
		{Pattern: `(?i)\bIDENTIFIED\s+BY\s+("[^"]*"|'[^']*'|\S+)`, Replacement: "IDENTIFIED BY ***"},
		{Pattern: `(?i)\bPASSWORD\s+("[^"]*"|'[^']*')`, Replacement: "PASSWORD ***"},
		{Pattern: `(?i)\bVALUES\s*\([^)]*\)`, Replacement: "VALUES (***)"},
	}
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer applies regex rewrites to strings and result rows.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Sanitizer{rules: compiled}, nil
}

// MustSanitizer is NewSanitizer for built-in rule sets.
func MustSanitizer(rules []Rule) *Sanitizer {
	s, err := NewSanitizer(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// String applies every rule, in order, to v.
func (s *Sanitizer) String(v string) string {
	for _, rule := range s.rules {
		v = rule.pattern.ReplaceAllString(v, rule.replacement)
	}
	return v
}

// SanitizeRows applies sanitization to each field value in the result rows,
// recursing into nested maps and slices.
func (s *Sanitizer) SanitizeRows(rows []map[string]any) []map[string]any {
	for _, row := range rows {
		for k, v := range row {
			row[k] = s.sanitizeValue(v)
		}
	}
	return rows
}

func (s *Sanitizer) sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]any:
		for k, v := range val {
			val[k] = s.sanitizeValue(v)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = s.sanitizeValue(item)
		}
		return val
	default:
		// Numbers, bools, nil and time values pass through.
		return v
	}
}
