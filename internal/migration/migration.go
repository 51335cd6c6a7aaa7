// Package migration lints Oracle migration scripts before they reach
// production and renders starter templates for common migrations.
//
// Linting is purely textual. Nothing here talks to the database, so the
// linter can run against scripts that reference objects that do not exist
// yet.
package migration

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/errs"
)

// MinScriptLength is the shortest script worth linting.
const MinScriptLength = 10

const (
	maxLines             = 100
	maxControlConstructs = 3
	maxStatements        = 20
	minCommentRatio      = 0.1
)

// Status summarises a Report.
type Status string

const (
	StatusApproved Status = "approved"
	StatusReview   Status = "review"
	StatusRejected Status = "rejected"
)

// DangerousOperations are statement shapes that destroy or rewrite data.
var DangerousOperations = []string{
	"DROP TABLE",
	"DROP INDEX",
	"DROP SEQUENCE",
	"DROP PROCEDURE",
	"DROP FUNCTION",
	"DROP PACKAGE",
	"DROP VIEW",
	"TRUNCATE TABLE",
	"DELETE FROM",
	"ALTER TABLE DROP COLUMN",
	"ALTER TABLE MODIFY COLUMN",
}

// ignoredSchemas may be referenced from any migration.
var ignoredSchemas = map[string]bool{"SYS": true, "SYSTEM": true, "DBA": true}

var (
	backupPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)BACKUP`),
		regexp.MustCompile(`(?i)CREATE\s+TABLE\s+\S*_OLD\b`),
		regexp.MustCompile(`(?i)\bSAVEPOINT\b`),
		regexp.MustCompile(`(?i)\bCOMMIT\b`),
		regexp.MustCompile(`(?i)\bROLLBACK\b`),
	}

	validationKeywords = []string{
		"IF EXISTS",
		"IF NOT EXISTS",
		"SELECT COUNT",
		"WHERE EXISTS",
		"CASE WHEN",
		"DECODE",
		"NVL",
		"COALESCE",
	}

	controlKeywords = []*regexp.Regexp{
		regexp.MustCompile(`\bCURSOR\b`),
		regexp.MustCompile(`\bLOOP\b`),
		regexp.MustCompile(`\bWHILE\b`),
		regexp.MustCompile(`\bFOR\b`),
		regexp.MustCompile(`\bEXCEPTION\b`),
		regexp.MustCompile(`\bRAISE\b`),
	}

	schemaRefRe = regexp.MustCompile(`\b([A-Z_][A-Z0-9_$#]*)\.[A-Z_]`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Report is the outcome of linting one script.
type Report struct {
	Status              Status   `json:"status"`
	TargetSchema        string   `json:"target_schema"`
	DangerousOperations []string `json:"dangerous_operations,omitempty"`
	Errors              []string `json:"errors,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Suggestions         []string `json:"suggestions,omitempty"`
	Lines               int      `json:"lines"`
	Statements          int      `json:"statements"`
}

// Validate lints script for deployment into targetSchema. Input that is too
// short to lint, or a missing schema, is a validation error; every other
// problem is reported in the Report.
func Validate(script, targetSchema string) (Report, error) {
	if len(strings.TrimSpace(script)) < MinScriptLength {
		return Report{}, errs.Validation("script_too_short",
			fmt.Sprintf("script must be at least %d characters", MinScriptLength))
	}
	targetSchema = strings.ToUpper(strings.TrimSpace(targetSchema))
	if targetSchema == "" {
		return Report{}, errs.Validation("missing_target_schema", "target_schema is required")
	}

	lines := strings.Split(script, "\n")
	upper := strings.ToUpper(script)
	// Collapsing whitespace lets "DROP   TABLE" and multi-line statements
	// match the single-space operation names.
	flat := spaceRe.ReplaceAllString(upper, " ")

	r := Report{
		TargetSchema: targetSchema,
		Lines:        len(lines),
		Statements:   strings.Count(script, ";"),
	}

	r.DangerousOperations = dangerousOperations(flat)
	dangerous := len(r.DangerousOperations) > 0

	if dangerous && !hasBackupStrategy(script) {
		r.Errors = append(r.Errors, "script contains dangerous operations but no backup or rollback strategy")
	}
	r.Errors = append(r.Errors, syntaxIssues(script, lines)...)
	r.Warnings = append(r.Warnings, schemaIssues(upper, targetSchema)...)

	if !hasEnoughComments(lines) {
		r.Suggestions = append(r.Suggestions,
			fmt.Sprintf("add explanatory comments (at least %.0f%% of lines)", minCommentRatio*100))
	}
	if dangerous && !hasValidations(flat) {
		r.Warnings = append(r.Warnings, "no validation checks before critical operations")
	}
	for _, reason := range complexity(upper, r.Lines, r.Statements) {
		r.Warnings = append(r.Warnings, "complex script: "+reason)
	}

	switch {
	case len(r.Errors) > 0:
		r.Status = StatusRejected
	case dangerous || len(r.Warnings) > 0 || len(r.Suggestions) > 0:
		r.Status = StatusReview
	default:
		r.Status = StatusApproved
	}
	return r, nil
}

func dangerousOperations(flat string) []string {
	var found []string
	for _, op := range DangerousOperations {
		if strings.Contains(flat, op) {
			found = append(found, op)
		}
	}
	return found
}

func hasBackupStrategy(script string) bool {
	for _, re := range backupPatterns {
		if re.MatchString(script) {
			return true
		}
	}
	return false
}

func syntaxIssues(script string, lines []string) []string {
	var issues []string

	parens := 0
	inString := false
	for _, c := range script {
		switch {
		case c == '\'':
			inString = !inString
		case c == '(' && !inString:
			parens++
		case c == ')' && !inString:
			parens--
		}
	}
	if parens != 0 {
		issues = append(issues, "unbalanced parentheses")
	}
	if inString {
		issues = append(issues, "unbalanced single quotes")
	}

	last := lastNonEmptyLine(lines)
	if last != "" && !strings.HasSuffix(last, ";") && !strings.HasPrefix(last, "--") && last != "/" {
		issues = append(issues, "script does not end with a semicolon")
	}
	return issues
}

func lastNonEmptyLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func schemaIssues(upper, target string) []string {
	var issues []string
	seen := map[string]bool{}
	var others []string
	referencesTarget := false
	for _, m := range schemaRefRe.FindAllStringSubmatch(upper, -1) {
		s := m[1]
		if s == target {
			referencesTarget = true
			continue
		}
		if ignoredSchemas[s] || seen[s] {
			continue
		}
		seen[s] = true
		others = append(others, s)
	}
	if !referencesTarget {
		issues = append(issues, fmt.Sprintf("script does not reference target schema %s", target))
	}
	if len(others) > 0 {
		issues = append(issues, "script references other schemas: "+strings.Join(others, ", "))
	}
	return issues
}

func hasEnoughComments(lines []string) bool {
	comments := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "--") || strings.HasPrefix(l, "/*") || strings.HasPrefix(l, "*") {
			comments++
		}
	}
	return float64(comments)/float64(len(lines)) > minCommentRatio
}

func hasValidations(flat string) bool {
	for _, kw := range validationKeywords {
		if strings.Contains(flat, kw) {
			return true
		}
	}
	return false
}

func complexity(upper string, lines, statements int) []string {
	var reasons []string
	if lines > maxLines {
		reasons = append(reasons, fmt.Sprintf("%d lines (max %d)", lines, maxLines))
	}
	constructs := 0
	for _, re := range controlKeywords {
		if re.MatchString(upper) {
			constructs++
		}
	}
	if constructs > maxControlConstructs {
		reasons = append(reasons, fmt.Sprintf("%d kinds of control construct (max %d)", constructs, maxControlConstructs))
	}
	if statements > maxStatements {
		reasons = append(reasons, fmt.Sprintf("%d statements (max %d)", statements, maxStatements))
	}
	return reasons
}
