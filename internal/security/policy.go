package security

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the operation category a statement is validated as.
type Kind string

const (
	KindSelect Kind = "SELECT"
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindDDL    Kind = "DDL"
	KindDCL    Kind = "DCL"
)

// Kinds lists every operation kind.
var Kinds = []Kind{KindSelect, KindInsert, KindUpdate, KindDelete, KindDDL, KindDCL}

// ParseKind converts a case-insensitive kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// allowLists are fixed per kind: these keywords are never rejected as
// dangerous for statements of that kind.
var allowLists = map[Kind]map[string]bool{
	KindSelect: set("SELECT", "FROM", "WHERE", "ORDER", "GROUP", "HAVING", "JOIN", "UNION"),
	KindInsert: set("INSERT", "INTO", "VALUES", "SELECT"),
	KindUpdate: set("UPDATE", "SET", "WHERE"),
	KindDelete: set("DELETE", "FROM", "WHERE"),
	KindDDL:    set("CREATE", "ALTER", "DROP", "TRUNCATE", "COMMENT"),
	KindDCL:    set("GRANT", "REVOKE", "CREATE", "ALTER", "DROP"),
}

// AllowList returns the keywords permitted for kind, sorted.
func AllowList(kind Kind) []string {
	var out []string
	for k := range allowLists[kind] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Policy is the runtime-tunable part of validation.
type Policy struct {
	MaxQueryLength    int      `json:"max_query_length"`
	DangerousKeywords []string `json:"dangerous_keywords"`
	AllowedSchemas    []string `json:"allowed_schemas"`
	BlockedSchemas    []string `json:"blocked_schemas"`
	MaxRowsAffected   int      `json:"max_rows_affected"`
}

// DefaultPolicy returns the built-in policy. Keywords ending in "_" match
// as prefixes (SP_, XP_).
func DefaultPolicy() Policy {
	return Policy{
		MaxQueryLength: 10000,
		DangerousKeywords: []string{
			"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "EXEC", "EXECUTE",
			"SP_", "XP_", "SHUTDOWN", "RESTORE", "BACKUP", "DBCC",
		},
		AllowedSchemas:  []string{"HR", "SCOTT"},
		BlockedSchemas:  []string{"SYS", "SYSTEM"},
		MaxRowsAffected: 10000,
	}
}

// PolicyUpdate carries a partial policy. Nil fields are left unchanged.
type PolicyUpdate struct {
	MaxQueryLength    *int      `json:"max_query_length,omitempty"`
	DangerousKeywords *[]string `json:"dangerous_keywords,omitempty"`
	AllowedSchemas    *[]string `json:"allowed_schemas,omitempty"`
	BlockedSchemas    *[]string `json:"blocked_schemas,omitempty"`
	MaxRowsAffected   *int      `json:"max_rows_affected,omitempty"`
}

// Merge returns p with the non-nil fields of u applied.
func (p Policy) Merge(u PolicyUpdate) Policy {
	if u.MaxQueryLength != nil {
		p.MaxQueryLength = *u.MaxQueryLength
	}
	if u.DangerousKeywords != nil {
		p.DangerousKeywords = append([]string(nil), (*u.DangerousKeywords)...)
	}
	if u.AllowedSchemas != nil {
		p.AllowedSchemas = append([]string(nil), (*u.AllowedSchemas)...)
	}
	if u.BlockedSchemas != nil {
		p.BlockedSchemas = append([]string(nil), (*u.BlockedSchemas)...)
	}
	if u.MaxRowsAffected != nil {
		p.MaxRowsAffected = *u.MaxRowsAffected
	}
	return p
}

// Check reports whether the policy can be applied.
func (p Policy) Check() error {
	if p.MaxQueryLength <= 0 {
		return fmt.Errorf("max_query_length must be > 0")
	}
	if p.MaxRowsAffected <= 0 {
		return fmt.Errorf("max_rows_affected must be > 0")
	}
	for _, kw := range p.DangerousKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("dangerous_keywords must not contain empty entries")
		}
	}
	for _, s := range append(append([]string(nil), p.AllowedSchemas...), p.BlockedSchemas...) {
		if !identifierRe.MatchString(strings.TrimSpace(s)) {
			return fmt.Errorf("invalid schema name %q", s)
		}
	}
	return nil
}

// normalize upper-cases and trims every list entry.
func (p Policy) normalize() Policy {
	up := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	p.DangerousKeywords = up(p.DangerousKeywords)
	p.AllowedSchemas = up(p.AllowedSchemas)
	p.BlockedSchemas = up(p.BlockedSchemas)
	return p
}
