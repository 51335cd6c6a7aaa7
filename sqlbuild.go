package oramcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rickchristie/oracle-mcp/internal/security"
)

// schemaFor resolves the schema a tool operates on. An empty schema means
// the connection's own user.
func (p *OracleMcp) schemaFor(connection, schema string) (string, error) {
	if strings.TrimSpace(schema) == "" {
		cfg, err := p.registry.Get(connection)
		if err != nil {
			return "", err
		}
		schema = cfg.User
	}
	return security.NormalizeIdentifier(schema)
}

// qualifiedName returns SCHEMA.NAME after validating both parts.
func (p *OracleMcp) qualifiedName(connection, schema, name string) (string, string, error) {
	s, err := p.schemaFor(connection, schema)
	if err != nil {
		return "", "", err
	}
	n, err := security.NormalizeIdentifier(name)
	if err != nil {
		return "", "", err
	}
	return s, s + "." + n, nil
}

func normalizeAll(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		v, err := security.NormalizeIdentifier(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// binds returns n placeholders :v<start>, :v<start+1>, ...
func binds(start, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(":v%d", start+i)
	}
	return out
}

// sortedColumns validates and orders the keys of a column -> value map so
// generated statements are deterministic.
func sortedColumns(data map[string]any) ([]string, []any, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, k := range keys {
		c, err := security.NormalizeIdentifier(k)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = c
		vals[i] = bindValue(data[k])
	}
	return cols, vals, nil
}

// bindValue converts a decoded JSON value into something the drivers bind.
// Booleans become 1/0; nested documents are bound as their JSON text.
func bindValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return v
	}
}

// toFloat reads a numeric column value. Thick-mode numbers arrive as strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) int64 {
	f, _ := toFloat(v)
	return int64(f)
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
