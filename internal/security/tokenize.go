package security

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	wordRe      = regexp.MustCompile(`[A-Z_][A-Z0-9_$#]*`)
	dotSpaceRe  = regexp.MustCompile(`\s*\.\s*`)
	qualifiedRe = regexp.MustCompile(`\b([A-Z][A-Z0-9_$#]*)((?:\.[A-Z_][A-Z0-9_$#]*)+)(\s*\()?`)
	tokenRe     = regexp.MustCompile(`[A-Z_][A-Z0-9_$#]*(?:\.[A-Z_][A-Z0-9_$#]*)*|[,()]`)
)

// clauseWords can follow a table reference and are never aliases.
var clauseWords = set(
	"WHERE", "ON", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "NATURAL",
	"SET", "VALUES", "GROUP", "ORDER", "UNION", "MINUS", "INTERSECT", "CONNECT", "START",
	"HAVING", "WHEN", "USING", "PARTITION", "FETCH", "OFFSET", "FOR", "SELECT", "FROM",
	"AND", "OR", "NOT", "AS",
)

// tableIntro words are followed by a table reference.
var tableIntro = set("FROM", "JOIN", "UPDATE", "INTO", "USING")

// codeViews returns the statement with string literals and comments blanked
// out, as seen by the Oracle scanner and, when it tokenizes, by the pg_query
// lexer. When the lexer fails the raw text stands in for its view. Checks run
// over every view, so a disagreement between the two can only block more.
func codeViews(query string) []string {
	views := []string{normalize(oracleCode(query))}
	if text, ok := lexerCode(query); ok {
		views = append(views, normalize(text))
	} else {
		views = append(views, normalize([]byte(query)))
	}
	return views
}

// normalize upper-cases text, drops identifier quotes and collapses
// whitespace around dots.
func normalize(b []byte) string {
	text := strings.ToUpper(string(b))
	text = strings.ReplaceAll(text, `"`, "")
	return dotSpaceRe.ReplaceAllString(text, ".")
}

func lexerCode(query string) ([]byte, bool) {
	b := []byte(query)
	res, err := pg_query.Scan(query)
	if err != nil {
		return nil, false
	}
	for _, tok := range res.Tokens {
		switch tok.Token {
		case pg_query.Token_SCONST, pg_query.Token_USCONST, pg_query.Token_BCONST,
			pg_query.Token_XCONST, pg_query.Token_SQL_COMMENT, pg_query.Token_C_COMMENT:
			blank(b, int(tok.Start), int(tok.End))
		}
	}
	return b, true
}

// oracleCode blanks Oracle string literals ('..' with '' escapes, q'<d>..<d>'
// with an optional N prefix), -- line comments and non-nesting /* */
// comments. Quoted identifiers are kept. An unterminated literal or comment
// runs to the end of the text.
func oracleCode(query string) []byte {
	b := []byte(query)
	for i := 0; i < len(b); {
		switch c := b[i]; {
		case c == '"':
			end := indexFrom(b, i+1, `"`)
			i = end + 1
		case c == '\'':
			end := i + 1
			for {
				end = indexFrom(b, end, `'`)
				if end+1 < len(b) && b[end+1] == '\'' {
					end += 2
					continue
				}
				break
			}
			blank(b, i, end+1)
			i = end + 1
		case (c == 'q' || c == 'Q') && i+2 < len(b) && b[i+1] == '\'' && literalStart(b, i) >= 0:
			open := b[i+2]
			end := indexFrom(b, i+3, string([]byte{closingDelimiter(open), '\''}))
			blank(b, literalStart(b, i), end+2)
			i = end + 2
		case c == '-' && i+1 < len(b) && b[i+1] == '-':
			end := indexFrom(b, i+2, "\n")
			blank(b, i, end)
			i = end
		case c == '/' && i+1 < len(b) && b[i+1] == '*':
			end := indexFrom(b, i+2, "*/")
			blank(b, i, end+2)
			i = end + 2
		default:
			i++
		}
	}
	return b
}

// literalStart returns where the q-quoted literal whose q is at i begins,
// including an N prefix, or -1 when the q ends an identifier such as SEQ'.
func literalStart(b []byte, i int) int {
	if i > 0 && (b[i-1] == 'n' || b[i-1] == 'N') {
		i--
	}
	if i > 0 && identByte(b[i-1]) {
		return -1
	}
	return i
}

func closingDelimiter(open byte) byte {
	switch open {
	case '[':
		return ']'
	case '(':
		return ')'
	case '{':
		return '}'
	case '<':
		return '>'
	}
	return open
}

func identByte(c byte) bool {
	return c == '_' || c == '$' || c == '#' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// indexFrom returns the index of sep in b at or after from, or len(b).
func indexFrom(b []byte, from int, sep string) int {
	if from >= len(b) {
		return len(b)
	}
	if n := strings.Index(string(b[from:]), sep); n >= 0 {
		return from + n
	}
	return len(b)
}

func blank(b []byte, from, to int) {
	for i := from; i < to && i < len(b); i++ {
		b[i] = ' '
	}
}

// words returns every identifier-like token of code.
func words(code string) []string {
	return wordRe.FindAllString(code, -1)
}

// schemaRef is the leading part of a dotted reference. Only a two-part a.b
// that is not called can be a column reference.
type schemaRef struct {
	name   string
	column bool
}

func schemaRefs(code string) []schemaRef {
	var out []schemaRef
	for _, m := range qualifiedRe.FindAllStringSubmatch(code, -1) {
		out = append(out, schemaRef{
			name:   m[1],
			column: strings.Count(m[2], ".") == 1 && m[3] == "",
		})
	}
	return out
}

// tableRefs walks the table references introduced by FROM (with its comma
// list), JOIN, UPDATE, INTO and USING. schemas holds the schema part of
// every qualified reference; quals holds the table names and aliases that a
// column reference like e.ENAME may lead with. A name in schemas is never
// treated as a qualifier.
func tableRefs(code string) (schemas, quals map[string]bool) {
	schemas, quals = make(map[string]bool), make(map[string]bool)
	toks := tokenRe.FindAllString(code, -1)

	alias := func(j int) int {
		if j < len(toks) && toks[j] == "AS" {
			j++
		}
		if j < len(toks) && isName(toks[j]) {
			quals[toks[j]] = true
			j++
		}
		return j
	}

	for i := 0; i < len(toks); {
		switch t := toks[i]; {
		case tableIntro[t]:
			list := t == "FROM"
			j := i + 1
			for j < len(toks) {
				ref := toks[j]
				if ref == "(" || ref == ")" || ref == "," || clauseWords[ref] {
					break
				}
				if schema, name, ok := strings.Cut(ref, "."); ok {
					schemas[schema] = true
					quals[strings.SplitN(name, ".", 2)[0]] = true
				} else {
					quals[ref] = true
				}
				j = alias(j + 1)
				if !list || j >= len(toks) || toks[j] != "," {
					break
				}
				j++
			}
			i = j
		case t == ")":
			// Inline view alias.
			i = alias(i + 1)
		default:
			i++
		}
	}
	for s := range schemas {
		delete(quals, s)
	}
	return schemas, quals
}

func isName(tok string) bool {
	return tok != "(" && tok != ")" && tok != "," && !clauseWords[tok] && !strings.Contains(tok, ".")
}
