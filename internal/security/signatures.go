package security

import "regexp"

type signature struct {
	name    string
	pattern *regexp.Regexp
}

// injectionSignatures are matched against the raw statement text. They are a
// best-effort gate on top of bind parameters, not a replacement for them.
var injectionSignatures = []signature{
	{"tautology", regexp.MustCompile(`(?i)'.*\bor\b.*'.*=`)},
	{"union_select", regexp.MustCompile(`(?i)'.*\bunion\b.*\bselect\b`)},
	{"drop_table", regexp.MustCompile(`(?i)'.*\bdrop\b.*\btable\b`)},
	{"delete_from", regexp.MustCompile(`(?i)'.*\bdelete\b.*\bfrom\b`)},
	{"insert_into", regexp.MustCompile(`(?i)'.*\binsert\b.*\binto\b`)},
	{"update_set", regexp.MustCompile(`(?i)'.*\bupdate\b.*\bset\b`)},
	{"exec_call", regexp.MustCompile(`(?i)'.*\bexec\w*.*\(`)},
	{"sp_call", regexp.MustCompile(`(?i)'.*\bsp_\w*.*\(`)},
	{"xp_call", regexp.MustCompile(`(?i)'.*\bxp_\w*.*\(`)},
	{"line_comment", regexp.MustCompile(`(?m)--.*$`)},
	{"block_comment", regexp.MustCompile(`(?s)/\*.*?\*/`)},
	{"quote_comment", regexp.MustCompile(`(?i)'.*;.*--`)},
	{"quote_drop", regexp.MustCompile(`(?i)'.*;.*\bdrop\b`)},
}

// matchInjection returns the name of the first matching signature, or "".
func matchInjection(query string) string {
	for _, s := range injectionSignatures {
		if s.pattern.MatchString(query) {
			return s.name
		}
	}
	return ""
}
