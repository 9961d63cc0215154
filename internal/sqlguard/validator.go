// Package sqlguard is the deterministic gate between generated SQL and the
// database. It never rewrites a query: validation either returns the input
// unchanged or rejects it with a typed reason.
package sqlguard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Kind string

const (
	KindEmpty              Kind = "empty"
	KindForbiddenKeyword   Kind = "forbidden_keyword"
	KindNotSingleStatement Kind = "not_single_statement"
	KindNotSelect          Kind = "not_select"
	KindDisallowedTable    Kind = "disallowed_table"
)

// ValidationError reports why a candidate query was rejected. The message is
// safe to feed back to the generator but is never shown to end users.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Lexical screen over the raw text. Intentionally over-blocks: a forbidden
// word inside a string literal still rejects the query.
var forbiddenKeywords = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE)\b`,
)

// A single identifier segment: double-quoted, backtick-quoted,
// bracket-quoted, or unquoted.
const identSegment = `(?:"[^"]+"` + "|`[^`]+`" + `|\[[^\]]+\]|[a-zA-Z_][a-zA-Z0-9_]*)`

var (
	tableRefs       = regexp.MustCompile(`(?i)(?:FROM|JOIN)\s+(` + identSegment + `(?:\.` + identSegment + `)?)`)
	cteHead         = regexp.MustCompile(`(?i)\bWITH\b\s+(\w+)\s+AS\s*\(`)
	cteContinuation = regexp.MustCompile(`(?i)\)\s*,\s*(\w+)\s+AS\s*\(`)
)

// Validator holds the fixed table allowlist. It is built once at startup and
// is safe for concurrent use; Validate does no I/O.
type Validator struct {
	allowed map[string]struct{}
}

// NewValidator builds a validator accepting the given tables either bare or
// qualified with schema. Names are matched case-insensitively.
func NewValidator(schema string, tables []string) *Validator {
	allowed := make(map[string]struct{}, 2*len(tables))
	prefix := strings.ToLower(strings.TrimSpace(schema))
	for _, t := range tables {
		name := strings.ToLower(strings.TrimSpace(t))
		if name == "" {
			continue
		}
		allowed[name] = struct{}{}
		if prefix != "" {
			allowed[prefix+"."+name] = struct{}{}
		}
	}
	return &Validator{allowed: allowed}
}

// Validate checks a candidate query and returns it unchanged when every check
// passes. Checks run in order and short-circuit on the first failure:
// emptiness, forbidden DML/DDL keywords, single-SELECT shape, and the table
// allowlist (with CTE aliases excluded).
func (v *Validator) Validate(query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", &ValidationError{Kind: KindEmpty, Message: "empty query"}
	}

	if forbiddenKeywords.MatchString(query) {
		return "", &ValidationError{
			Kind:    KindForbiddenKeyword,
			Message: "only SELECT queries are allowed; DML/DDL statements (INSERT, UPDATE, DELETE, DROP, ...) are blocked",
		}
	}

	statements := splitStatements(query)
	if len(statements) != 1 {
		return "", &ValidationError{
			Kind:    KindNotSingleStatement,
			Message: fmt.Sprintf("expected exactly one SQL statement, got %d", len(statements)),
		}
	}
	if kw := leadingKeyword(statements[0]); kw != "select" && kw != "with" {
		if !isWordByte(kw[0]) {
			kw = "unknown"
		}
		return "", &ValidationError{
			Kind:    KindNotSelect,
			Message: fmt.Sprintf("only SELECT statements are allowed, got: %s", strings.ToUpper(kw)),
		}
	}

	disallowed := make([]string, 0, 2)
	ctes := extractCTENames(query)
	for name := range extractTableNames(query) {
		if _, ok := v.allowed[name]; ok {
			continue
		}
		if _, ok := ctes[name]; ok {
			continue
		}
		disallowed = append(disallowed, name)
	}
	if len(disallowed) > 0 {
		sort.Strings(disallowed)
		return "", &ValidationError{
			Kind:    KindDisallowedTable,
			Message: "query references tables not in the allowlist: " + strings.Join(disallowed, ", "),
		}
	}

	return query, nil
}

// extractTableNames collects normalized identifiers following FROM or JOIN.
// Quoting is stripped per segment, so FROM "ctgov"."studies" and
// FROM ctgov.studies land on the same key.
func extractTableNames(query string) map[string]struct{} {
	tables := make(map[string]struct{})
	for _, m := range tableRefs.FindAllStringSubmatch(query, -1) {
		parts := strings.Split(m[1], ".")
		for i, p := range parts {
			parts[i] = stripQuotes(p)
		}
		tables[strings.ToLower(strings.Join(parts, "."))] = struct{}{}
	}
	return tables
}

// extractCTENames collects WITH-clause aliases, including comma-separated
// continuations such as WITH a AS (...), b AS (...). Aliases are names of
// query-scoped result sets, not real tables, and are exempt from the
// allowlist check.
func extractCTENames(query string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, m := range cteHead.FindAllStringSubmatch(query, -1) {
		names[strings.ToLower(m[1])] = struct{}{}
	}
	for _, m := range cteContinuation.FindAllStringSubmatch(query, -1) {
		names[strings.ToLower(m[1])] = struct{}{}
	}
	return names
}

func stripQuotes(ident string) string {
	if len(ident) >= 2 {
		first, last := ident[0], ident[len(ident)-1]
		if (first == '"' && last == '"') || (first == '`' && last == '`') || (first == '[' && last == ']') {
			return ident[1 : len(ident)-1]
		}
	}
	return ident
}

// splitStatements splits on semicolons that sit outside string literals,
// quoted identifiers, and comments. Statements that contain nothing but
// whitespace and comments are dropped.
func splitStatements(query string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		s := current.String()
		current.Reset()
		if leadingKeyword(s) != "" {
			statements = append(statements, s)
		}
	}

	i := 0
	for i < len(query) {
		c := query[i]
		switch c {
		case ';':
			flush()
			i++
			continue
		case '\'', '"', '`':
			j := scanQuoted(query, i, c)
			current.WriteString(query[i:j])
			i = j
			continue
		case '[':
			j := scanUntil(query, i+1, ']')
			current.WriteString(query[i:j])
			i = j
			continue
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				j := scanUntil(query, i, '\n')
				current.WriteString(query[i:j])
				i = j
				continue
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				j := scanBlockComment(query, i)
				current.WriteString(query[i:j])
				i = j
				continue
			}
		}
		current.WriteByte(c)
		i++
	}
	flush()
	return statements
}

// scanQuoted returns the index one past the closing quote, honoring the
// doubled-quote escape ('' inside a string literal).
func scanQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func scanUntil(s string, start int, stop byte) int {
	for i := start; i < len(s); i++ {
		if s[i] == stop {
			return i + 1
		}
	}
	return len(s)
}

func scanBlockComment(s string, start int) int {
	for i := start + 2; i+1 < len(s); i++ {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2
		}
	}
	return len(s)
}

// leadingKeyword returns the first token of a statement, lower-cased, after
// skipping whitespace and comments. A statement starting with a non-word
// character yields that character so callers can tell "no SELECT here" apart
// from blank or comment-only text, which yields "".
func leadingKeyword(stmt string) string {
	i := 0
	for i < len(stmt) {
		c := stmt[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			i = scanUntil(stmt, i, '\n')
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			i = scanBlockComment(stmt, i)
		default:
			j := i
			for j < len(stmt) && isWordByte(stmt[j]) {
				j++
			}
			if j == i {
				return strings.ToLower(stmt[i : i+1])
			}
			return strings.ToLower(stmt[i:j])
		}
	}
	return ""
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
