package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// DefaultMaxLength bounds expression size before any parsing happens
const DefaultMaxLength = 1024

// deniedKeywords are substrings that never appear in a legitimate pipeline
// expression: reflection and meta-programming constructs, host-object access,
// module loading, prototype manipulation. Matching is case-insensitive.
var deniedKeywords = []string{
	"__",
	"import",
	"require",
	"eval",
	"exec",
	"system",
	"syscall",
	"unsafe",
	"reflect",
	"runtime",
	"prototype",
	"constructor",
	"globalthis",
	"process.",
	"os.",
}

// structuralPatterns are syntactic constructs outside the expression subset:
// statement separators, block delimiters, comments. They are scanned on a
// literal-stripped copy of the source, so quoted data (a regexp quantifier
// like "{3}", a URL with "//") never trips them.
var structuralPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`;`), "statement separator"},
	{regexp.MustCompile(`[{}]`), "block delimiter"},
	{regexp.MustCompile(`//`), "line comment"},
	{regexp.MustCompile(`/\*`), "block comment"},
	{regexp.MustCompile(`(?m)^\s*#`), "comment"},
}

// rawPatterns are scanned on the raw source, string literals included:
// interpolation and escape sequences could smuggle denied tokens past every
// other scan.
var rawPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`\$\{`), "template interpolation"},
	{regexp.MustCompile(`\\u[0-9a-fA-F]`), "unicode escape"},
	{regexp.MustCompile(`\\x[0-9a-fA-F]`), "hex escape"},
	{regexp.MustCompile("`"), "raw string delimiter"},
}

// stripStringLiterals blanks out the contents of single- and double-quoted
// literals, keeping the quotes, and returns the stripped source plus the
// collected literal contents. An unterminated literal swallows the rest of
// the source as literal content.
func stripStringLiterals(source string) (string, []string) {
	var stripped strings.Builder
	var literals []string
	var current strings.Builder

	var quote byte
	escaped := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		if quote == 0 {
			stripped.WriteByte(c)
			if c == '\'' || c == '"' {
				quote = c
			}
			continue
		}
		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			current.WriteByte(c)
			escaped = true
		case quote:
			stripped.WriteByte(c)
			literals = append(literals, current.String())
			current.Reset()
			quote = 0
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		literals = append(literals, current.String())
	}
	return stripped.String(), literals
}

// CheckSource runs the textual pre-filter over an expression. This is a
// conservative denylist, not a parser: anything ambiguous is rejected, and the
// expr compiler still applies its own grammar afterwards.
func CheckSource(expression string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("expression is empty")
	}

	if len(expression) > maxLength {
		return fmt.Errorf("expression exceeds maximum length of %d characters", maxLength)
	}

	stripped, literals := stripStringLiterals(expression)

	lower := strings.ToLower(stripped)
	for _, keyword := range deniedKeywords {
		if strings.Contains(lower, keyword) {
			return fmt.Errorf("expression contains disallowed keyword: %s", keyword)
		}
	}

	for _, denied := range structuralPatterns {
		if denied.pattern.MatchString(stripped) {
			return fmt.Errorf("expression contains disallowed construct: %s", denied.reason)
		}
	}

	for _, denied := range rawPatterns {
		if denied.pattern.MatchString(expression) {
			return fmt.Errorf("expression contains disallowed construct: %s", denied.reason)
		}
	}

	// Denied tokens are not legal in data position either: a literal
	// carrying one could be re-evaluated downstream.
	for _, literal := range literals {
		lowerLit := strings.ToLower(literal)
		for _, keyword := range deniedKeywords {
			if strings.Contains(lowerLit, keyword) {
				return fmt.Errorf("expression contains disallowed construct: %q in string literal", keyword)
			}
		}
	}

	return nil
}

// GetSafeExprOptions returns compile options with sandboxing applied on top of
// the engine's whitelisted function set. 'len' stays enabled; the remaining
// builtins that reach into the runtime are disabled.
func GetSafeExprOptions(env map[string]interface{}) []expr.Option {
	baseOptions := GetExprOptions(env)

	return append(baseOptions,
		expr.DisableBuiltin("make"),
		expr.DisableBuiltin("new"),
		expr.DisableBuiltin("panic"),
		expr.DisableBuiltin("recover"),
		expr.DisableBuiltin("close"),
		expr.DisableBuiltin("delete"),

		expr.AllowUndefinedVariables(),
	)
}
