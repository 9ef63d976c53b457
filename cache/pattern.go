package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// RegexPrefix marks a textual pattern as a regular expression.
const RegexPrefix = "re:"

// Pattern matches cache keys for bulk removal.
type Pattern interface {
	Match(key string) bool
	String() string
}

// Prefix matches every key starting with the given string.
// Prefix("calendar:shopping-list") matches both "calendar:shopping-lists"
// and "calendar:shopping-list:42".
type Prefix string

// Match reports whether key starts with the prefix.
func (p Prefix) Match(key string) bool {
	return strings.HasPrefix(key, string(p))
}

func (p Prefix) String() string {
	return string(p)
}

// Regex matches keys against a compiled regular expression.
type Regex struct {
	re *regexp.Regexp
}

// NewRegex compiles expr into a Regex pattern.
func NewRegex(expr string) (Regex, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Regex{}, fmt.Errorf("cache: invalid pattern %q: %w", expr, err)
	}
	return Regex{re: re}, nil
}

// MustRegex is like NewRegex but panics on error.
func MustRegex(expr string) Regex {
	r, err := NewRegex(expr)
	if err != nil {
		panic(err)
	}
	return r
}

// Match reports whether key matches the expression.
func (r Regex) Match(key string) bool {
	return r.re != nil && r.re.MatchString(key)
}

func (r Regex) String() string {
	if r.re == nil {
		return RegexPrefix
	}
	return RegexPrefix + r.re.String()
}

// ParsePattern parses a textual pattern. Text starting with "re:" is a
// regular expression; anything else is a prefix.
func ParsePattern(s string) (Pattern, error) {
	if expr, ok := strings.CutPrefix(s, RegexPrefix); ok {
		return NewRegex(expr)
	}
	if strings.TrimSpace(s) == "" {
		return nil, ErrInvalidKey
	}
	return Prefix(s), nil
}
