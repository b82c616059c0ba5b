package expect

import (
	"fmt"
	"regexp"
	"strings"
)

// RegexpPrefix marks a pattern string as a regular expression in Parse.
const RegexpPrefix = "re:"

// Pattern decides whether a single console line matches.
//
// The set of implementations is closed: literal substrings and unanchored regular expressions.
type Pattern interface {
	Match(line string) bool
	String() string

	isPattern()
}

type literalPattern string

func (p literalPattern) Match(line string) bool { return strings.Contains(line, string(p)) }
func (p literalPattern) String() string         { return fmt.Sprintf("%q", string(p)) }
func (literalPattern) isPattern()               {}

type regexpPattern struct {
	expr string
	re   *regexp.Regexp
}

func (p *regexpPattern) Match(line string) bool { return p.re.MatchString(line) }
func (p *regexpPattern) String() string         { return fmt.Sprintf("/%s/", p.expr) }
func (*regexpPattern) isPattern()               {}

// Literal matches lines containing s as a case-sensitive substring.
func Literal(s string) Pattern {
	return literalPattern(s)
}

// Regexp compiles expr into a pattern that matches when expr is found anywhere in the line.
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, expr, err)
	}
	return &regexpPattern{expr: expr, re: re}, nil
}

// MustRegexp is like Regexp but panics on a malformed expression.
// Intended for patterns written directly in scenario code.
func MustRegexp(expr string) Pattern {
	p, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse builds a pattern from its textual form as used in scenario files and CLI flags:
// "re:<expr>" is a regular expression, anything else is a literal substring.
func Parse(spec string) (Pattern, error) {
	if expr, ok := strings.CutPrefix(spec, RegexpPrefix); ok {
		return Regexp(expr)
	}
	if spec == "" {
		return nil, fmt.Errorf("%w: empty literal", ErrInvalidPattern)
	}
	return Literal(spec), nil
}

// ParseAll parses every pattern string and stops at the first malformed one.
func ParseAll(specs ...string) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(specs))
	for _, spec := range specs {
		p, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// Matches reports whether line matches p.
func Matches(line string, p Pattern) bool {
	return p.Match(line)
}
