package expect

import (
	"fmt"
	"regexp"
	"strings"
)

type patternKind int

const (
	kindInvalid patternKind = iota
	kindLiteral
	kindRegex
)

// Pattern is a prompt matcher: either a literal string or a compiled regular
// expression. The zero Pattern is invalid.
type Pattern struct {
	kind patternKind
	text string
	re   *regexp.Regexp
}

// Literal returns a pattern matching text verbatim.
func Literal(text string) Pattern {
	return Pattern{kind: kindLiteral, text: text}
}

// Regex compiles expr (RE2 syntax) into a pattern.
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile prompt regex %q: %w", expr, err)
	}
	return Pattern{kind: kindRegex, text: expr, re: re}, nil
}

// MustRegex is like Regex but panics if expr does not compile.
func MustRegex(expr string) Pattern {
	p, err := Regex(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRegex reports whether p is a regular expression pattern.
func (p Pattern) IsRegex() bool { return p.kind == kindRegex }

// Text returns the literal text or the regex source.
func (p Pattern) Text() string { return p.text }

func (p Pattern) String() string {
	switch p.kind {
	case kindLiteral:
		return fmt.Sprintf("%q", p.text)
	case kindRegex:
		return "-re " + fmt.Sprintf("%q", p.text)
	default:
		return "<invalid>"
	}
}

func (p Pattern) validate() error {
	switch p.kind {
	case kindLiteral:
		if p.text == "" {
			return fmt.Errorf("empty literal")
		}
	case kindRegex:
		if p.re == nil {
			return fmt.Errorf("regex %q not compiled", p.text)
		}
	default:
		return fmt.Errorf("neither literal nor regex")
	}
	return nil
}

// find returns the leftmost match of p in s.
func (p Pattern) find(s string) (start, end int, ok bool) {
	switch p.kind {
	case kindLiteral:
		i := strings.Index(s, p.text)
		if i < 0 {
			return 0, 0, false
		}
		return i, i + len(p.text), true
	case kindRegex:
		loc := p.re.FindStringIndex(s)
		if loc == nil {
			return 0, 0, false
		}
		return loc[0], loc[1], true
	}
	return 0, 0, false
}

// PatternSet is an ordered list of patterns. Indexes are 1-based and follow
// declaration order.
type PatternSet struct {
	patterns []Pattern
}

// NewPatternSet builds a set from patterns in the given order.
func NewPatternSet(patterns ...Pattern) PatternSet {
	return PatternSet{patterns: append([]Pattern(nil), patterns...)}
}

// Len returns the number of patterns.
func (s PatternSet) Len() int { return len(s.patterns) }

// At returns the pattern with the given 1-based index.
func (s PatternSet) At(index int) (Pattern, bool) {
	if index < 1 || index > len(s.patterns) {
		return Pattern{}, false
	}
	return s.patterns[index-1], true
}

// Patterns returns a copy of the patterns in order.
func (s PatternSet) Patterns() []Pattern {
	return append([]Pattern(nil), s.patterns...)
}

// MatchResult locates a pattern match inside a buffer.
type MatchResult struct {
	Index int
	Start int
	End   int
	Text  string
}

// Match finds the leftmost match of any pattern in text. When several
// patterns match at the same offset the one declared first wins.
func (s PatternSet) Match(text string) (MatchResult, bool) {
	best := MatchResult{}
	found := false
	for i, p := range s.patterns {
		start, end, ok := p.find(text)
		if !ok {
			continue
		}
		if !found || start < best.Start {
			best = MatchResult{Index: i + 1, Start: start, End: end, Text: text[start:end]}
			found = true
		}
	}
	return best, found
}
