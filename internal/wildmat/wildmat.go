// Package wildmat evaluates comma-separated newsgroup pattern lists with
// negation ("!") and poison ("@") prefixes.
package wildmat

import (
	"path"
	"strings"
)

// Result is the outcome of evaluating a pattern list against one name.
type Result int

const (
	// Fail means no positive pattern was the last to match.
	Fail Result = iota
	// Match means a plain pattern was the last to match.
	Match
	// Poison means an "@" pattern was the last to match.
	Poison
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Poison:
		return "poison"
	default:
		return "fail"
	}
}

// MatchPattern reports whether text matches a single shell-style pattern
// ('*', '?', '[...]', '\' escapes). Malformed patterns match nothing.
func MatchPattern(text, pattern string) bool {
	ok, err := path.Match(pattern, text)
	return err == nil && ok
}

// Split breaks a comma-separated pattern list into its elements. Commas
// inside a [...] class or after a backslash do not separate elements.
// Empty elements are dropped.
func Split(expr string) []string {
	var out []string
	add := func(p string) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	start, escaped := 0, false
	for i := 0; i < len(expr); i++ {
		switch c := expr[i]; {
		case c == '[' && !escaped:
			i++
			if i < len(expr) && expr[i] == ']' {
				i++
			}
			for i < len(expr) && expr[i] != ']' {
				i++
			}
		case c == ',' && !escaped:
			add(expr[start:i])
			start = i + 1
		case c == '\\':
			escaped = !escaped
			continue
		}
		escaped = false
	}
	add(expr[start:])
	return out
}

// MatchPoison evaluates a comma-separated pattern list against text.
func MatchPoison(text, expr string) Result {
	return MatchList(text, Split(expr))
}

// MatchList evaluates patterns left to right. Every matching pattern
// overrides the result of the ones before it.
func MatchList(text string, patterns []string) Result {
	result := Fail
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, "!"):
			if MatchPattern(text, p[1:]) {
				result = Fail
			}
		case strings.HasPrefix(p, "@"):
			if MatchPattern(text, p[1:]) {
				result = Poison
			}
		default:
			if MatchPattern(text, p) {
				result = Match
			}
		}
	}
	return result
}

// Simple reports whether text matches a pattern list when poison is
// treated as an ordinary negation.
func Simple(text, expr string) bool {
	return MatchPoison(text, expr) == Match
}
