package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/internal/wildmat"
	"github.com/tunnelmesh/newsspool/pkg/bytesize"
)

// PolicyFile is the name of the storage policy file in the etc directory.
const PolicyFile = "storage.conf"

// Subscription is one entry of the storage policy.
type Subscription struct {
	Method     token.Type
	MethodName string
	Patterns   []string
	MinSize    int64
	MaxSize    int64 // 0 = unbounded
	MinExpire  time.Duration
	MaxExpire  time.Duration // 0 = unbounded
	Class      token.Class
	Options    string
	ExactMatch bool
	Line       int
}

// Accepts reports whether art satisfies the size, expiry and newsgroup
// constraints of s.
func (s *Subscription) Accepts(art *Article) bool {
	size := int64(art.Len())
	if size < s.MinSize {
		return false
	}
	if s.MaxSize != 0 && size > s.MaxSize {
		return false
	}
	if s.MinExpire != 0 && art.Expires < s.MinExpire {
		return false
	}
	if s.MaxExpire != 0 && art.Expires > s.MaxExpire {
		return false
	}
	return MatchGroups(art.Groups, s.Patterns, s.ExactMatch)
}

// MatchGroups decides whether an article posted to groups is wanted by a
// pattern list. groups may be a Newsgroups header (comma separated) or an
// Xref body (space separated "group:number" pairs). A poisoned group vetoes
// the whole article; with exact set, every group must match.
func MatchGroups(groups string, patterns []string, exact bool) bool {
	fields := strings.FieldsFunc(groups, func(r rune) bool {
		switch r {
		case ' ', ',', '\t', '\r', '\n':
			return true
		}
		return false
	})
	wanted := false
	for _, g := range fields {
		if i := strings.IndexByte(g, ':'); i >= 0 {
			g = g[:i]
		}
		switch wildmat.MatchList(g, patterns) {
		case wildmat.Poison:
			return false
		case wildmat.Match:
			wanted = true
		default:
			if exact {
				return false
			}
		}
	}
	return wanted
}

// ParseTime converts an expiry specification such as "1d12h" into a
// duration. Units are M (31 days), d, h, m and s; a trailing number
// without unit counts seconds.
func ParseTime(spec string) (time.Duration, error) {
	var total time.Duration
	start := 0
	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c >= '0' && c <= '9' {
			continue
		}
		n, err := strconv.ParseInt(spec[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", spec)
		}
		var unit time.Duration
		switch c {
		case 'M':
			unit = 31 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid time unit %q in %q", c, spec)
		}
		total += time.Duration(n) * unit
		start = i + 1
	}
	if start < len(spec) {
		n, err := strconv.ParseInt(spec[start:], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", spec)
		}
		total += time.Duration(n) * time.Second
	}
	return total, nil
}

type confToken struct {
	text string
	line int
}

// tokenize splits a configuration file into whitespace separated words.
// '#' starts a comment and double quotes group a value containing spaces.
func tokenize(data []byte) ([]confToken, error) {
	var toks []confToken
	line := 1
	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case c == '"':
			end := bytes.IndexByte(data[i+1:], '"')
			if end < 0 {
				return nil, &ConfigError{Line: line, Msg: "unterminated quoted string"}
			}
			val := string(data[i+1 : i+1+end])
			toks = append(toks, confToken{text: val, line: line})
			line += strings.Count(val, "\n")
			i += end + 2
		default:
			start := i
			for i < len(data) && !isConfSpace(data[i]) {
				i++
			}
			toks = append(toks, confToken{text: string(data[start:i]), line: line})
		}
	}
	return toks, nil
}

func isConfSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// LoadPolicy reads and parses the policy file at path.
func LoadPolicy(path string, reg *Registry) ([]*Subscription, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %s: %w", ErrConfig, path, err)
	}
	defer func() { _ = f.Close() }()
	return ParsePolicy(f, filepath.Base(path), reg)
}

// ParsePolicy parses storage policy blocks of the form
//
//	method <name> {
//	    newsgroups: <patterns>
//	    size: <min>[,<max>]
//	    class: <n>
//	    expires: <min>[,<max>]
//	    options: <string>
//	    exactmatch: <bool>
//	}
//
// Method names are resolved against reg.
func ParsePolicy(r io.Reader, file string, reg *Registry) ([]*Subscription, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, file, err)
	}
	toks, err := tokenize(data)
	if err != nil {
		err.(*ConfigError).File = file
		return nil, err
	}

	fail := func(line int, format string, args ...any) error {
		return &ConfigError{File: file, Line: line, Msg: fmt.Sprintf(format, args...)}
	}

	var subs []*Subscription
	for i := 0; i < len(toks); {
		tok := toks[i]
		if !strings.EqualFold(tok.text, "method") {
			return nil, fail(tok.line, "expected 'method' keyword")
		}
		if i+1 >= len(toks) {
			return nil, fail(tok.line, "expected method name")
		}
		name := toks[i+1]
		if i+2 >= len(toks) || toks[i+2].text != "{" {
			return nil, fail(name.line, "expected '{'")
		}
		i += 3

		sub := &Subscription{MethodName: name.text, Line: tok.line}
		hasPattern := false
		closed := false
		for i < len(toks) {
			kw := toks[i]
			if kw.text == "}" {
				i++
				closed = true
				break
			}
			if i+1 >= len(toks) {
				return nil, fail(kw.line, "keyword with no value")
			}
			val := toks[i+1]
			i += 2
			switch strings.ToLower(kw.text) {
			case "newsgroups:":
				sub.Patterns = wildmat.Split(val.text)
				hasPattern = true
			case "size:":
				if sub.MinSize, sub.MaxSize, err = parseSizeRange(val.text); err != nil {
					return nil, fail(val.line, "%v", err)
				}
			case "class:":
				n, err := strconv.Atoi(val.text)
				if err != nil || n < 0 || n > token.MaxClass {
					return nil, fail(val.line, "storage class %q out of range 0-%d", val.text, token.MaxClass)
				}
				sub.Class = token.Class(n)
			case "expires:":
				if sub.MinExpire, sub.MaxExpire, err = parseExpireRange(val.text); err != nil {
					return nil, fail(val.line, "%v", err)
				}
			case "options:":
				sub.Options = val.text
			case "exactmatch:":
				switch strings.ToLower(val.text) {
				case "true", "yes", "on":
					sub.ExactMatch = true
				}
			default:
				return nil, fail(kw.line, "unknown keyword in method declaration: %s", kw.text)
			}
		}
		if !closed {
			return nil, fail(tok.line, "missing '}' for method %s", name.text)
		}

		m, ok := reg.LookupName(name.text)
		if !ok {
			return nil, fail(name.line, "no configured storage methods are named %q", name.text)
		}
		if !hasPattern {
			return nil, fail(tok.line, "pattern not defined")
		}
		sub.Method = m.Type()
		sub.MethodName = m.Name()
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseSizeRange(s string) (int64, int64, error) {
	minStr, maxStr, hasMax := strings.Cut(s, ",")
	minSize, err := bytesize.Parse(minStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size: %w", err)
	}
	var maxSize int64
	if hasMax {
		if maxSize, err = bytesize.Parse(maxStr); err != nil {
			return 0, 0, fmt.Errorf("invalid size: %w", err)
		}
	}
	return minSize, maxSize, nil
}

func parseExpireRange(s string) (time.Duration, time.Duration, error) {
	minStr, maxStr, hasMax := strings.Cut(s, ",")
	minExp, err := ParseTime(minStr)
	if err != nil {
		return 0, 0, err
	}
	var maxExp time.Duration
	if hasMax {
		if maxExp, err = ParseTime(maxStr); err != nil {
			return 0, 0, err
		}
	}
	return minExp, maxExp, nil
}
