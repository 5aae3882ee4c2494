package overview

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/tunnelmesh/newsspool/internal/wire"
)

// SchemaFile is the name of the overview schema in the etc directory.
const SchemaFile = "overview.fmt"

// Field is one field of an overview line. Full fields keep the header
// name ("Xref: host group:1"); others hold only the value.
type Field struct {
	Header string
	Full   bool
}

// Schema is the ordered list of overview fields.
type Schema []Field

// DefaultSchema returns the standard overview fields.
func DefaultSchema() Schema {
	return Schema{
		{Header: "Subject"},
		{Header: "From"},
		{Header: "Date"},
		{Header: "Message-ID"},
		{Header: "References"},
		{Header: "Bytes"},
		{Header: "Lines"},
		{Header: "Xref", Full: true},
	}
}

// LoadSchema reads a schema file. A missing file yields DefaultSchema.
func LoadSchema(path string) (Schema, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSchema(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseSchema(f)
}

// ParseSchema parses "Header[:full]" lines. Text after '#' is ignored.
func ParseSchema(r io.Reader) (Schema, error) {
	var s Schema
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, opt, hasOpt := strings.Cut(line, ":")
		s = append(s, Field{Header: strings.TrimSpace(name), Full: hasOpt && strings.TrimSpace(opt) == "full"})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if len(s) == 0 {
		return nil, errors.New("schema has no fields")
	}
	return s, nil
}

func isBytes(name string) bool { return strings.EqualFold(name, "Bytes") }
func isLines(name string) bool { return strings.EqualFold(name, "Lines") }

func flatten(b []byte) []byte {
	out := bytes.Clone(b)
	for i, c := range out {
		if c == '\t' || c == '\r' || c == '\n' {
			out[i] = ' '
		}
	}
	return out
}

// Generate builds the tab-separated overview line of an article, without
// line ending. Bytes and Lines are computed from the article; for other
// fields the first non-empty header of that name is used, with folded
// lines joined and tabs and line breaks turned into spaces.
func (s Schema) Generate(article []byte) []byte {
	size := len(article)
	native := article
	if wire.IsWire(article) {
		native = wire.FromWire(article)
	}

	values := make([][]byte, len(s))
	last := -1
	rest := native
	for len(rest) > 0 {
		var line []byte
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i], rest[i+1:]
		} else {
			line, rest = rest, nil
		}
		if len(line) == 0 {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if last >= 0 {
				values[last] = append(values[last], flatten(line)...)
			}
			continue
		}
		last = -1
		for i, f := range s {
			if len(line) <= len(f.Header) || line[len(f.Header)] != ':' || !strings.EqualFold(string(line[:len(f.Header)]), f.Header) {
				continue
			}
			if values[i] != nil {
				break
			}
			v := line
			if !f.Full {
				v = bytes.TrimLeft(line[len(f.Header)+1:], " \t")
			}
			if len(v) == 0 {
				break
			}
			values[i] = flatten(v)
			last = i
			break
		}
	}

	lines := 0
	if _, body, ok := wire.SplitHeaders(native); ok {
		lines = bytes.Count(body, []byte{'\n'})
		if len(body) > 0 && body[len(body)-1] != '\n' {
			lines++
		}
	}

	var out []byte
	for i, f := range s {
		if i > 0 {
			out = append(out, '\t')
		}
		switch {
		case isBytes(f.Header):
			out = strconv.AppendInt(out, int64(size), 10)
		case isLines(f.Header):
			out = strconv.AppendInt(out, int64(lines), 10)
		default:
			out = append(out, values[i]...)
		}
	}
	return out
}
