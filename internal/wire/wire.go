// Package wire converts articles between the native on-disk form (LF line
// endings) and the NNTP transmission form (CRLF line endings, dot-stuffed,
// terminated by a line holding a single dot).
package wire

import (
	"bytes"
)

// Terminator ends every article in wire format.
var Terminator = []byte(".\r\n")

// ToWire returns the wire form of a native article. A final line without a
// newline is terminated as if it had one.
func ToWire(native []byte) []byte {
	n := 0
	bol := true
	for _, c := range native {
		if bol && c == '.' {
			n++
		}
		if c == '\n' {
			n += 2
			bol = true
			continue
		}
		n++
		bol = false
	}
	if !bol {
		n += 2
	}
	n += len(Terminator)

	out := make([]byte, 0, n)
	bol = true
	for _, c := range native {
		if bol && c == '.' {
			out = append(out, '.')
		}
		if c == '\n' {
			out = append(out, '\r', '\n')
			bol = true
			continue
		}
		out = append(out, c)
		bol = false
	}
	if !bol {
		out = append(out, '\r', '\n')
	}
	return append(out, Terminator...)
}

// FromWire returns the native form of a wire article. Conversion stops at
// the terminating dot line; bytes after it are ignored.
func FromWire(w []byte) []byte {
	n := 0
	walkWire(w, func(line []byte) { n += len(line) + 1 })

	out := make([]byte, 0, n)
	walkWire(w, func(line []byte) {
		out = append(out, line...)
		out = append(out, '\n')
	})
	return out
}

// walkWire calls fn with every unstuffed line of w, without its line ending.
func walkWire(w []byte, fn func(line []byte)) {
	for len(w) > 0 {
		i := bytes.IndexByte(w, '\n')
		var line []byte
		if i < 0 {
			line, w = w, nil
		} else {
			line, w = w[:i], w[i+1:]
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 1 && line[0] == '.' {
			return
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		fn(line)
	}
}

// IsWire reports whether art looks like a wire-format article.
func IsWire(art []byte) bool {
	if !bytes.HasSuffix(art, Terminator) {
		return false
	}
	return len(art) == len(Terminator) || bytes.HasSuffix(art[:len(art)-len(Terminator)], []byte("\r\n"))
}

// SplitHeaders splits art at the first empty line. head keeps the line
// ending of the last header, body starts after the empty line. ok is false
// when there is no separator.
func SplitHeaders(art []byte) (head, body []byte, ok bool) {
	pos := 0
	for pos < len(art) {
		switch {
		case art[pos] == '\n':
			return art[:pos], art[pos+1:], true
		case art[pos] == '\r' && pos+1 < len(art) && art[pos+1] == '\n':
			return art[:pos], art[pos+2:], true
		}
		i := bytes.IndexByte(art[pos:], '\n')
		if i < 0 {
			break
		}
		pos += i + 1
	}
	return art, nil, false
}

// FindBody returns the body of art, or false when art has no header/body
// separator.
func FindBody(art []byte) ([]byte, bool) {
	_, body, ok := SplitHeaders(art)
	return body, ok
}

// FindHeader returns the value of the first header called name, matched
// case-insensitively. Leading whitespace and the final line ending are
// removed; continuation lines are kept as they appear in art.
func FindHeader(art []byte, name string) ([]byte, bool) {
	head, _, _ := SplitHeaders(art)
	for len(head) > 0 {
		end := bytes.IndexByte(head, '\n')
		if end < 0 {
			end = len(head)
		} else {
			end++
		}
		line := head[:end]
		if len(line) > len(name) && line[len(name)] == ':' && bytes.EqualFold(line[:len(name)], []byte(name)) {
			stop := end
			for stop < len(head) && (head[stop] == ' ' || head[stop] == '\t') {
				next := bytes.IndexByte(head[stop:], '\n')
				if next < 0 {
					stop = len(head)
					break
				}
				stop += next + 1
			}
			value := head[len(name)+1 : stop]
			value = bytes.TrimLeft(value, " \t")
			value = bytes.TrimRight(value, "\r\n")
			return value, true
		}
		head = head[end:]
	}
	return nil, false
}
