package storage

import (
	"bytes"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/internal/wire"
)

// Article is a view over stored or retrieved article bytes.
type Article struct {
	// Type is the token type of the method that produced the article.
	Type token.Type
	// Data is the article, or the requested part of it, in wire format.
	Data []byte
	// Token is set on articles returned by Retrieve and Next.
	Token token.Token
	// Groups is the newsgroup list used for routing: the Xref body
	// without the path host, or the Newsgroups header.
	Groups string
	// Expires is the Expires header relative to arrival, 0 if absent.
	Expires time.Duration
	Arrived time.Time

	// NextMethod is the registry position of the method that produced
	// the article during a Next walk.
	NextMethod int

	// Private belongs to the producing method.
	Private any
}

// Len returns the size of the article data.
func (a *Article) Len() int {
	return len(a.Data)
}

// NewArticle prepares wire-format data for Store. When useXref is set the
// routing group list comes from the Xref header, falling back to
// Newsgroups.
func NewArticle(data []byte, useXref bool, now time.Time) *Article {
	art := &Article{
		Type:    token.TypeEmpty,
		Data:    data,
		Arrived: now,
	}
	art.Groups = GroupList(data, useXref)
	art.Expires = ExpiresOffset(data, now)
	return art
}

// GroupList extracts the routing group list of an article.
func GroupList(data []byte, useXref bool) string {
	if useXref {
		if xref, ok := Xref(data); ok {
			return xref
		}
	}
	if ng, ok := wire.FindHeader(data, "Newsgroups"); ok {
		return string(ng)
	}
	return ""
}

// ExpiresOffset evaluates the Expires header relative to now. Missing or
// unparsable values give 0.
func ExpiresOffset(data []byte, now time.Time) time.Duration {
	v, ok := wire.FindHeader(data, "Expires")
	if !ok {
		return 0
	}
	when, err := mail.ParseDate(strings.TrimSpace(unfold(v)))
	if err != nil {
		return 0
	}
	return when.Sub(now)
}

// Xref returns the Xref header body without the leading path host.
func Xref(data []byte) (string, bool) {
	v, ok := wire.FindHeader(data, "Xref")
	if !ok {
		return "", false
	}
	v = bytes.TrimSpace(v)
	i := bytes.IndexByte(v, ' ')
	if i < 0 {
		return "", false
	}
	rest := bytes.TrimLeft(v[i+1:], " ")
	if len(rest) == 0 {
		return "", false
	}
	return string(rest), true
}

// XrefEntry is one "group:number" element of an Xref header.
type XrefEntry struct {
	Group  string
	ArtNum uint64
}

// ParseXref splits an Xref body (without path host) into its entries.
// Malformed elements are skipped.
func ParseXref(xref string) []XrefEntry {
	fields := strings.Fields(xref)
	out := make([]XrefEntry, 0, len(fields))
	for _, f := range fields {
		i := strings.LastIndexByte(f, ':')
		if i <= 0 {
			continue
		}
		n, err := strconv.ParseUint(f[i+1:], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, XrefEntry{Group: f[:i], ArtNum: n})
	}
	return out
}

func unfold(v []byte) string {
	s := strings.ReplaceAll(string(v), "\r\n", "")
	return strings.ReplaceAll(s, "\n", "")
}
