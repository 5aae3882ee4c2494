// Package testutil provides shared test utilities for newsspool tests.
package testutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tunnelmesh/newsspool/internal/wire"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "newsspool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for temp file: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// ArticleBuilder assembles native-format articles for tests.
type ArticleBuilder struct {
	headers [][2]string
	body    string
}

// NewArticle returns a builder preloaded with the mandatory headers of a
// posting to groups.
func NewArticle(id int, groups ...string) *ArticleBuilder {
	if len(groups) == 0 {
		groups = []string{"misc.test"}
	}
	b := &ArticleBuilder{body: fmt.Sprintf("Body of article %d.\n", id)}
	b.Header("Path", "news.example.com!not-for-mail")
	b.Header("From", "Test User <test@example.com>")
	b.Header("Newsgroups", strings.Join(groups, ","))
	b.Header("Subject", fmt.Sprintf("Test article %d", id))
	b.Header("Date", "Mon, 02 Jan 2006 15:04:05 +0000")
	b.Header("Message-ID", fmt.Sprintf("<%d@example.com>", id))
	return b
}

// Header sets a header, replacing an existing one with the same name.
func (b *ArticleBuilder) Header(name, value string) *ArticleBuilder {
	for i := range b.headers {
		if strings.EqualFold(b.headers[i][0], name) {
			b.headers[i][1] = value
			return b
		}
	}
	b.headers = append(b.headers, [2]string{name, value})
	return b
}

// Xref sets the Xref header from host and "group:num" entries.
func (b *ArticleBuilder) Xref(host string, entries ...string) *ArticleBuilder {
	return b.Header("Xref", host+" "+strings.Join(entries, " "))
}

// Body replaces the body.
func (b *ArticleBuilder) Body(body string) *ArticleBuilder {
	b.body = body
	return b
}

// Native returns the article with LF line endings.
func (b *ArticleBuilder) Native() []byte {
	var sb strings.Builder
	for _, h := range b.headers {
		sb.WriteString(h[0])
		sb.WriteString(": ")
		sb.WriteString(h[1])
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(b.body)
	return []byte(sb.String())
}

// Wire returns the article in wire format.
func (b *ArticleBuilder) Wire() []byte {
	return wire.ToWire(b.Native())
}
