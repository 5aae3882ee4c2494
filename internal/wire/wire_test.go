package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "Path: news.example.com!not-for-mail\n" +
	"From: alice@example.com\n" +
	"Newsgroups: misc.test,comp.lang.go\n" +
	"Subject: a test\n" +
	"  continued\n" +
	"Xref: news.example.com misc.test:5 comp.lang.go:17\n" +
	"\n" +
	"first line\n" +
	".hidden\n" +
	"\n" +
	"last\n"

func TestToWire(t *testing.T) {
	got := ToWire([]byte("a\n.b\n..c\n"))
	assert.Equal(t, "a\r\n..b\r\n...c\r\n.\r\n", string(got))
	assert.Equal(t, len(got), cap(got), "single allocation sized exactly")
}

func TestToWire_MissingFinalNewline(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n.\r\n", string(ToWire([]byte("a\nb"))))
}

func TestToWire_Empty(t *testing.T) {
	assert.Equal(t, ".\r\n", string(ToWire(nil)))
}

func TestFromWire_StopsAtTerminator(t *testing.T) {
	got := FromWire([]byte("a\r\n..b\r\n.\r\ntrailing\r\n"))
	assert.Equal(t, "a\n.b\n", string(got))
	assert.Equal(t, len(got), cap(got))
}

func TestRoundTrip(t *testing.T) {
	tests := []string{
		"",
		"\n",
		"Subject: x\n\nbody\n",
		sample,
		".\n",
		"..\n",
		"line\n.\nline\n",
		"tab\there\n\n\n",
	}
	for _, native := range tests {
		w := ToWire([]byte(native))
		require.True(t, IsWire(w), "%q", w)
		assert.Equal(t, native, string(FromWire(w)))
	}
}

func TestIsWire(t *testing.T) {
	assert.True(t, IsWire([]byte(".\r\n")))
	assert.True(t, IsWire([]byte("a\r\n.\r\n")))
	assert.False(t, IsWire([]byte("a\n")))
	assert.False(t, IsWire([]byte("a.\r\n")))
}

func TestSplitHeaders(t *testing.T) {
	head, body, ok := SplitHeaders([]byte(sample))
	require.True(t, ok)
	assert.Contains(t, string(head), "Xref:")
	assert.Equal(t, "first line\n.hidden\n\nlast\n", string(body))

	head, body, ok = SplitHeaders(ToWire([]byte(sample)))
	require.True(t, ok)
	assert.True(t, len(head) > 0 && head[len(head)-1] == '\n')
	assert.Equal(t, "first line\r\n..hidden\r\n\r\nlast\r\n.\r\n", string(body))

	_, _, ok = SplitHeaders([]byte("Subject: no body\n"))
	assert.False(t, ok)
}

func TestFindHeader(t *testing.T) {
	for _, art := range [][]byte{[]byte(sample), ToWire([]byte(sample))} {
		v, ok := FindHeader(art, "xref")
		require.True(t, ok)
		assert.Equal(t, "news.example.com misc.test:5 comp.lang.go:17", string(v))

		v, ok = FindHeader(art, "Subject")
		require.True(t, ok)
		assert.Contains(t, string(v), "a test")
		assert.Contains(t, string(v), "continued")

		_, ok = FindHeader(art, "Expires")
		assert.False(t, ok)

		_, ok = FindHeader(art, "first line")
		assert.False(t, ok, "body lines are not headers")
	}
}

func TestFindBody(t *testing.T) {
	body, ok := FindBody([]byte("A: b\n\nhello\n"))
	require.True(t, ok)
	assert.Equal(t, "hello\n", string(body))
}
