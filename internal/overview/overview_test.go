package overview

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/newsspool/internal/token"
)

func openDB(t *testing.T, dir string, mutate func(*Config)) *DB {
	t.Helper()
	cfg := Config{Dir: dir}
	if mutate != nil {
		mutate(&cfg)
	}
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tok(n int) token.Token {
	t := token.Token{Type: token.TypeTradspool}
	binary.BigEndian.PutUint32(t.Body[:4], uint32(n))
	return t
}

func ovLine(subject, xref string) []byte {
	return []byte(subject + "\tuser@example.com\tMon, 02 Jan 2006 15:04:05 +0000\t<id@example.com>\t\t100\t2\tXref: news.example.com " + xref)
}

func addArticles(t *testing.T, db *DB, group string, nums ...int) {
	t.Helper()
	for _, n := range nums {
		require.NoError(t, db.Add(context.Background(), tok(n), ovLine(fmt.Sprintf("article %d", n), fmt.Sprintf("%s:%d", group, n))))
	}
}

func collect(t *testing.T, db *DB, group string, low, high int64) []Record {
	t.Helper()
	s, err := db.Search(context.Background(), group, low, high)
	require.NoError(t, err)
	defer s.Close()
	var out []Record
	for {
		rec, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	require.NoError(t, s.Err())
	return out
}

func artnums(recs []Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ArtNum
	}
	return out
}

func TestAddSearch_SkipsHoles(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	addArticles(t, db, "misc.test", 5, 6, 9)

	recs := collect(t, db, "misc.test", 1, 20)
	require.Equal(t, []int64{5, 6, 9}, artnums(recs))
	for _, r := range recs {
		n := int(r.ArtNum)
		assert.Equal(t, tok(n), r.Token)
		line := ovLine(fmt.Sprintf("article %d", n), fmt.Sprintf("misc.test:%d", n))
		assert.Equal(t, formatRecord(r.ArtNum, line), r.Data)
	}

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 5, High: 9, Count: 3, Flag: 'y'}, stats)

	assert.Equal(t, []int64{6}, artnums(collect(t, db, "misc.test", 6, 8)))
	assert.Empty(t, collect(t, db, "misc.test", 10, 20))
}

func TestAdd_ReplacingArticleKeepsCount(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	addArticles(t, db, "misc.test", 5, 5)

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestAdd_Crosspost(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, nil)
	ctx := context.Background()

	line := ovLine("crossposted", "comp.lang.go:3 misc.test:7")
	require.NoError(t, db.Add(ctx, tok(1), line))

	rec, err := db.GetArtInfo(ctx, "comp.lang.go", 3)
	require.NoError(t, err)
	assert.Equal(t, formatRecord(3, line), rec.Data)
	rec, err = db.GetArtInfo(ctx, "misc.test", 7)
	require.NoError(t, err)
	assert.Equal(t, tok(1), rec.Token)

	assert.FileExists(t, filepath.Join(dir, "c", "l", "g", "comp.lang.go.IDX"))
	assert.FileExists(t, filepath.Join(dir, "m", "t", "misc.test.DAT"))

	_, err = db.GetArtInfo(ctx, "misc.test", 8)
	assert.ErrorIs(t, err, ErrArticleNotFound)
	_, err = db.GetArtInfo(ctx, "no.such.group", 1)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAdd_UsesLastXref(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	line := []byte("Xref: bogus fake.group:1\tfrom\tXref: news.example.com misc.test:4")
	require.NoError(t, db.Add(context.Background(), tok(4), line))

	_, err := db.GroupStats("fake.group")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.High)
}

func TestAdd_Errors(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, db.Add(ctx, tok(1), []byte("subject\tfrom")), ErrNoXref)
	assert.ErrorIs(t, db.Add(ctx, tok(1), []byte("Xref: hostonly")), ErrNoXref)
	assert.ErrorIs(t, db.Add(ctx, tok(1), ovLine("x", "nocolon")), ErrNoXref)

	// Non-positive article numbers are skipped.
	require.NoError(t, db.Add(ctx, tok(1), ovLine("x", "misc.test:0")))
	_, err := db.GroupStats("misc.test")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAdd_BelowBaseRepacks(t *testing.T) {
	db := openDB(t, t.TempDir(), func(c *Config) { c.PadAmount = 10 })
	addArticles(t, db, "misc.test", 110)

	_, e, err := db.lookup("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.base)

	addArticles(t, db, "misc.test", 50)
	_, e, err = db.lookup("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(40), e.base)

	assert.Equal(t, []int64{50, 110}, artnums(collect(t, db, "misc.test", 1, 200)))
	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 50, High: 110, Count: 2, Flag: 'y'}, stats)
}

func TestGroupAddDelStats(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)

	require.NoError(t, db.GroupAdd("alt.test", 'm'))
	stats, err := db.GroupStats("alt.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Flag: 'm'}, stats)

	require.NoError(t, db.GroupAdd("alt.test", 'n'))
	stats, err = db.GroupStats("alt.test")
	require.NoError(t, err)
	assert.Equal(t, byte('n'), stats.Flag)

	addArticles(t, db, "alt.test", 1, 2)
	addArticles(t, db, "misc.test", 3)
	totals, err := db.Totals()
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Groups)
	assert.Equal(t, int64(3), totals.Articles)

	require.NoError(t, db.GroupDel("alt.test"))
	_, err = db.GroupStats("alt.test")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	require.NoError(t, db.GroupDel("alt.test"))

	totals, err = db.Totals()
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Groups)

	require.NoError(t, db.GroupAdd("alt.test", 'y'))
	stats, err = db.GroupStats("alt.test")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
}

func TestGroupDel_RecreatedGroupStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, nil)

	var nums []int
	for n := 1; n <= 200; n++ {
		nums = append(nums, n)
	}
	addArticles(t, db, "misc.test", nums...)
	idx, dat := groupFiles(dir, "misc.test", "")
	require.FileExists(t, idx)
	require.FileExists(t, dat)

	require.NoError(t, db.GroupDel("misc.test"))
	assert.NoFileExists(t, idx)
	assert.NoFileExists(t, dat)

	require.NoError(t, db.GroupAdd("misc.test", 'y'))
	addArticles(t, db, "misc.test", 150, 160)

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 150, High: 160, Count: 2, Flag: 'y'}, stats)

	recs := collect(t, db, "misc.test", 0, 1000)
	require.Equal(t, []int64{150, 160}, artnums(recs))
	assert.Equal(t, tok(150), recs[0].Token)
	assert.Equal(t, tok(160), recs[1].Token)
}

func TestGroupIndex_GrowsAndRemaps(t *testing.T) {
	dir := t.TempDir()
	writer := openDB(t, dir, nil)
	reader := openDB(t, dir, nil)

	const n = growBy + 100
	for i := 0; i < n; i++ {
		require.NoError(t, writer.GroupAdd(fmt.Sprintf("grow.group%d", i), 'y'))
	}

	fi, err := os.Stat(filepath.Join(dir, IndexFile))
	require.NoError(t, err)
	assert.Equal(t, fileSize(2*growBy), fi.Size())

	for _, i := range []int{0, growBy - 1, n - 1} {
		_, err := reader.GroupStats(fmt.Sprintf("grow.group%d", i))
		assert.NoError(t, err, i)
	}
	require.NoError(t, reader.GroupAdd("grow.reader", 'y'))
	_, err = writer.GroupStats("grow.reader")
	assert.NoError(t, err)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	addArticles(t, db, "misc.test", 1, 2, 3)
	require.NoError(t, db.Close())

	ro := openDB(t, dir, func(c *Config) { c.ReadOnly = true })
	assert.Equal(t, []int64{1, 2, 3}, artnums(collect(t, ro, "misc.test", 1, 3)))

	ctx := context.Background()
	assert.ErrorIs(t, ro.Add(ctx, tok(4), ovLine("x", "misc.test:4")), ErrReadOnly)
	assert.ErrorIs(t, ro.GroupAdd("x.y", 'y'), ErrReadOnly)
	assert.ErrorIs(t, ro.GroupDel("misc.test"), ErrReadOnly)
	_, err = ro.Expire(ctx, "misc.test", liveSet{})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestClosed(t *testing.T) {
	db, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Search(context.Background(), "misc.test", 1, 2)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.GroupStats("misc.test")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), make([]byte, headerSize+entrySize), 0644))
	_, err := Open(Config{Dir: dir})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestGroupDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/ov", "c", "l", "g"), groupDir("/ov", "comp.lang.go"))
	assert.Equal(t, filepath.Join("/ov", "j"), groupDir("/ov", "junk"))

	idx, dat := groupFiles("/ov", "misc.test", "-NEW")
	assert.Equal(t, filepath.Join("/ov", "m", "t", "misc.test-NEW.IDX"), idx)
	assert.Equal(t, filepath.Join("/ov", "m", "t", "misc.test-NEW.DAT"), dat)
}

func TestXrefEntries(t *testing.T) {
	got, err := xrefEntries([]byte("s\tXref: host a.b:1 c.d:22 e.f:x"))
	require.NoError(t, err)
	assert.Equal(t, []xrefEntry{{"a.b", 1}, {"c.d", 22}}, got)
}
