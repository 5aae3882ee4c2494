package overview

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/testutil"
)

type liveSet map[token.Token]bool

func (s liveSet) Exists(_ context.Context, tok token.Token) bool { return s[tok] }

type articleSource map[token.Token][]byte

func (s articleSource) Retrieve(_ context.Context, tok token.Token, _ storage.RetrieveType) (*storage.Article, error) {
	data, ok := s[tok]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Article{Token: tok, Data: data}, nil
}

func (s articleSource) FreeArticle(*storage.Article) {}

func TestPack(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, func(c *Config) { c.PadAmount = 10 })
	ctx := context.Background()
	addArticles(t, db, "misc.test", 110)

	require.NoError(t, db.Pack(ctx, "misc.test", 50))

	_, e, err := db.lookup("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(50), e.base)
	assert.NotZero(t, e.inode)

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 110, High: 110, Count: 1, Flag: 'y'}, stats)

	rec, err := db.GetArtInfo(ctx, "misc.test", 110)
	require.NoError(t, err)
	assert.Equal(t, tok(110), rec.Token)

	idx, err := os.ReadFile(filepath.Join(dir, "m", "t", "misc.test.IDX"))
	require.NoError(t, err)
	require.Len(t, idx, 61*indexEntrySize)
	assert.NotZero(t, decodeIndexEntry(idx[60*indexEntrySize:]).length)
	assert.Zero(t, decodeIndexEntry(idx[10*indexEntrySize:]).length)

	// The base cannot drop below 1.
	require.NoError(t, db.Pack(ctx, "misc.test", 1000))
	_, e, err = db.lookup("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.base)
	assert.ErrorIs(t, db.Pack(ctx, "misc.test", 5), ErrBelowBase)

	rec, err = db.GetArtInfo(ctx, "misc.test", 110)
	require.NoError(t, err)
	assert.Equal(t, tok(110), rec.Token)
}

func TestPack_EmptyGroup(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	require.NoError(t, db.GroupAdd("misc.test", 'y'))
	assert.NoError(t, db.Pack(context.Background(), "misc.test", 10))
	assert.ErrorIs(t, db.Pack(context.Background(), "no.such.group", 10), ErrGroupNotFound)
}

func TestExpire(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	ctx := context.Background()
	addArticles(t, db, "misc.test", 5, 6, 9)

	low, err := db.Expire(ctx, "misc.test", liveSet{tok(5): true, tok(9): true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), low)

	recs := collect(t, db, "misc.test", 1, 20)
	assert.Equal(t, []int64{5, 9}, artnums(recs))
	assert.Equal(t, formatRecord(9, ovLine("article 9", "misc.test:9")), recs[1].Data)

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 5, High: 9, Count: 2, Flag: 'y'}, stats)

	low, err = db.Expire(ctx, "misc.test", liveSet{tok(9): true})
	require.NoError(t, err)
	assert.Equal(t, int64(9), low)
}

func TestExpire_Everything(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	ctx := context.Background()
	addArticles(t, db, "misc.test", 5, 6, 9)

	low, err := db.Expire(ctx, "misc.test", liveSet{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), low)

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 10, High: 9, Count: 0, Flag: 'y'}, stats)
	assert.Empty(t, collect(t, db, "misc.test", 1, 100))

	addArticles(t, db, "misc.test", 10)
	stats, err = db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Low: 10, High: 10, Count: 1, Flag: 'y'}, stats)
	assert.Equal(t, []int64{10}, artnums(collect(t, db, "misc.test", 1, 100)))
}

func TestRebuild(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	ctx := context.Background()
	schema := db.Schema()

	art := func(id int, subject string) []byte {
		return testutil.NewArticle(id, "misc.test").
			Header("Subject", subject).
			Xref("news.example.com", "misc.test:"+strconv.Itoa(id)).
			Wire()
	}
	for _, id := range []int{5, 6} {
		require.NoError(t, db.Add(ctx, tok(id), schema.Generate(art(id, "original"))))
	}

	updated := art(5, "rewritten")
	src := articleSource{tok(5): updated}
	require.NoError(t, db.Rebuild(ctx, "misc.test", src))

	recs := collect(t, db, "misc.test", 1, 20)
	require.Equal(t, []int64{5}, artnums(recs))
	assert.Equal(t, formatRecord(5, schema.Generate(updated)), recs[0].Data)
	assert.Contains(t, string(recs[0].Data), "\trewritten\t")

	stats, err := db.GroupStats("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

type fileState string

const (
	stateOld     fileState = "old"
	stateNew     fileState = "new"
	stateMissing fileState = "missing"
)

func classify(t *testing.T, path string, old []byte) fileState {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return stateMissing
	}
	require.NoError(t, err)
	if bytes.Equal(data, old) {
		return stateOld
	}
	return stateNew
}

func TestExpire_InterruptedInstall(t *testing.T) {
	tests := []struct {
		step     string
		idx, dat fileState
	}{
		{stepWritten, stateOld, stateOld},
		{stepBackupIndex, stateMissing, stateOld},
		{stepBackupData, stateMissing, stateMissing},
		{stepInstallIndex, stateNew, stateMissing},
		{stepInstallData, stateNew, stateNew},
		{stepCleanup, stateNew, stateNew},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			dir := t.TempDir()
			db := openDB(t, dir, nil)
			ctx := context.Background()
			addArticles(t, db, "misc.test", 5, 6, 9)

			p := db.rewritePaths("misc.test")
			oldIdx, err := os.ReadFile(p.oldIdx)
			require.NoError(t, err)
			oldDat, err := os.ReadFile(p.oldDat)
			require.NoError(t, err)

			db.rewriteHook = func(step string) error {
				if step == tt.step {
					return errors.New("crash")
				}
				return nil
			}
			_, err = db.Expire(ctx, "misc.test", liveSet{tok(5): true, tok(9): true})
			require.ErrorIs(t, err, errAborted)

			idx := classify(t, p.oldIdx, oldIdx)
			dat := classify(t, p.oldDat, oldDat)
			assert.Equal(t, tt.idx, idx, "index")
			assert.Equal(t, tt.dat, dat, "data")

			// An old file is never installed next to a new one.
			assert.False(t, idx == stateOld && dat == stateNew)
			assert.False(t, idx == stateNew && dat == stateOld)

			if idx == stateNew && dat == stateNew {
				return
			}
			// Otherwise the complete old pair survives.
			if idx != stateOld {
				assert.Equal(t, stateOld, classify(t, p.bakIdx, oldIdx), "backup index")
			}
			if dat != stateOld {
				assert.Equal(t, stateOld, classify(t, p.bakDat, oldDat), "backup data")
			}
		})
	}
}

func TestPack_InterruptedInstallLeavesEntry(t *testing.T) {
	db := openDB(t, t.TempDir(), func(c *Config) { c.PadAmount = 10 })
	ctx := context.Background()
	addArticles(t, db, "misc.test", 110)

	db.rewriteHook = func(step string) error {
		if step == stepWritten {
			return errors.New("crash")
		}
		return nil
	}
	require.ErrorIs(t, db.Pack(ctx, "misc.test", 50), errAborted)

	_, e, err := db.lookup("misc.test")
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.base)

	db.rewriteHook = nil
	rec, err := db.GetArtInfo(ctx, "misc.test", 110)
	require.NoError(t, err)
	assert.Equal(t, tok(110), rec.Token)
}

func TestSearch_TruncatedData(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, nil)
	addArticles(t, db, "misc.test", 1, 2)

	_, dat := groupFiles(dir, "misc.test", "")
	fi, err := os.Stat(dat)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(dat, fi.Size()-4))

	s, err := db.Search(context.Background(), "misc.test", 1, 2)
	require.NoError(t, err)
	defer s.Close()
	rec, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.ArtNum)
	_, ok = s.Next()
	assert.False(t, ok)
	assert.Error(t, s.Err())
}

func TestIndexEntryLayout(t *testing.T) {
	ie := indexEntry{offset: 1 << 33, length: 77, token: tok(3)}
	b := ie.encode()
	require.Len(t, b, indexEntrySize)
	assert.Equal(t, uint64(1<<33), binary.LittleEndian.Uint64(b[0:]))
	assert.Equal(t, uint32(77), binary.LittleEndian.Uint32(b[8:]))
	assert.Equal(t, ie, decodeIndexEntry(b))
}
