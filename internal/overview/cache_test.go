package overview

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/newsspool/internal/metrics"
)

func withMetrics(t *testing.T) (*metrics.OverviewMetrics, func(*Config)) {
	t.Helper()
	m := metrics.NewOverviewMetrics(prometheus.NewRegistry())
	return m, func(c *Config) { c.Metrics = m }
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	m, withM := withMetrics(t)
	db := openDB(t, t.TempDir(), func(c *Config) {
		withM(c)
		c.CacheSize = 2
	})

	addArticles(t, db, "a.group", 1)
	addArticles(t, db, "b.group", 1)
	addArticles(t, db, "c.group", 1)
	assert.Equal(t, 2, db.Len())
	assert.Equal(t, CacheStats{Hits: 0, Misses: 3, Open: 2}, db.CacheStats())

	addArticles(t, db, "c.group", 2)
	addArticles(t, db, "a.group", 2)
	assert.Equal(t, CacheStats{Hits: 1, Misses: 4, Open: 2}, db.CacheStats())

	assert.Equal(t, 2.0, promtest.ToFloat64(m.CacheEvictions.WithLabelValues("lru")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheHits))
	assert.Equal(t, 4.0, promtest.ToFloat64(m.CacheMisses))
	assert.Equal(t, 5.0, promtest.ToFloat64(m.RecordsAdded))
}

func TestCache_ReopensStaleHandles(t *testing.T) {
	m, withM := withMetrics(t)
	clock := time.Unix(1_000_000, 0)
	db := openDB(t, t.TempDir(), func(c *Config) {
		withM(c)
		c.Now = func() time.Time { return clock }
	})

	addArticles(t, db, "misc.test", 1)
	addArticles(t, db, "misc.test", 2)
	assert.Equal(t, CacheStats{Hits: 1, Misses: 1, Open: 1}, db.CacheStats())

	clock = clock.Add(DefaultMaxCacheAge + time.Second)
	addArticles(t, db, "misc.test", 3)
	assert.Equal(t, CacheStats{Hits: 1, Misses: 2, Open: 1}, db.CacheStats())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheEvictions.WithLabelValues("stale")))
}

func TestCache_ReopensReplacedFiles(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	ctx := context.Background()
	addArticles(t, db, "misc.test", 5, 6)

	_, err := db.Expire(ctx, "misc.test", liveSet{tok(6): true})
	require.NoError(t, err)
	before := db.CacheStats().Misses

	rec, err := db.GetArtInfo(ctx, "misc.test", 6)
	require.NoError(t, err)
	assert.Equal(t, tok(6), rec.Token)
	assert.Equal(t, before+1, db.CacheStats().Misses)

	addArticles(t, db, "misc.test", 7)
	assert.Equal(t, []int64{6, 7}, artnums(collect(t, db, "misc.test", 1, 10)))
}

func TestCache_WaitsForPinnedHandles(t *testing.T) {
	m, withM := withMetrics(t)
	db := openDB(t, t.TempDir(), func(c *Config) {
		withM(c)
		c.CacheSize = 1
		c.CacheWait = 10 * time.Millisecond
	})
	addArticles(t, db, "a.group", 1)
	addArticles(t, db, "b.group", 1)

	held, err := db.Search(context.Background(), "a.group", 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = db.Search(ctx, "b.group", 1, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.CacheWaits), 1.0)

	done := make(chan error, 1)
	go func() {
		s, err := db.Search(context.Background(), "b.group", 1, 1)
		if err == nil {
			s.Close()
		}
		done <- err
	}()
	held.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("search did not proceed after the handle was released")
	}
}

func TestCache_DeletedGroupKeepsOpenSearch(t *testing.T) {
	m, withM := withMetrics(t)
	db := openDB(t, t.TempDir(), withM)
	addArticles(t, db, "misc.test", 1, 2)

	s, err := db.Search(context.Background(), "misc.test", 1, 2)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, db.GroupDel("misc.test"))
	assert.Equal(t, 0, db.Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheEvictions.WithLabelValues("deleted")))

	var got []int64
	for {
		rec, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, rec.ArtNum)
	}
	assert.NoError(t, s.Err())
	assert.Equal(t, []int64{1, 2}, got)
}
