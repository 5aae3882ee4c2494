package overview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/newsspool/internal/metrics"
)

// CacheStats counts handle cache lookups.
type CacheStats struct {
	Hits   int64
	Misses int64
	Open   int
}

// handleCache keeps group files open between operations. Handles in use
// are never evicted; when every handle is in use, acquire waits.
type handleCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[groupHash, *groupHandle]
	max      int
	maxAge   time.Duration
	wait     time.Duration
	now      func() time.Time
	released chan struct{}

	hits   int64
	misses int64

	logger  zerolog.Logger
	metrics *metrics.OverviewMetrics
}

func newHandleCache(size int, maxAge, wait time.Duration, now func() time.Time, logger zerolog.Logger, m *metrics.OverviewMetrics) (*handleCache, error) {
	lru, err := simplelru.NewLRU[groupHash, *groupHandle](size, nil)
	if err != nil {
		return nil, err
	}
	return &handleCache{
		lru:      lru,
		max:      size,
		maxAge:   maxAge,
		wait:     wait,
		now:      now,
		released: make(chan struct{}),
		logger:   logger,
		metrics:  m,
	}, nil
}

// lease pins a cached handle until released.
type lease struct {
	c    *handleCache
	h    *groupHandle
	once sync.Once
}

func (l *lease) release() {
	l.once.Do(func() {
		l.c.mu.Lock()
		defer l.c.mu.Unlock()
		l.h.refs--
		if l.h.detached && l.h.refs == 0 {
			_ = l.h.close()
		}
		close(l.c.released)
		l.c.released = make(chan struct{})
	})
}

// acquire returns a lease on the handle of the group at loc, opening the
// group's files on a miss. A cached handle is reopened when it is older
// than maxAge or its index file is no longer the one recorded in the group
// entry (inode 0 means unknown).
func (c *handleCache) acquire(ctx context.Context, hash groupHash, loc GroupLoc, inode uint64, open func() (*groupHandle, error)) (*lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		now := c.now()
		if h, ok := c.lru.Get(hash); ok {
			stale := now.Sub(h.lastUsed) > c.maxAge || h.loc != loc || (inode != 0 && inode != h.inode)
			if !stale {
				c.hits++
				c.metrics.CacheHit()
				h.lastUsed = now
				h.refs++
				return &lease{c: c, h: h}, nil
			}
			c.dropLocked(hash, h, "stale")
		}
		if c.lru.Len() < c.max {
			break
		}
		if c.evictIdleLocked() {
			continue
		}

		ch := c.released
		c.mu.Unlock()
		c.logger.Info().Int("size", c.max).Dur("wait", c.wait).Msg("group cache is full, waiting")
		c.metrics.CacheWait()
		var err error
		select {
		case <-ch:
		case <-time.After(c.wait):
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.mu.Lock()
		if err != nil {
			return nil, err
		}
	}

	c.misses++
	c.metrics.CacheMiss()
	h, err := open()
	if err != nil {
		return nil, err
	}
	h.hash = hash
	h.loc = loc
	h.lastUsed = c.now()
	h.refs = 1
	c.lru.Add(hash, h)
	return &lease{c: c, h: h}, nil
}

// evictIdleLocked closes the least recently used handle nobody holds.
func (c *handleCache) evictIdleLocked() bool {
	for _, key := range c.lru.Keys() {
		h, ok := c.lru.Peek(key)
		if !ok || h.refs > 0 {
			continue
		}
		c.dropLocked(key, h, "lru")
		return true
	}
	return false
}

func (c *handleCache) dropLocked(key groupHash, h *groupHandle, reason string) {
	c.lru.Remove(key)
	c.metrics.CacheEvict(reason)
	if h.refs == 0 {
		_ = h.close()
		return
	}
	h.detached = true
}

// forget drops the handle of a group, if cached.
func (c *handleCache) forget(hash groupHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.lru.Peek(hash); ok {
		c.dropLocked(hash, h, "deleted")
	}
}

// Len returns the number of open handles.
func (c *handleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *handleCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Open: c.lru.Len()}
}

func (c *handleCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, h := range c.lru.Values() {
		errs = append(errs, h.close())
	}
	c.lru.Purge()
	return errors.Join(errs...)
}
