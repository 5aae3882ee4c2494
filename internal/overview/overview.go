// Package overview implements the indexed overview database: a
// memory-mapped hash table of newsgroups and, per group, an append-only
// data file of overview records with a fixed-width index addressed by
// article number.
//
// Several processes may share one database. Group creation is serialized
// by a byte-range lock on the index header and per-group changes by a lock
// on the group's entry. The locks are advisory; processes that do not
// take them get no protection.
package overview

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/tunnelmesh/newsspool/internal/metrics"
)

// IndexFile is the name of the group index inside the overview directory.
const IndexFile = "group.index"

// Defaults for Config.
const (
	DefaultCacheSize   = 128
	DefaultPadAmount   = 128
	DefaultMaxCacheAge = 5 * time.Minute
	DefaultCacheWait   = 10 * time.Second
)

// Config contains configuration for the overview database.
type Config struct {
	// Dir holds group.index and the per-group files.
	Dir string
	// Schema defines the fields of generated overview lines.
	Schema Schema
	// ReadOnly opens the database for searching only.
	ReadOnly bool

	// CacheSize bounds the number of groups kept open.
	CacheSize int
	// PadAmount is how far below the first article of a group its index
	// file starts, and the extra room made when packing.
	PadAmount int64
	// MaxCacheAge is how long an idle cached handle stays valid.
	MaxCacheAge time.Duration
	// CacheWait is the longest single wait for a free cache slot before
	// checking again.
	CacheWait time.Duration

	Logger  *zerolog.Logger
	Metrics *metrics.OverviewMetrics
	Now     func() time.Time
}

// GroupStats describes one group.
type GroupStats struct {
	Low   int64
	High  int64
	Count int64
	Flag  byte
}

// DB is an open overview database.
type DB struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.OverviewMetrics
	arena   *arena
	cache   *handleCache
	closed  atomic.Bool

	locksMu    sync.Mutex
	groupLocks map[GroupLoc]*sync.Mutex

	// rewriteHook, if set, runs after each step of installing rewritten
	// files; an error aborts the rewrite on the spot.
	rewriteHook func(step string) error
}

// Open opens the database in cfg.Dir, creating it unless read-only.
func Open(cfg Config) (*DB, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.PadAmount <= 0 {
		cfg.PadAmount = DefaultPadAmount
	}
	if cfg.MaxCacheAge <= 0 {
		cfg.MaxCacheAge = DefaultMaxCacheAge
	}
	if cfg.CacheWait <= 0 {
		cfg.CacheWait = DefaultCacheWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "overview").Logger()

	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create overview directory: %w", err)
		}
	}
	a, err := openArena(filepath.Join(cfg.Dir, IndexFile), !cfg.ReadOnly)
	if err != nil {
		return nil, err
	}
	cache, err := newHandleCache(cfg.CacheSize, cfg.MaxCacheAge, cfg.CacheWait, cfg.Now, logger, cfg.Metrics)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	return &DB{
		cfg:        cfg,
		logger:     logger,
		metrics:    cfg.Metrics,
		arena:      a,
		cache:      cache,
		groupLocks: make(map[GroupLoc]*sync.Mutex),
	}, nil
}

// Close releases all open files. Leases still held become invalid.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	cerr := db.cache.closeAll()
	aerr := db.arena.close()
	if cerr != nil {
		return cerr
	}
	return aerr
}

func (db *DB) check(write bool) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if write && db.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Schema returns the overview schema in use.
func (db *DB) Schema() Schema { return db.cfg.Schema }

// Len returns the number of groups with open files.
func (db *DB) Len() int { return db.cache.Len() }

// CacheStats returns handle cache counters.
func (db *DB) CacheStats() CacheStats { return db.cache.stats() }

// Totals counts live groups and the articles they hold.
func (db *DB) Totals() (metrics.GroupTotals, error) {
	var t metrics.GroupTotals
	if err := db.check(false); err != nil {
		return t, err
	}
	err := db.arena.live(func(e groupEntry) {
		t.Groups++
		t.Articles += e.count
	})
	return t, err
}

// GroupAdd creates group with the given posting flag, or sets the flag of
// an existing group.
func (db *DB) GroupAdd(group string, flag byte) error {
	if err := db.check(true); err != nil {
		return err
	}
	_, err := db.arena.insert(hashGroup(group), flag)
	return err
}

// GroupDel removes group from the index and unlinks its index and data
// files. Deleting an unknown group is not an error. Searches already open
// keep reading their snapshot.
func (db *DB) GroupDel(group string) error {
	if err := db.check(true); err != nil {
		return err
	}
	h := hashGroup(group)
	loc, err := db.arena.find(h)
	if err != nil || loc.Empty() {
		return err
	}
	db.cache.forget(h)

	unlock, err := db.lockGroup(loc)
	if err != nil {
		return err
	}
	defer unlock()

	idx, dat := groupFiles(db.cfg.Dir, group, "")
	for _, path := range []string{idx, dat} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return db.arena.markDeleted(loc, db.cfg.Now())
}

// GroupStats returns the watermarks, count and flag of group.
func (db *DB) GroupStats(group string) (GroupStats, error) {
	if err := db.check(false); err != nil {
		return GroupStats{}, err
	}
	_, e, err := db.lookup(group)
	if err != nil {
		return GroupStats{}, err
	}
	return GroupStats{Low: e.low, High: e.high, Count: e.count, Flag: e.flag}, nil
}

func (db *DB) lookup(group string) (GroupLoc, groupEntry, error) {
	loc, err := db.arena.find(hashGroup(group))
	if err != nil {
		return emptyLoc, groupEntry{}, err
	}
	if loc.Empty() {
		return emptyLoc, groupEntry{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	e, err := db.arena.entry(loc)
	return loc, e, err
}

// openGroup leases the cached handle of group. With create set a missing
// group is added with flag 'y'.
func (db *DB) openGroup(ctx context.Context, group string, create bool) (*lease, error) {
	h := hashGroup(group)
	loc, err := db.arena.find(h)
	if err != nil {
		return nil, err
	}
	if loc.Empty() {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
		}
		if loc, err = db.arena.insert(h, 'y'); err != nil {
			return nil, err
		}
	}
	e, err := db.arena.entry(loc)
	if err != nil {
		return nil, err
	}

	writable := !db.cfg.ReadOnly
	return db.cache.acquire(ctx, h, loc, e.inode, func() (*groupHandle, error) {
		gh, err := openGroupFiles(db.cfg.Dir, group, "", writable)
		if err != nil {
			db.logger.Error().Err(err).Str("group", group).Msg("could not open group files")
			return nil, err
		}
		if writable {
			if err := db.arena.setInode(loc, gh.inode); err != nil {
				_ = gh.close()
				return nil, err
			}
		}
		return gh, nil
	})
}

// lockGroup serializes changes to the group at loc, within this process
// and across processes. The returned func releases the lock.
func (db *DB) lockGroup(loc GroupLoc) (func(), error) {
	db.locksMu.Lock()
	mu, ok := db.groupLocks[loc]
	if !ok {
		mu = &sync.Mutex{}
		db.groupLocks[loc] = mu
	}
	db.locksMu.Unlock()

	mu.Lock()
	if err := db.arena.lockEntry(loc, unix.F_WRLCK); err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		if err := db.arena.lockEntry(loc, unix.F_UNLCK); err != nil {
			db.logger.Warn().Err(err).Int32("loc", int32(loc)).Msg("could not unlock group")
		}
		mu.Unlock()
	}, nil
}

// IndexPath returns the path of group's index file.
func (db *DB) IndexPath(group string) string {
	idx, _ := groupFiles(db.cfg.Dir, group, "")
	return idx
}
