package overview

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
)

// Checker reports whether an article is still stored.
type Checker interface {
	Exists(ctx context.Context, tok token.Token) bool
}

// Fetcher retrieves stored articles.
type Fetcher interface {
	Retrieve(ctx context.Context, tok token.Token, amount storage.RetrieveType) (*storage.Article, error)
	FreeArticle(art *storage.Article)
}

// Steps of installing rewritten files, reported to rewriteHook.
const (
	stepWritten      = "written"
	stepBackupIndex  = "backup-index"
	stepBackupData   = "backup-data"
	stepInstallIndex = "install-index"
	stepInstallData  = "install-data"
	stepCleanup      = "cleanup"
)

var errAborted = errors.New("rewrite aborted")

func (db *DB) step(name string) error {
	if db.rewriteHook == nil {
		return nil
	}
	if err := db.rewriteHook(name); err != nil {
		return fmt.Errorf("%w after %s: %w", errAborted, name, err)
	}
	return nil
}

type rewritePaths struct {
	oldIdx, newIdx, bakIdx string
	oldDat, newDat, bakDat string
}

func (db *DB) rewritePaths(group string) rewritePaths {
	var p rewritePaths
	p.oldIdx, p.oldDat = groupFiles(db.cfg.Dir, group, "")
	p.newIdx, p.newDat = groupFiles(db.cfg.Dir, group, "-NEW")
	p.bakIdx, p.bakDat = groupFiles(db.cfg.Dir, group, "-BAK")
	return p
}

func (db *DB) renameLogged(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		db.logger.Error().Err(err).Str("from", from).Str("to", to).Msg("could not rename")
		return err
	}
	return nil
}

// install swaps the -NEW files in through -BAK copies:
//
//	old index -> bak, [old data -> bak,] new index -> old, [new data -> old,] unlink baks
//
// A crash at any point leaves the complete old pair (under its own or the
// -BAK names) or the complete new pair, never one old file installed next
// to one new file. A failing rename is undone. It returns the inode of the
// installed index.
func (db *DB) install(p rewritePaths, withData bool) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(p.newIdx, &st); err != nil {
		_ = os.Remove(p.newIdx)
		return 0, fmt.Errorf("stat %s: %w", p.newIdx, err)
	}
	if err := db.step(stepWritten); err != nil {
		return 0, err
	}

	removeNew := func() {
		_ = os.Remove(p.newIdx)
		if withData {
			_ = os.Remove(p.newDat)
		}
	}
	restore := func(data bool) {
		_ = os.Rename(p.bakIdx, p.oldIdx)
		if data {
			_ = os.Rename(p.bakDat, p.oldDat)
		}
		removeNew()
	}

	if err := db.renameLogged(p.oldIdx, p.bakIdx); err != nil {
		removeNew()
		return 0, err
	}
	if err := db.step(stepBackupIndex); err != nil {
		return 0, err
	}
	if withData {
		if err := db.renameLogged(p.oldDat, p.bakDat); err != nil {
			restore(false)
			return 0, err
		}
		if err := db.step(stepBackupData); err != nil {
			return 0, err
		}
	}
	if err := db.renameLogged(p.newIdx, p.oldIdx); err != nil {
		restore(withData)
		return 0, err
	}
	if err := db.step(stepInstallIndex); err != nil {
		return 0, err
	}
	if withData {
		if err := db.renameLogged(p.newDat, p.oldDat); err != nil {
			restore(true)
			return 0, err
		}
		if err := db.step(stepInstallData); err != nil {
			return 0, err
		}
	}

	_ = os.Remove(p.bakIdx)
	if withData {
		_ = os.Remove(p.bakDat)
	}
	if err := db.step(stepCleanup); err != nil {
		return 0, err
	}
	return uint64(st.Ino), nil
}

// Pack shifts the index of group down by delta slots so that article
// numbers below its current base can be filed. delta is capped so the
// base stays at least 1.
func (db *DB) Pack(ctx context.Context, group string, delta int64) error {
	if err := db.check(true); err != nil {
		return err
	}
	return db.pack(ctx, group, delta)
}

func (db *DB) pack(ctx context.Context, group string, delta int64) (err error) {
	if delta <= 0 {
		return fmt.Errorf("invalid pack delta %d", delta)
	}
	loc, _, err := db.lookup(group)
	if err != nil {
		return err
	}

	unlock, err := db.lockGroup(loc)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := db.arena.entry(loc)
	if err != nil {
		return err
	}
	if e.count == 0 {
		return nil
	}
	delta = min(delta, e.base-1)
	if delta <= 0 {
		return fmt.Errorf("%w: %s starts at %d", ErrBelowBase, group, e.base)
	}
	defer func() { db.metrics.RecordRewrite("pack", err) }()
	db.logger.Info().Str("group", group).Int64("delta", delta).Msg("repacking group")

	l, err := db.openGroup(ctx, group, false)
	if err != nil {
		return err
	}
	defer l.release()
	if l.h.empty() {
		return fmt.Errorf("%w: %s has no index file", ErrCorrupt, group)
	}
	idx, err := mmapFile(l.h.idx)
	if err != nil {
		return err
	}
	defer func() {
		if idx != nil {
			_ = unix.Munmap(idx)
		}
	}()

	p := db.rewritePaths(group)
	_ = os.Remove(p.newIdx)
	f, err := os.OpenFile(p.newIdx, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.newIdx, err)
	}
	first := (e.low - e.base) * indexEntrySize
	last := min((e.high-e.base+1)*indexEntrySize, int64(len(idx)))
	if first < last {
		chunk := idx[first:last]
		if n, err := unix.Pwrite(int(f.Fd()), chunk, first+delta*indexEntrySize); err != nil || n != len(chunk) {
			_ = f.Close()
			_ = os.Remove(p.newIdx)
			if err == nil {
				err = fmt.Errorf("short write to %s", p.newIdx)
			}
			return fmt.Errorf("pack %s: %w", group, err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(p.newIdx)
		return fmt.Errorf("close %s: %w", p.newIdx, err)
	}

	inode, err := db.install(p, false)
	if err != nil {
		return err
	}
	e.base -= delta
	if err := db.arena.setStats(loc, e); err != nil {
		return err
	}
	return db.arena.setInode(loc, inode)
}

// Expire rewrites group keeping only articles src still stores, and
// returns the new low watermark.
func (db *DB) Expire(ctx context.Context, group string, src Checker) (int64, error) {
	if err := db.check(true); err != nil {
		return 0, err
	}
	e, err := db.rewriteData(ctx, group, "expire", func(rec Record) (Record, bool) {
		return rec, src.Exists(ctx, rec.Token)
	})
	return e.low, err
}

// Rebuild regenerates every record of group from the stored article using
// the schema.
func (db *DB) Rebuild(ctx context.Context, group string, src Fetcher) error {
	if err := db.check(true); err != nil {
		return err
	}
	_, err := db.rewriteData(ctx, group, "rebuild", func(rec Record) (Record, bool) {
		art, err := src.Retrieve(ctx, rec.Token, storage.RetrieveAll)
		if err != nil {
			db.logger.Error().Err(err).Str("group", group).Int64("artnum", rec.ArtNum).Msg("could not rebuild overview")
			return rec, false
		}
		line := db.cfg.Schema.Generate(art.Data)
		src.FreeArticle(art)

		entries, err := xrefEntries(line)
		if err != nil {
			db.logger.Error().Err(err).Str("group", group).Int64("artnum", rec.ArtNum).Msg("could not find Xref header")
			return rec, false
		}
		for _, x := range entries {
			if x.group == group {
				return Record{ArtNum: x.artnum, Data: formatRecord(x.artnum, line), Token: rec.Token}, true
			}
		}
		db.logger.Error().Str("group", group).Int64("artnum", rec.ArtNum).Msg("could not find group name in Xref header")
		return rec, false
	})
	return err
}

// rewriteData writes the records chosen by keep into fresh -NEW files and
// installs them in place of the group's index and data.
func (db *DB) rewriteData(ctx context.Context, group, kind string, keep func(Record) (Record, bool)) (e groupEntry, err error) {
	loc, e, err := db.lookup(group)
	if err != nil {
		return e, err
	}
	if e.count == 0 {
		return e, nil
	}

	p := db.rewritePaths(group)
	_ = os.Remove(p.newIdx)
	_ = os.Remove(p.newDat)

	unlock, err := db.lockGroup(loc)
	if err != nil {
		return e, err
	}
	defer unlock()
	defer func() { db.metrics.RecordRewrite(kind, err) }()

	if e, err = db.arena.entry(loc); err != nil {
		return e, err
	}
	s, err := db.Search(ctx, group, e.low, e.high)
	if err != nil {
		return e, err
	}
	defer s.Close()

	newh, err := openGroupFiles(db.cfg.Dir, group, "-NEW", true)
	if err != nil {
		return e, err
	}
	ne := e
	ne.base, ne.low, ne.high, ne.count = 0, 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			_ = newh.close()
			removeQuiet(p.newIdx, p.newDat)
			return e, err
		}
		rec, ok := s.Next()
		if !ok {
			break
		}
		out, ok := keep(rec)
		if !ok {
			continue
		}
		if err := addRecord(&ne, newh, out.ArtNum, out.Token, out.Data, db.cfg.PadAmount); err != nil {
			db.logger.Error().Err(err).Str("group", group).Int64("artnum", out.ArtNum).Msg("could not copy overview record")
		}
	}
	if err := errors.Join(s.Err(), newh.close()); err != nil {
		removeQuiet(p.newIdx, p.newDat)
		return e, err
	}

	if ne.count == 0 {
		ne.base = 0
		ne.high = e.high
		ne.low = e.high + 1
	}
	inode, err := db.install(p, true)
	if err != nil {
		return e, err
	}
	if err := db.arena.setStats(loc, ne); err != nil {
		return e, err
	}
	if err := db.arena.setInode(loc, inode); err != nil {
		return e, err
	}
	ne.inode = inode
	return ne, nil
}

func removeQuiet(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
