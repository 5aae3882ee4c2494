package overview

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/tunnelmesh/newsspool/internal/token"
)

var xrefTag = []byte("Xref: ")

type xrefEntry struct {
	group  string
	artnum int64
}

// xrefEntries parses the last Xref field of an overview line. The last
// one is used because corrupt articles may carry Xref fragments in other
// headers; the last is always the local server's.
func xrefEntries(line []byte) ([]xrefEntry, error) {
	i := bytes.LastIndex(line, xrefTag)
	if i < 0 {
		return nil, ErrNoXref
	}
	rest := line[i:]
	// Skip "Xref:" and the server name.
	for n := 0; n < 2; n++ {
		j := bytes.IndexByte(rest, ' ')
		if j < 0 {
			return nil, ErrNoXref
		}
		rest = rest[j+1:]
	}

	var out []xrefEntry
	for _, f := range bytes.Fields(rest) {
		c := bytes.LastIndexByte(f, ':')
		if c <= 0 {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrNoXref, f)
		}
		n, err := strconv.ParseInt(string(f[c+1:]), 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, xrefEntry{group: string(f[:c]), artnum: n})
	}
	return out, nil
}

func formatRecord(artnum int64, line []byte) []byte {
	out := make([]byte, 0, len(line)+24)
	out = strconv.AppendInt(out, artnum, 10)
	out = append(out, '\t')
	out = append(out, line...)
	return append(out, '\r', '\n')
}

// Add files an overview line under every group and article number named
// by its Xref field. Groups are created as needed.
func (db *DB) Add(ctx context.Context, tok token.Token, line []byte) error {
	if err := db.check(true); err != nil {
		return err
	}
	entries, err := xrefEntries(line)
	if err != nil {
		return err
	}
	for _, x := range entries {
		if err := db.addOne(ctx, x.group, x.artnum, tok, formatRecord(x.artnum, line)); err != nil {
			return err
		}
		db.metrics.RecordAdded()
	}
	return nil
}

func (db *DB) addOne(ctx context.Context, group string, artnum int64, tok token.Token, data []byte) error {
	for attempt := 0; ; attempt++ {
		l, err := db.openGroup(ctx, group, true)
		if err != nil {
			return err
		}
		e, err := db.arena.entry(l.h.loc)
		if err != nil {
			l.release()
			return err
		}
		if e.base > artnum {
			l.release()
			if attempt >= 2 {
				return fmt.Errorf("%w: %s:%d, base %d", ErrBelowBase, group, artnum, e.base)
			}
			if err := db.pack(ctx, group, db.cfg.PadAmount+e.base-artnum); err != nil {
				return err
			}
			continue
		}

		done, err := db.addLocked(l, artnum, tok, data, attempt >= 2)
		l.release()
		if done || err != nil {
			return err
		}
	}
}

// addLocked writes one record under the group lock. It reports false when
// the group's files were replaced after the handle was opened, unless
// force is set.
func (db *DB) addLocked(l *lease, artnum int64, tok token.Token, data []byte, force bool) (bool, error) {
	loc := l.h.loc
	unlock, err := db.lockGroup(loc)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := db.arena.entry(loc)
	if err != nil {
		return false, err
	}
	if !force && e.inode != 0 && e.inode != l.h.inode {
		return false, nil
	}
	if err := addRecord(&e, l.h, artnum, tok, data, db.cfg.PadAmount); err != nil {
		db.logger.Error().Err(err).Str("group", l.h.group).Int64("artnum", artnum).Msg("could not add overview record")
		return false, err
	}
	return true, db.arena.setStats(loc, e)
}
