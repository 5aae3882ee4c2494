package overview

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tunnelmesh/newsspool/internal/token"
)

// Record is one overview record of a group.
type Record struct {
	ArtNum int64
	// Data is the record as stored: "<artnum>\t<overview line>\r\n".
	Data  []byte
	Token token.Token
}

// Search iterates over the records of a group in article number order.
// It reads a snapshot of the group's files taken when it was opened.
type Search struct {
	db    *DB
	lease *lease
	group string

	base  int64
	cur   int64
	limit int64

	idx []byte
	dat []byte

	err    error
	closed bool
}

func mmapFile(f *os.File) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if st.Size == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return data, nil
}

// Search opens an iterator over the records of group numbered low to high,
// clamped to the group's watermarks.
func (db *DB) Search(ctx context.Context, group string, low, high int64) (*Search, error) {
	if err := db.check(false); err != nil {
		return nil, err
	}

	var (
		l *lease
		e groupEntry
	)
	// The group's files may be replaced between reading its entry and
	// opening them; retry until both agree.
	for attempt := 0; ; attempt++ {
		var err error
		if l, err = db.openGroup(ctx, group, false); err != nil {
			return nil, err
		}
		if e, err = db.arena.entry(l.h.loc); err != nil {
			l.release()
			return nil, err
		}
		if e.inode == 0 || e.inode == l.h.inode || l.h.empty() || attempt == 2 {
			break
		}
		l.release()
	}

	low = max(low, e.low)
	high = min(high, e.high)
	s := &Search{
		db:    db,
		lease: l,
		group: group,
		base:  e.base,
		cur:   max(low-e.base, 0),
		limit: high - e.base,
	}
	if e.count == 0 || l.h.empty() {
		s.limit = -1
		return s, nil
	}

	var err error
	if s.idx, err = mmapFile(l.h.idx); err != nil {
		s.Close()
		return nil, err
	}
	if s.dat, err = mmapFile(l.h.dat); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Next returns the next record, skipping article numbers that were never
// filed. It returns false at the end of the range or on error.
func (s *Search) Next() (Record, bool) {
	if s.closed || s.err != nil {
		return Record{}, false
	}
	for s.cur <= s.limit {
		off := s.cur * indexEntrySize
		if off+indexEntrySize > int64(len(s.idx)) {
			return s.truncated()
		}
		ie := decodeIndexEntry(s.idx[off:])
		artnum := s.base + s.cur
		s.cur++
		if ie.length == 0 {
			continue
		}
		end := ie.offset + int64(ie.length)
		if ie.offset < 0 || ie.length < 0 || end > int64(len(s.dat)) {
			return s.truncated()
		}
		data := make([]byte, ie.length)
		copy(data, s.dat[ie.offset:end])
		return Record{ArtNum: artnum, Data: data, Token: ie.token}, true
	}
	return Record{}, false
}

func (s *Search) truncated() (Record, bool) {
	s.err = fmt.Errorf("truncated overview results for %s", s.group)
	s.db.logger.Error().Str("group", s.group).Int64("artnum", s.base+s.cur).Msg("truncated overview results")
	return Record{}, false
}

// Err returns the error that ended the iteration, if any.
func (s *Search) Err() error { return s.err }

// Close releases the snapshot and the group handle.
func (s *Search) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.idx != nil {
		_ = unix.Munmap(s.idx)
		s.idx = nil
	}
	if s.dat != nil {
		_ = unix.Munmap(s.dat)
		s.dat = nil
	}
	s.lease.release()
}

// GetArtInfo returns the record of one article.
func (db *DB) GetArtInfo(ctx context.Context, group string, artnum int64) (Record, error) {
	s, err := db.Search(ctx, group, artnum, artnum)
	if err != nil {
		return Record{}, err
	}
	defer s.Close()
	rec, ok := s.Next()
	if !ok {
		if err := s.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %s:%d", ErrArticleNotFound, group, artnum)
	}
	return rec, nil
}
