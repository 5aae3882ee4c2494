package overview

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tunnelmesh/newsspool/internal/token"
)

// Index records are fixed width and addressed by article number - base.
//
//	offset i64 | length i32 | token [18] | pad[2]
const indexEntrySize = 32

type indexEntry struct {
	offset int64
	length int32
	token  token.Token
}

func decodeIndexEntry(b []byte) indexEntry {
	return indexEntry{
		offset: int64(binary.LittleEndian.Uint64(b[0:])),
		length: int32(binary.LittleEndian.Uint32(b[8:])),
		token:  token.FromBytes(b[12 : 12+token.Size]),
	}
}

func (ie indexEntry) encode() []byte {
	b := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(b[0:], uint64(ie.offset))
	binary.LittleEndian.PutUint32(b[8:], uint32(ie.length))
	tb := ie.token.Bytes()
	copy(b[12:], tb[:])
	return b
}

// groupDir is the directory of a group's files: one element per component
// of the group name, named by the component's first character.
func groupDir(root, group string) string {
	parts := strings.FieldsFunc(group, func(r rune) bool { return r == '.' })
	elems := make([]string, 0, len(parts)+1)
	elems = append(elems, root)
	for _, p := range parts {
		elems = append(elems, p[:1])
	}
	return filepath.Join(elems...)
}

// groupFiles returns the index and data paths for group with an optional
// suffix such as "-NEW".
func groupFiles(root, group, suffix string) (idx, dat string) {
	dir := groupDir(root, group)
	return filepath.Join(dir, group+suffix+".IDX"), filepath.Join(dir, group+suffix+".DAT")
}

// groupHandle holds the open files of one group.
type groupHandle struct {
	group string
	hash  groupHash
	loc   GroupLoc
	idx   *os.File
	dat   *os.File
	inode uint64

	// Guarded by the handle cache.
	lastUsed time.Time
	refs     int
	detached bool
}

func fileInode(f *os.File) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return uint64(st.Ino), nil
}

// openGroupFiles opens the index and data files of group+suffix, creating
// them when writable. Read-only handles of groups that never received an
// article have no files.
func openGroupFiles(root, group, suffix string, writable bool) (*groupHandle, error) {
	idxPath, datPath := groupFiles(root, group, suffix)
	h := &groupHandle{group: group}

	datFlags, idxFlags := os.O_RDONLY, os.O_RDONLY
	if writable {
		if err := os.MkdirAll(filepath.Dir(idxPath), 0755); err != nil {
			return nil, fmt.Errorf("create overview directory: %w", err)
		}
		datFlags = os.O_RDWR | os.O_APPEND | os.O_CREATE
		idxFlags = os.O_RDWR | os.O_CREATE
	}

	dat, err := os.OpenFile(datPath, datFlags, 0660)
	if err != nil {
		if !writable && errors.Is(err, fs.ErrNotExist) {
			return h, nil
		}
		return nil, fmt.Errorf("open overview data: %w", err)
	}
	idx, err := os.OpenFile(idxPath, idxFlags, 0660)
	if err != nil {
		_ = dat.Close()
		if !writable && errors.Is(err, fs.ErrNotExist) {
			return h, nil
		}
		return nil, fmt.Errorf("open overview index: %w", err)
	}
	inode, err := fileInode(idx)
	if err != nil {
		_ = dat.Close()
		_ = idx.Close()
		return nil, err
	}
	h.idx, h.dat, h.inode = idx, dat, inode
	return h, nil
}

func (h *groupHandle) empty() bool { return h.idx == nil }

func (h *groupHandle) close() error {
	if h.empty() {
		return nil
	}
	return errors.Join(h.idx.Close(), h.dat.Close())
}

// addRecord appends data to the group's data file and records it in the
// index slot of artnum, updating e. The group lock must be held.
func addRecord(e *groupEntry, h *groupHandle, artnum int64, tok token.Token, data []byte, pad int64) error {
	base := e.base
	if base == 0 {
		base = 1
		if artnum > pad {
			base = artnum - pad
		}
	} else if base > artnum {
		return fmt.Errorf("%w: %s:%d, base %d", ErrBelowBase, h.group, artnum, base)
	}

	if _, err := h.dat.Write(data); err != nil {
		return fmt.Errorf("append overview record to %s: %w", h.group, err)
	}
	end, err := h.dat.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("offset of overview record in %s: %w", h.group, err)
	}
	ie := indexEntry{offset: end - int64(len(data)), length: int32(len(data)), token: tok}

	fd := int(h.idx.Fd())
	off := (artnum - base) * indexEntrySize
	old := make([]byte, indexEntrySize)
	n, _ := unix.Pread(fd, old, off)
	hole := n < indexEntrySize || decodeIndexEntry(old).length == 0

	if n, err := unix.Pwrite(fd, ie.encode(), off); err != nil || n != indexEntrySize {
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("write index record for %s:%d: %w", h.group, artnum, err)
	}

	if e.count == 0 || e.low <= 0 || e.low > artnum {
		e.low = artnum
	}
	if e.high < artnum {
		e.high = artnum
	}
	if hole {
		e.count++
	}
	e.base = base
	return nil
}
