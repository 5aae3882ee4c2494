package overview

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// Group index layout. All integers are little endian.
//
//	header: magic u32 | bucket heads [hashBuckets]i32 | freelist i32
//	entry:  hash [16] | high i64 | low i64 | base i64 | count i64 |
//	        flag u8 pad[3] | next i32 | deleted i64 | inode u64 | pad[8]
const (
	hashBuckets = 16 * 1024
	headerMagic = ^uint32(0xf1f0f33d)
	headerSize  = 4 + hashBuckets*4 + 4
	entrySize   = 80
	growBy      = 1024

	freelistOff = 4 + hashBuckets*4
)

const (
	offHash    = 0
	offHigh    = 16
	offLow     = 24
	offBase    = 32
	offCount   = 40
	offFlag    = 48
	offNext    = 52
	offDeleted = 56
	offInode   = 64
)

// GroupLoc is a slot number in the group index. Slots stay valid for the
// life of the file because the index only grows.
type GroupLoc int32

const emptyLoc GroupLoc = -1

// Empty reports whether l refers to no slot.
func (l GroupLoc) Empty() bool { return l < 0 }

type groupHash [16]byte

func hashGroup(name string) groupHash {
	sum := blake3.Sum256([]byte(name))
	var h groupHash
	copy(h[:], sum[:len(h)])
	return h
}

func (h groupHash) bucket(n int) int {
	return int(binary.LittleEndian.Uint32(h[:4]) % uint32(n))
}

type groupEntry struct {
	hash    groupHash
	high    int64
	low     int64
	base    int64
	count   int64
	flag    byte
	next    GroupLoc
	deleted int64
	inode   uint64
}

func decodeEntry(b []byte) groupEntry {
	var e groupEntry
	copy(e.hash[:], b[offHash:offHash+16])
	e.high = int64(binary.LittleEndian.Uint64(b[offHigh:]))
	e.low = int64(binary.LittleEndian.Uint64(b[offLow:]))
	e.base = int64(binary.LittleEndian.Uint64(b[offBase:]))
	e.count = int64(binary.LittleEndian.Uint64(b[offCount:]))
	e.flag = b[offFlag]
	e.next = GroupLoc(int32(binary.LittleEndian.Uint32(b[offNext:])))
	e.deleted = int64(binary.LittleEndian.Uint64(b[offDeleted:]))
	e.inode = binary.LittleEndian.Uint64(b[offInode:])
	return e
}

func (e *groupEntry) encode(b []byte) {
	copy(b[offHash:offHash+16], e.hash[:])
	e.encodeStats(b)
	b[offFlag] = e.flag
	binary.LittleEndian.PutUint32(b[offNext:], uint32(e.next))
	binary.LittleEndian.PutUint64(b[offDeleted:], uint64(e.deleted))
	binary.LittleEndian.PutUint64(b[offInode:], e.inode)
}

func (e *groupEntry) encodeStats(b []byte) {
	binary.LittleEndian.PutUint64(b[offHigh:], uint64(e.high))
	binary.LittleEndian.PutUint64(b[offLow:], uint64(e.low))
	binary.LittleEndian.PutUint64(b[offBase:], uint64(e.base))
	binary.LittleEndian.PutUint64(b[offCount:], uint64(e.count))
}

// arena is the memory-mapped group index file.
type arena struct {
	path     string
	file     *os.File
	writable bool

	mu    sync.Mutex
	data  []byte
	count int
}

func fileSize(count int) int64 {
	return headerSize + int64(count)*entrySize
}

func openArena(path string, writable bool) (*arena, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("open group index: %w", err)
	}
	a := &arena{path: path, file: f, writable: writable}

	a.mu.Lock()
	defer a.mu.Unlock()
	size, err := a.size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	switch {
	case size > headerSize:
		if err = a.mapLocked(size); err == nil && binary.LittleEndian.Uint32(a.data) != headerMagic {
			err = fmt.Errorf("%w: bad magic in %s", ErrCorrupt, path)
		}
	case writable:
		err = a.withHeaderLock(a.expandLocked)
	}
	if err != nil {
		a.unmapLocked()
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

func (a *arena) fd() int { return int(a.file.Fd()) }

func (a *arena) size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(a.fd(), &st); err != nil {
		return 0, fmt.Errorf("stat group index: %w", err)
	}
	return st.Size, nil
}

func (a *arena) unmapLocked() {
	if a.data != nil {
		_ = unix.Munmap(a.data)
		a.data = nil
	}
}

func (a *arena) mapLocked(size int64) error {
	a.unmapLocked()
	count := int((size - headerSize) / entrySize)
	prot := unix.PROT_READ
	if a.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(a.fd(), 0, int(fileSize(count)), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap group index: %w", err)
	}
	a.data, a.count = data, count
	if magic := binary.LittleEndian.Uint32(a.data); magic != headerMagic && !a.writable {
		a.unmapLocked()
		return fmt.Errorf("%w: bad magic %#x in %s", ErrCorrupt, magic, a.path)
	}
	return nil
}

// refreshLocked maps growth made by other processes.
func (a *arena) refreshLocked() error {
	size, err := a.size()
	if err != nil {
		return err
	}
	if size <= headerSize || (a.data != nil && fileSize(a.count) >= size) {
		return nil
	}
	return a.mapLocked(size)
}

// remapIfNeededLocked makes slot loc addressable if another process grew
// the file past the current mapping.
func (a *arena) remapIfNeededLocked(loc GroupLoc) error {
	if a.data != nil && int(loc) < a.count {
		return nil
	}
	if err := a.refreshLocked(); err != nil {
		return err
	}
	if a.data == nil || int(loc) >= a.count {
		return fmt.Errorf("%w: slot %d beyond %d entries", ErrCorrupt, loc, a.count)
	}
	return nil
}

// expandLocked grows the file by growBy entries and threads them onto the
// free list back to front. The header lock must be held.
func (a *arena) expandLocked() error {
	if err := a.refreshLocked(); err != nil {
		return err
	}
	count := a.count + growBy
	a.unmapLocked()
	if err := unix.Ftruncate(a.fd(), fileSize(count)); err != nil {
		return fmt.Errorf("extend group index: %w", err)
	}
	if err := a.mapLocked(fileSize(count)); err != nil {
		return err
	}

	if binary.LittleEndian.Uint32(a.data) != headerMagic {
		binary.LittleEndian.PutUint32(a.data, headerMagic)
		a.setFreelist(emptyLoc)
		for i := 0; i < hashBuckets; i++ {
			a.setBucket(i, emptyLoc)
		}
	}
	for i := a.count - 1; i >= a.count-growBy; i-- {
		binary.LittleEndian.PutUint32(a.slot(GroupLoc(i))[offNext:], uint32(a.freelist()))
		a.setFreelist(GroupLoc(i))
	}
	return nil
}

func (a *arena) withHeaderLock(fn func() error) error {
	if err := lockRange(a.fd(), unix.F_WRLCK, 0, headerSize); err != nil {
		return err
	}
	err := fn()
	if uerr := lockRange(a.fd(), unix.F_UNLCK, 0, headerSize); err == nil {
		err = uerr
	}
	return err
}

func (a *arena) bucket(i int) GroupLoc {
	return GroupLoc(int32(binary.LittleEndian.Uint32(a.data[4+i*4:])))
}

func (a *arena) setBucket(i int, loc GroupLoc) {
	binary.LittleEndian.PutUint32(a.data[4+i*4:], uint32(loc))
}

func (a *arena) freelist() GroupLoc {
	return GroupLoc(int32(binary.LittleEndian.Uint32(a.data[freelistOff:])))
}

func (a *arena) setFreelist(loc GroupLoc) {
	binary.LittleEndian.PutUint32(a.data[freelistOff:], uint32(loc))
}

func (a *arena) slot(loc GroupLoc) []byte {
	off := headerSize + int(loc)*entrySize
	return a.data[off : off+entrySize]
}

// find returns the slot of the live group with hash h, or emptyLoc.
func (a *arena) find(h groupHash) (GroupLoc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findLocked(h)
}

func (a *arena) findLocked(h groupHash) (GroupLoc, error) {
	if a.data == nil {
		if err := a.refreshLocked(); err != nil || a.data == nil {
			return emptyLoc, err
		}
	}
	loc := a.bucket(h.bucket(hashBuckets))
	for !loc.Empty() {
		if err := a.remapIfNeededLocked(loc); err != nil {
			return emptyLoc, err
		}
		s := a.slot(loc)
		if binary.LittleEndian.Uint64(s[offDeleted:]) == 0 && bytes.Equal(s[offHash:offHash+16], h[:]) {
			return loc, nil
		}
		loc = GroupLoc(int32(binary.LittleEndian.Uint32(s[offNext:])))
	}
	return emptyLoc, nil
}

// insert creates a group entry, or updates the flag of an existing one.
func (a *arena) insert(h groupHash, flag byte) (GroupLoc, error) {
	if !a.writable {
		return emptyLoc, ErrReadOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	loc := emptyLoc
	err := a.withHeaderLock(func() error {
		found, err := a.findLocked(h)
		if err != nil {
			return err
		}
		if !found.Empty() {
			a.slot(found)[offFlag] = flag
			loc = found
			return nil
		}
		if loc, err = a.newNodeLocked(); err != nil {
			return err
		}
		b := h.bucket(hashBuckets)
		e := groupEntry{hash: h, flag: flag, next: a.bucket(b)}
		e.encode(a.slot(loc))
		a.setBucket(b, loc)
		return nil
	})
	return loc, err
}

func (a *arena) newNodeLocked() (GroupLoc, error) {
	if err := a.refreshLocked(); err != nil {
		return emptyLoc, err
	}
	if a.freelist().Empty() {
		if err := a.expandLocked(); err != nil {
			return emptyLoc, err
		}
	}
	loc := a.freelist()
	if err := a.remapIfNeededLocked(loc); err != nil {
		return emptyLoc, err
	}
	a.setFreelist(GroupLoc(int32(binary.LittleEndian.Uint32(a.slot(loc)[offNext:]))))
	return loc, nil
}

func (a *arena) entry(loc GroupLoc) (groupEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.remapIfNeededLocked(loc); err != nil {
		return groupEntry{}, err
	}
	return decodeEntry(a.slot(loc)), nil
}

func (a *arena) update(loc GroupLoc, fn func(s []byte)) error {
	if !a.writable {
		return ErrReadOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.remapIfNeededLocked(loc); err != nil {
		return err
	}
	fn(a.slot(loc))
	return nil
}

func (a *arena) setStats(loc GroupLoc, e groupEntry) error {
	return a.update(loc, e.encodeStats)
}

func (a *arena) setInode(loc GroupLoc, inode uint64) error {
	return a.update(loc, func(s []byte) {
		binary.LittleEndian.PutUint64(s[offInode:], inode)
	})
}

// markDeleted hides the entry from lookups. The slot is not reused.
func (a *arena) markDeleted(loc GroupLoc, now time.Time) error {
	return a.update(loc, func(s []byte) {
		binary.LittleEndian.PutUint64(s[offDeleted:], uint64(now.Unix()))
		clear(s[offHash : offHash+16])
	})
}

// lockEntry takes the cross-process lock covering one group entry.
func (a *arena) lockEntry(loc GroupLoc, typ int16) error {
	if !a.writable {
		return nil
	}
	return lockRange(a.fd(), typ, fileSize(int(loc)), entrySize)
}

// live calls fn for every live entry.
func (a *arena) live(fn func(groupEntry)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(); err != nil {
		return err
	}
	for i := 0; i < a.count; i++ {
		e := decodeEntry(a.slot(GroupLoc(i)))
		if e.deleted == 0 && e.hash != (groupHash{}) {
			fn(e)
		}
	}
	return nil
}

func (a *arena) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unmapLocked()
	return a.file.Close()
}
