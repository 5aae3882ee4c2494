package overview

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// lockRange takes or releases an advisory byte-range lock on fd, waiting
// as long as it takes. typ is unix.F_RDLCK, unix.F_WRLCK or unix.F_UNLCK.
//
// The locks only exclude other processes. Goroutines of this process are
// serialized separately.
func lockRange(fd int, typ int16, start, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	for {
		err := unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &lk)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lock bytes %d-%d: %w", start, start+length, err)
		}
		return nil
	}
}
