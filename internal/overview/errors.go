package overview

import "errors"

var (
	// ErrGroupNotFound is returned for groups absent from the group index.
	ErrGroupNotFound = errors.New("group not found")
	// ErrArticleNotFound is returned when no record exists for an article number.
	ErrArticleNotFound = errors.New("article not found in overview")
	// ErrBelowBase is returned when an article number cannot be addressed by
	// the group's index file even after packing.
	ErrBelowBase = errors.New("article number below group base")
	// ErrNoXref is returned for overview lines without a usable Xref field.
	ErrNoXref = errors.New("no Xref field in overview data")
	// ErrReadOnly is returned for writes to a database opened read-only.
	ErrReadOnly = errors.New("overview opened read only")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("overview closed")
	// ErrCorrupt is returned when the group index is not in the expected format.
	ErrCorrupt = errors.New("corrupt group index")
)
