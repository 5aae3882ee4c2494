package storage

import (
	"context"

	"github.com/tunnelmesh/newsspool/internal/token"
)

// RetrieveType selects how much of an article a retrieval returns.
type RetrieveType int

const (
	RetrieveAll RetrieveType = iota
	RetrieveHead
	RetrieveBody
	RetrieveStat
)

func (r RetrieveType) String() string {
	switch r {
	case RetrieveAll:
		return "all"
	case RetrieveHead:
		return "head"
	case RetrieveBody:
		return "body"
	case RetrieveStat:
		return "stat"
	}
	return "unknown"
}

// ProbeType selects an auxiliary query.
type ProbeType int

const (
	ProbeSelfExpire ProbeType = iota
	ProbeArtNgNum
	ProbeExpensiveStat
)

// FlushType selects which cached data a method should flush.
type FlushType int

const (
	FlushAll FlushType = iota
	FlushHead
	FlushCancelled
)

// Attributes are reported by a method when it initializes.
type Attributes struct {
	// SelfExpire is set by methods that drop old articles on their own.
	SelfExpire bool
	// ExpensiveStat is set when a RetrieveStat costs as much as a read.
	ExpensiveStat bool
}

// ArtNgNum maps a token to the newsgroup and article number it was first
// filed under.
type ArtNgNum struct {
	Group  string
	ArtNum uint64
}

// Host is the view of the storage manager given to methods. Methods must
// not call Subscription from Init.
type Host interface {
	// Subscription routes art through the storage policy.
	Subscription(ctx context.Context, art *Article) (*Subscription, error)
	// ReadWrite reports whether the manager was opened for writing.
	ReadWrite() bool
	// PreOpen reports whether methods should open their files eagerly.
	PreOpen() bool
}

// Method is a pluggable article store. Every method owns the tokens of its
// Type; the manager dispatches to it by token type alone.
type Method interface {
	Name() string
	Type() token.Type

	Init(ctx context.Context, host Host) (Attributes, error)

	// Store files art, which is in wire format, under class.
	Store(ctx context.Context, art *Article, class token.Class) (token.Token, error)
	Retrieve(ctx context.Context, tok token.Token, amount RetrieveType) (*Article, error)
	// Next returns the article following cursor, or the first article
	// when cursor is nil. io.EOF marks the end.
	Next(ctx context.Context, cursor *Article, amount RetrieveType) (*Article, error)
	FreeArticle(art *Article)
	Cancel(ctx context.Context, tok token.Token) error

	// Ctl answers a probe. For ProbeArtNgNum a zero ArtNum means the
	// method cannot tell and the caller should consult the article.
	Ctl(ctx context.Context, probe ProbeType, tok token.Token, value *ArtNgNum) error
	FlushCachedData(ft FlushType) error
	Explain(tok token.Token) string
	Shutdown() error
}
