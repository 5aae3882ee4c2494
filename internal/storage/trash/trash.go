// Package trash implements a storage method that accepts and discards
// every article.
package trash

import (
	"context"
	"fmt"
	"io"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
)

// Method discards articles.
type Method struct{}

// New returns the trash method.
func New() *Method {
	return &Method{}
}

func (*Method) Name() string     { return "trash" }
func (*Method) Type() token.Type { return token.TypeTrash }

func (*Method) Init(context.Context, storage.Host) (storage.Attributes, error) {
	return storage.Attributes{SelfExpire: true, ExpensiveStat: false}, nil
}

// Store returns a token that names nothing.
func (*Method) Store(_ context.Context, _ *storage.Article, class token.Class) (token.Token, error) {
	return token.Token{Type: token.TypeTrash, Class: class}, nil
}

func (*Method) Retrieve(_ context.Context, tok token.Token, _ storage.RetrieveType) (*storage.Article, error) {
	if tok.Type != token.TypeTrash {
		return nil, storage.ErrInternal
	}
	return nil, storage.ErrNotFound
}

func (*Method) Next(context.Context, *storage.Article, storage.RetrieveType) (*storage.Article, error) {
	return nil, io.EOF
}

func (*Method) FreeArticle(*storage.Article) {}

func (*Method) Cancel(context.Context, token.Token) error {
	return storage.ErrNotFound
}

func (*Method) Ctl(_ context.Context, probe storage.ProbeType, _ token.Token, _ *storage.ArtNgNum) error {
	if probe == storage.ProbeArtNgNum {
		return storage.ErrNotFound
	}
	return storage.ErrUnsupported
}

func (*Method) FlushCachedData(storage.FlushType) error { return nil }

func (*Method) Explain(tok token.Token) string {
	return fmt.Sprintf("method=trash class=%d", tok.Class)
}

func (*Method) Shutdown() error { return nil }
