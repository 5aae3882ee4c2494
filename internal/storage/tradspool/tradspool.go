// Package tradspool stores each article as a file named by its article
// number in a directory per newsgroup, with crossposts linked into the
// other groups' directories.
package tradspool

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
	"github.com/tunnelmesh/newsspool/internal/wire"
)

const artFileMode = 0664

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config contains configuration for the tradspool method.
type Config struct {
	// ArticlesDir is the root of the per-group directories.
	ArticlesDir string
	// SpoolDir holds tradspool.map. Defaults to ArticlesDir.
	SpoolDir string
	// WireFormat stores articles as received instead of converting them
	// to native line endings.
	WireFormat bool
	// Compress stores articles zstd-compressed.
	Compress bool
	// StoreOnXref must be set; articles are filed by their Xref header.
	StoreOnXref bool
	Logger      *zerolog.Logger
}

// Method is the traditional spool storage method.
type Method struct {
	cfg    Config
	logger zerolog.Logger
	groups *groupMap

	host     storage.Host
	loadOnce sync.Once
	loadErr  error

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New creates a tradspool method.
func New(cfg Config) *Method {
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = cfg.ArticlesDir
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := &Method{
		cfg:    cfg,
		logger: logger.With().Str("component", "tradspool").Logger(),
		groups: newGroupMap(cfg.SpoolDir),
	}
	m.encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	m.decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return m
}

func (m *Method) Name() string     { return "tradspool" }
func (m *Method) Type() token.Type { return token.TypeTradspool }

// Init checks the configuration. With pre-open set the group map is loaded
// immediately, otherwise on first use.
func (m *Method) Init(_ context.Context, host storage.Host) (storage.Attributes, error) {
	if !m.cfg.StoreOnXref {
		return storage.Attributes{}, errors.New("tradspool requires store_on_xref")
	}
	if m.cfg.ArticlesDir == "" {
		return storage.Attributes{}, errors.New("tradspool: articles directory not configured")
	}
	m.host = host
	if host != nil && host.PreOpen() {
		if err := m.load(); err != nil {
			return storage.Attributes{}, err
		}
	}
	return storage.Attributes{SelfExpire: false, ExpensiveStat: true}, nil
}

// load reads the group map, seeding it from the articles tree when no map
// file exists yet.
func (m *Method) load() error {
	m.loadOnce.Do(func() {
		if err := m.groups.reload(true); err != nil {
			m.loadErr = err
			return
		}
		if _, err := os.Stat(m.groups.path); errors.Is(err, fs.ErrNotExist) {
			n, err := m.groups.discover(m.cfg.ArticlesDir)
			if err != nil {
				m.loadErr = err
				return
			}
			if n > 0 {
				m.logger.Info().Int("groups", n).Msg("rebuilt group map from spool")
			}
		}
	})
	return m.loadErr
}

func groupDir(group string) string {
	return strings.ReplaceAll(group, ".", "/")
}

func (m *Method) articlePath(group string, artnum uint64) string {
	return filepath.Join(m.cfg.ArticlesDir, groupDir(group), strconv.FormatUint(artnum, 10))
}

func makeToken(ngnum uint32, artnum uint64, class token.Class) token.Token {
	tok := token.Token{Type: token.TypeTradspool, Class: class}
	binary.BigEndian.PutUint32(tok.Body[0:4], ngnum)
	binary.BigEndian.PutUint32(tok.Body[4:8], uint32(artnum))
	return tok
}

func crackToken(tok token.Token) (ngnum uint32, artnum uint64) {
	return binary.BigEndian.Uint32(tok.Body[0:4]), uint64(binary.BigEndian.Uint32(tok.Body[4:8]))
}

func (m *Method) tokenPath(tok token.Token) (string, error) {
	ngnum, artnum := crackToken(tok)
	group, ok := m.groups.name(ngnum)
	if !ok {
		return "", fmt.Errorf("%w: unknown newsgroup number %d", storage.ErrNotFound, ngnum)
	}
	return m.articlePath(group, artnum), nil
}

// Store writes the article under the first Xref group and links it into
// the others.
func (m *Method) Store(_ context.Context, art *storage.Article, class token.Class) (token.Token, error) {
	if err := m.load(); err != nil {
		return token.Empty(), err
	}
	xrefs := storage.ParseXref(art.Groups)
	if len(xrefs) == 0 {
		return token.Empty(), fmt.Errorf("%w: bogus Xref header field body", storage.ErrBadHandle)
	}

	primary := xrefs[0]
	if primary.ArtNum > math.MaxUint32 {
		return token.Empty(), fmt.Errorf("%w: article number %d of %s does not fit a token", storage.ErrBadHandle, primary.ArtNum, primary.Group)
	}
	ngnum, err := m.groups.number(primary.Group)
	if err != nil {
		return token.Empty(), err
	}
	tok := makeToken(ngnum, primary.ArtNum, class)

	content := art.Data
	if !m.cfg.WireFormat {
		content = wire.FromWire(content)
	}
	if m.cfg.Compress {
		content = m.compress(content)
	}

	path := m.articlePath(primary.Group, primary.ArtNum)
	if err := writeExclusive(path, content); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("could not store article")
		return token.Empty(), storage.Undefined(err)
	}

	linked := make([]string, 0, len(xrefs)-1)
	for _, x := range xrefs[1:] {
		linkPath := m.articlePath(x.Group, x.ArtNum)
		if err := linkArticle(path, linkPath); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Str("link", linkPath).Msg("could not link crosspost")
			for _, p := range append(linked, path) {
				if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
					m.logger.Warn().Err(rmErr).Str("path", p).Msg("could not remove partially stored article")
				}
			}
			return token.Empty(), err
		}
		linked = append(linked, linkPath)
	}
	return tok, nil
}

func writeExclusive(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, artFileMode)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, artFileMode)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write article: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close article: %w", err)
	}
	return nil
}

// linkArticle hard links path to linkPath, falling back to a symlink when
// the link cannot be made (for instance across filesystems).
func linkArticle(path, linkPath string) error {
	if err := os.Link(path, linkPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err == nil {
		if err := os.Link(path, linkPath); err == nil {
			return nil
		}
	}
	if err := os.Symlink(path, linkPath); err != nil {
		return fmt.Errorf("symlink %s to %s: %w", path, linkPath, err)
	}
	return nil
}

func (m *Method) compress(data []byte) []byte {
	enc := m.encoderPool.Get().(*zstd.Encoder)
	defer m.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (m *Method) decompress(data []byte) ([]byte, error) {
	dec := m.decoderPool.Get().(*zstd.Decoder)
	defer m.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// readArticle loads the file at path as a wire-format article.
func (m *Method) readArticle(path string) ([]byte, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, storage.Undefined(err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat article %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read article %s: %w", path, err)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		if data, err = m.decompress(data); err != nil {
			return nil, nil, fmt.Errorf("decompress article %s: %w", path, err)
		}
	}

	nl := bytes.IndexByte(data, '\n')
	if nl <= 0 {
		m.logger.Warn().Str("path", path).Msg("apparently corrupt article")
		return nil, nil, fmt.Errorf("%w: apparently corrupt article %s", storage.ErrInternal, path)
	}
	if data[nl-1] != '\r' {
		data = wire.ToWire(data)
	}
	return data, fi, nil
}

// slice narrows a full wire-format article to amount.
func slice(data []byte, amount storage.RetrieveType) ([]byte, error) {
	switch amount {
	case storage.RetrieveAll:
		return data, nil
	case storage.RetrieveStat:
		return nil, nil
	}
	head, body, ok := wire.SplitHeaders(data)
	if !ok {
		return nil, storage.ErrNoBody
	}
	switch amount {
	case storage.RetrieveHead:
		return head, nil
	case storage.RetrieveBody:
		return body, nil
	}
	return nil, fmt.Errorf("%w: invalid retrieve request %d", storage.ErrInternal, amount)
}

func (m *Method) openArticle(path string, amount storage.RetrieveType) (*storage.Article, error) {
	if amount == storage.RetrieveStat {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, storage.Undefined(err)
		}
		return &storage.Article{Type: token.TypeTradspool, Arrived: fi.ModTime()}, nil
	}
	data, fi, err := m.readArticle(path)
	if err != nil {
		return nil, err
	}
	part, err := slice(data, amount)
	if err != nil {
		return nil, err
	}
	return &storage.Article{Type: token.TypeTradspool, Data: part, Arrived: fi.ModTime()}, nil
}

func (m *Method) Retrieve(_ context.Context, tok token.Token, amount storage.RetrieveType) (*storage.Article, error) {
	if tok.Type != token.TypeTradspool {
		return nil, storage.ErrInternal
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	path, err := m.tokenPath(tok)
	if err != nil {
		return nil, err
	}
	art, err := m.openArticle(path, amount)
	if err != nil {
		return nil, err
	}
	art.Token = tok
	return art, nil
}

func (m *Method) FreeArticle(art *storage.Article) {
	if art == nil {
		return
	}
	art.Data = nil
	art.Private = nil
}

// Cancel removes the article and every crosspost link named by its Xref
// header.
func (m *Method) Cancel(_ context.Context, tok token.Token) error {
	if err := m.load(); err != nil {
		return err
	}
	path, err := m.tokenPath(tok)
	if err != nil {
		return err
	}
	art, err := m.openArticle(path, storage.RetrieveHead)
	if err != nil {
		return err
	}

	xref, ok := storage.Xref(art.Data)
	if !ok {
		return storage.Undefined(os.Remove(path))
	}
	xrefs := storage.ParseXref(xref)
	if len(xrefs) == 0 {
		return fmt.Errorf("%w: bogus Xref header field body", storage.ErrBadHandle)
	}

	var errs []error
	for _, x := range xrefs[1:] {
		if err := os.Remove(m.articlePath(x.Group, x.ArtNum)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(path); err != nil && (!errors.Is(err, fs.ErrNotExist) || len(xrefs) == 1) {
		errs = append(errs, storage.Undefined(err))
	}
	return errors.Join(errs...)
}

func (m *Method) Ctl(_ context.Context, probe storage.ProbeType, tok token.Token, value *storage.ArtNgNum) error {
	if probe != storage.ProbeArtNgNum {
		return storage.ErrUnsupported
	}
	if value == nil {
		return storage.ErrBadHandle
	}
	if err := m.load(); err != nil {
		return err
	}
	ngnum, artnum := crackToken(tok)
	group, ok := m.groups.name(ngnum)
	if !ok {
		return fmt.Errorf("%w: unknown newsgroup number %d", storage.ErrNotFound, ngnum)
	}
	value.Group = group
	value.ArtNum = artnum
	return nil
}

func (m *Method) FlushCachedData(storage.FlushType) error {
	return m.groups.save()
}

func (m *Method) Explain(tok token.Token) string {
	ngnum, artnum := crackToken(tok)
	s := fmt.Sprintf("method=tradspool class=%d ngnum=%d artnum=%d", tok.Class, ngnum, artnum)
	if path, err := m.tokenPath(tok); err == nil {
		s += " file=" + path
	}
	return s
}

func (m *Method) Shutdown() error {
	return m.groups.save()
}
