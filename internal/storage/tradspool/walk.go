package tradspool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/token"
)

// walkState is the cursor of a Next traversal, kept in Article.Private.
type walkState struct {
	groups []string
	group  int
	arts   []uint64
	art    int
}

func parseArtNum(name string) (uint64, bool) {
	if name == "" {
		return 0, false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(name, 10, 64)
	return n, err == nil && n > 0
}

// listArticles returns the article numbers in a group directory, ascending.
func (m *Method) listArticles(group string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(m.cfg.ArticlesDir, groupDir(group)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", group, err)
	}
	var nums []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseArtNum(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// Next walks every stored article in group number order, then article
// number order. Crosspost links are visited only through the group the
// article was filed under.
func (m *Method) Next(ctx context.Context, cursor *storage.Article, amount storage.RetrieveType) (*storage.Article, error) {
	if err := m.load(); err != nil {
		return nil, err
	}

	var st *walkState
	if cursor != nil {
		st, _ = cursor.Private.(*walkState)
	}
	if st == nil {
		st = &walkState{groups: m.groups.sorted(), group: -1}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st.art >= len(st.arts) {
			st.group++
			if st.group >= len(st.groups) {
				return nil, io.EOF
			}
			arts, err := m.listArticles(st.groups[st.group])
			if err != nil {
				return nil, err
			}
			st.arts, st.art = arts, 0
			continue
		}

		group, artnum := st.groups[st.group], st.arts[st.art]
		st.art++

		art, ok := m.walkArticle(ctx, group, artnum, amount)
		if !ok {
			continue
		}
		art.Private = st
		return art, nil
	}
}

// walkArticle loads one article for Next. It reports false for files that
// should be skipped.
func (m *Method) walkArticle(ctx context.Context, group string, artnum uint64, amount storage.RetrieveType) (*storage.Article, bool) {
	path := m.articlePath(group, artnum)
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSymlink != 0 {
		return nil, false
	}
	data, fi, err := m.readArticle(path)
	if err != nil {
		m.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable article")
		return nil, false
	}

	groups := storage.GroupList(data, true)
	if xref, ok := storage.Xref(data); ok {
		if xrefs := storage.ParseXref(xref); len(xrefs) > 0 {
			if xrefs[0].Group != group || xrefs[0].ArtNum != artnum {
				return nil, false
			}
		}
	}

	ngnum, err := m.groups.number(group)
	if err != nil {
		m.logger.Warn().Err(err).Str("group", group).Msg("could not number group")
		return nil, false
	}

	art := &storage.Article{
		Type:    token.TypeTradspool,
		Data:    data,
		Groups:  groups,
		Expires: storage.ExpiresOffset(data, fi.ModTime()),
		Arrived: fi.ModTime(),
	}

	var class token.Class
	if m.host != nil {
		sub, err := m.host.Subscription(ctx, art)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("article matches no storage class")
		} else {
			class = sub.Class
		}
	}
	art.Token = makeToken(ngnum, artnum, class)

	part, err := slice(data, amount)
	if err != nil {
		if !errors.Is(err, storage.ErrNoBody) {
			return nil, false
		}
		part = nil
	}
	art.Data = part
	return art, true
}
