package tradspool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MapFile holds the newsgroup name to number assignments.
const MapFile = "tradspool.map"

const mapVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tradspool: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("tradspool: CBOR decoder initialization failed: " + err.Error())
	}
}

type mapFile struct {
	Version int               `cbor:"1,keyasint"`
	Max     uint32            `cbor:"2,keyasint"`
	Groups  map[string]uint32 `cbor:"3,keyasint"`
}

// groupMap assigns stable numbers to newsgroup names. Numbers are never
// reused.
type groupMap struct {
	path string

	mu     sync.Mutex
	byName map[string]uint32
	byNum  map[uint32]string
	max    uint32
	mtime  time.Time
	dirty  bool
}

func newGroupMap(dir string) *groupMap {
	return &groupMap{
		path:   filepath.Join(dir, MapFile),
		byName: make(map[string]uint32),
		byNum:  make(map[uint32]string),
	}
}

// reload merges the map file into memory when it changed since the last
// read, or unconditionally with force.
func (g *groupMap) reload(force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reloadLocked(force)
}

func (g *groupMap) reloadLocked(force bool) error {
	fi, err := os.Stat(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat group map: %w", err)
	}
	if !force && fi.ModTime().Equal(g.mtime) {
		return nil
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("read group map: %w", err)
	}
	var mf mapFile
	if err := decMode.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("decode group map %s: %w", g.path, err)
	}
	if mf.Version != mapVersion {
		return fmt.Errorf("group map %s: unsupported version %d", g.path, mf.Version)
	}
	for name, num := range mf.Groups {
		if _, ok := g.byName[name]; ok {
			continue
		}
		g.byName[name] = num
		g.byNum[num] = name
	}
	if mf.Max > g.max {
		g.max = mf.Max
	}
	g.mtime = fi.ModTime()
	return nil
}

// number returns the number of group, assigning and persisting a new one
// if needed.
func (g *groupMap) number(group string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.byName[group]; ok {
		return n, nil
	}
	if err := g.reloadLocked(false); err != nil {
		return 0, err
	}
	if n, ok := g.byName[group]; ok {
		return n, nil
	}
	g.max++
	n := g.max
	g.byName[group] = n
	g.byNum[n] = group
	g.dirty = true
	return n, g.saveLocked()
}

// name returns the group numbered n, rereading the map file once if n is
// unknown.
func (g *groupMap) name(n uint32) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name, ok := g.byNum[n]; ok {
		return name, true
	}
	if err := g.reloadLocked(true); err != nil {
		return "", false
	}
	name, ok := g.byNum[n]
	return name, ok
}

// sorted returns the known groups in number order.
func (g *groupMap) sorted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	nums := make([]uint32, 0, len(g.byNum))
	for n := range g.byNum {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = g.byNum[n]
	}
	return out
}

// discover registers every directory under root that holds at least one
// article file.
func (g *groupMap) discover(root string) (int, error) {
	seen := make(map[string]bool)
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := parseArtNum(d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil || rel == "." {
			return nil
		}
		name := strings.ReplaceAll(filepath.ToSlash(rel), "/", ".")
		if !seen[name] {
			seen[name] = true
			found = append(found, name)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("scan articles: %w", err)
	}
	sort.Strings(found)

	g.mu.Lock()
	defer g.mu.Unlock()
	added := 0
	for _, name := range found {
		if _, ok := g.byName[name]; ok {
			continue
		}
		g.max++
		g.byName[name] = g.max
		g.byNum[g.max] = name
		added++
	}
	if added > 0 {
		g.dirty = true
		return added, g.saveLocked()
	}
	return 0, nil
}

func (g *groupMap) save() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}
	return g.saveLocked()
}

func (g *groupMap) saveLocked() error {
	data, err := encMode.Marshal(mapFile{Version: mapVersion, Max: g.max, Groups: g.byName})
	if err != nil {
		return fmt.Errorf("encode group map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(g.path), ".tradspool-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write group map: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, g.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename group map: %w", err)
	}

	if fi, err := os.Stat(g.path); err == nil {
		g.mtime = fi.ModTime()
	}
	g.dirty = false
	return nil
}
