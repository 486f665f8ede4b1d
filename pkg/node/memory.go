package node

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/pixperk/davlock/pkg/types"
)

type MemoryOptions struct {
	// files do not implement PartialUpdater
	DisablePartialUpdate bool
	// collections report SyncEnabled false
	DisableSync bool
}

// in-memory resource tree
type MemoryTree struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	opts    MemoryOptions
}

type memEntry struct {
	dir     bool
	content []byte
}

func NewMemoryTree(opts MemoryOptions) *MemoryTree {
	return &MemoryTree{
		entries: map[string]*memEntry{"/": {dir: true}},
		opts:    opts,
	}
}

func (t *MemoryTree) Stat(ctx context.Context, p string) (Node, error) {
	p = Clean(p)
	t.mu.RLock()
	e, ok := t.entries[p]
	t.mu.RUnlock()
	if !ok {
		return nil, notFound(p)
	}
	return t.wrap(p, e), nil
}

func (t *MemoryTree) Create(ctx context.Context, p string) (File, error) {
	p = Clean(p)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParentLocked(p); err != nil {
		return nil, err
	}
	e, ok := t.entries[p]
	if ok && e.dir {
		return nil, types.Errorf(types.KindMethodNotSupported, "%s is a collection", p)
	}
	if !ok {
		e = &memEntry{}
		t.entries[p] = e
	}
	return t.wrap(p, e).(File), nil
}

func (t *MemoryTree) Mkcol(ctx context.Context, p string) (Collection, error) {
	p = Clean(p)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParentLocked(p); err != nil {
		return nil, err
	}
	if _, ok := t.entries[p]; ok {
		return nil, types.Errorf(types.KindMethodNotSupported, "%s already exists", p)
	}
	e := &memEntry{dir: true}
	t.entries[p] = e
	return t.wrap(p, e).(Collection), nil
}

// removes p and everything below it
func (t *MemoryTree) Remove(ctx context.Context, p string) error {
	p = Clean(p)
	if p == "/" {
		return types.Errorf(types.KindBadRequest, "cannot remove the root")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[p]; !ok {
		return notFound(p)
	}
	prefix := p + "/"
	for k := range t.entries {
		if k == p || len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(t.entries, k)
		}
	}
	return nil
}

func (t *MemoryTree) checkParentLocked(p string) error {
	if p == "/" {
		return types.Errorf(types.KindBadRequest, "root already exists")
	}
	parent, ok := t.entries[path.Dir(p)]
	if !ok {
		return types.Wrap(types.KindNotFound, types.ErrNotFound, "parent of "+p)
	}
	if !parent.dir {
		return types.Errorf(types.KindBadRequest, "parent of %s is not a collection", p)
	}
	return nil
}

func (t *MemoryTree) wrap(p string, e *memEntry) Node {
	if e.dir {
		c := &memCollection{tree: t, path: p}
		if t.opts.DisableSync {
			return c
		}
		return &memSyncCollection{c}
	}
	f := &memFile{tree: t, path: p}
	if t.opts.DisablePartialUpdate {
		return f
	}
	return &memPatchableFile{f}
}

type memFile struct {
	tree *MemoryTree
	path string
}

func (f *memFile) Path() string       { return f.path }
func (f *memFile) IsCollection() bool { return false }

func (f *memFile) entry() (*memEntry, error) {
	e, ok := f.tree.entries[f.path]
	if !ok {
		return nil, notFound(f.path)
	}
	return e, nil
}

func (f *memFile) ETag(ctx context.Context) (string, error) {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	e, err := f.entry()
	if err != nil {
		return "", err
	}
	return contentETag(e.content), nil
}

func (f *memFile) Size(ctx context.Context) (int64, error) {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	e, err := f.entry()
	if err != nil {
		return 0, err
	}
	return int64(len(e.content)), nil
}

func (f *memFile) Open(ctx context.Context) (io.ReadCloser, error) {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	e, err := f.entry()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), e.content...))), nil
}

func (f *memFile) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	e, err := f.entry()
	if err != nil {
		return "", err
	}
	e.content = data
	return contentETag(e.content), nil
}

type memPatchableFile struct {
	*memFile
}

func (f *memPatchableFile) PutRange(ctx context.Context, r io.Reader, offset int64) (string, error) {
	if offset < 0 {
		return "", types.Errorf(types.KindRangeNotSatisfiable, "negative offset %d", offset)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	e, err := f.entry()
	if err != nil {
		return "", err
	}
	end := offset + int64(len(data))
	if end > int64(len(e.content)) {
		grown := make([]byte, end)
		copy(grown, e.content)
		e.content = grown
	}
	copy(e.content[offset:end], data)
	return contentETag(e.content), nil
}

type memCollection struct {
	tree *MemoryTree
	path string
}

func (c *memCollection) Path() string       { return c.path }
func (c *memCollection) IsCollection() bool { return true }

// collections have no content etag, only existence
func (c *memCollection) ETag(ctx context.Context) (string, error) {
	return "", nil
}

func (c *memCollection) Members(ctx context.Context) ([]string, error) {
	c.tree.mu.RLock()
	defer c.tree.mu.RUnlock()

	if _, ok := c.tree.entries[c.path]; !ok {
		return nil, notFound(c.path)
	}
	var members []string
	for k := range c.tree.entries {
		if k != "/" && k != c.path && path.Dir(k) == c.path {
			members = append(members, path.Base(k))
		}
	}
	sort.Strings(members)
	return members, nil
}

type memSyncCollection struct {
	*memCollection
}

func (c *memSyncCollection) SyncEnabled() bool { return true }

func contentETag(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}
