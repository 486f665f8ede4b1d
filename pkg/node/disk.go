package node

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

	"github.com/pixperk/davlock/pkg/types"
)

// resource tree backed by a directory
// every file supports range writes and every directory supports sync
type DiskTree struct {
	root string
}

func NewDiskTree(root string) (*DiskTree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &DiskTree{root: abs}, nil
}

// Clean keeps ".." from escaping the root
func (t *DiskTree) abs(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(Clean(p)))
}

func (t *DiskTree) Stat(ctx context.Context, p string) (Node, error) {
	p = Clean(p)
	fi, err := os.Stat(t.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return &diskCollection{tree: t, path: p}, nil
	}
	return &diskFile{tree: t, path: p}, nil
}

func (t *DiskTree) Create(ctx context.Context, p string) (File, error) {
	p = Clean(p)
	if err := t.checkParent(p); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(t.abs(p), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &diskFile{tree: t, path: p}, nil
}

func (t *DiskTree) Mkcol(ctx context.Context, p string) (Collection, error) {
	p = Clean(p)
	if err := t.checkParent(p); err != nil {
		return nil, err
	}
	if err := os.Mkdir(t.abs(p), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, types.Errorf(types.KindMethodNotSupported, "%s already exists", p)
		}
		return nil, err
	}
	return &diskCollection{tree: t, path: p}, nil
}

func (t *DiskTree) Remove(ctx context.Context, p string) error {
	p = Clean(p)
	if p == "/" {
		return types.Errorf(types.KindBadRequest, "cannot remove the root")
	}
	abs := t.abs(p)
	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		return notFound(p)
	}
	return os.RemoveAll(abs)
}

func (t *DiskTree) checkParent(p string) error {
	if p == "/" {
		return types.Errorf(types.KindBadRequest, "root already exists")
	}
	fi, err := os.Stat(filepath.Dir(t.abs(p)))
	if errors.Is(err, fs.ErrNotExist) {
		return types.Wrap(types.KindNotFound, types.ErrNotFound, "parent of "+p)
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return types.Errorf(types.KindBadRequest, "parent of %s is not a collection", p)
	}
	return nil
}

type diskFile struct {
	tree *DiskTree
	path string
}

func (f *diskFile) Path() string       { return f.path }
func (f *diskFile) IsCollection() bool { return false }

// size and modification time, like most file servers
func (f *diskFile) ETag(ctx context.Context) (string, error) {
	fi, err := os.Stat(f.tree.abs(f.path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", notFound(f.path)
	}
	if err != nil {
		return "", err
	}
	return statETag(fi), nil
}

func (f *diskFile) Size(ctx context.Context) (int64, error) {
	fi, err := os.Stat(f.tree.abs(f.path))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, notFound(f.path)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *diskFile) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := os.Open(f.tree.abs(f.path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(f.path)
	}
	return r, err
}

func (f *diskFile) Put(ctx context.Context, r io.Reader) (string, error) {
	return f.write(r, 0, true)
}

func (f *diskFile) PutRange(ctx context.Context, r io.Reader, offset int64) (string, error) {
	if offset < 0 {
		return "", types.Errorf(types.KindRangeNotSatisfiable, "negative offset %d", offset)
	}
	return f.write(r, offset, false)
}

func (f *diskFile) write(r io.Reader, offset int64, truncate bool) (string, error) {
	flags := os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(f.tree.abs(f.path), flags, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return "", notFound(f.path)
	}
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	fi, err := out.Stat()
	if err != nil {
		return "", err
	}
	return statETag(fi), nil
}

type diskCollection struct {
	tree *DiskTree
	path string
}

func (c *diskCollection) Path() string                             { return c.path }
func (c *diskCollection) IsCollection() bool                       { return true }
func (c *diskCollection) ETag(ctx context.Context) (string, error) { return "", nil }
func (c *diskCollection) SyncEnabled() bool                        { return true }

func (c *diskCollection) Members(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.tree.abs(c.path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(c.path)
	}
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.Name())
	}
	sort.Strings(members)
	return members, nil
}

func statETag(fi fs.FileInfo) string {
	return fmt.Sprintf("%s-%s", strconv.FormatInt(fi.Size(), 16), strconv.FormatInt(fi.ModTime().UnixNano(), 16))
}
