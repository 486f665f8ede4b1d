package node

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pixperk/davlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trees(t *testing.T) map[string]Tree {
	disk, err := NewDiskTree(t.TempDir())
	require.NoError(t, err)
	return map[string]Tree{
		"memory": NewMemoryTree(MemoryOptions{}),
		"disk":   disk,
	}
}

func readAll(t *testing.T, f File) string {
	t.Helper()
	rc, err := f.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestTreeContract(t *testing.T) {
	for name, tree := range trees(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := tree.Stat(ctx, "/docs")
			assert.True(t, types.IsKind(err, types.KindNotFound))
			assert.ErrorIs(t, err, types.ErrNotFound)

			coll, err := tree.Mkcol(ctx, "/docs")
			require.NoError(t, err)
			assert.Equal(t, "/docs", coll.Path())
			assert.True(t, coll.IsCollection())

			_, err = tree.Mkcol(ctx, "/docs")
			assert.True(t, types.IsKind(err, types.KindMethodNotSupported))

			_, err = tree.Create(ctx, "/missing/a.txt")
			assert.True(t, types.IsKind(err, types.KindNotFound))

			f, err := tree.Create(ctx, "/docs/a.txt")
			require.NoError(t, err)
			empty, err := f.ETag(ctx)
			require.NoError(t, err)

			etag, err := f.Put(ctx, strings.NewReader("hello world"))
			require.NoError(t, err)
			assert.NotEqual(t, empty, etag)
			assert.Equal(t, "hello world", readAll(t, f))

			size, err := f.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(11), size)

			n, err := tree.Stat(ctx, "/docs/a.txt")
			require.NoError(t, err)
			pu, ok := SupportsPartialUpdate(n)
			require.True(t, ok)
			_, err = pu.PutRange(ctx, strings.NewReader("WORLD!"), 6)
			require.NoError(t, err)
			assert.Equal(t, "hello WORLD!", readAll(t, pu))

			_, err = pu.PutRange(ctx, strings.NewReader("x"), -1)
			assert.True(t, types.IsKind(err, types.KindRangeNotSatisfiable))

			n, err = tree.Stat(ctx, "/docs")
			require.NoError(t, err)
			sc, ok := SupportsSync(n)
			require.True(t, ok)
			members, err := sc.Members(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt"}, members)

			require.NoError(t, tree.Remove(ctx, "/docs"))
			_, err = tree.Stat(ctx, "/docs/a.txt")
			assert.True(t, types.IsKind(err, types.KindNotFound))
			assert.True(t, types.IsKind(tree.Remove(ctx, "/docs"), types.KindNotFound))
			assert.True(t, types.IsKind(tree.Remove(ctx, "/"), types.KindBadRequest))
		})
	}
}

func TestMemoryTreeCapabilities(t *testing.T) {
	ctx := context.Background()
	tree := NewMemoryTree(MemoryOptions{DisablePartialUpdate: true, DisableSync: true})

	f, err := tree.Create(ctx, "/a")
	require.NoError(t, err)
	_, ok := SupportsPartialUpdate(f)
	assert.False(t, ok)

	root, err := tree.Stat(ctx, "/")
	require.NoError(t, err)
	_, ok = SupportsSync(root)
	assert.False(t, ok)
}

func TestDiskTreeStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	tree, err := NewDiskTree(t.TempDir())
	require.NoError(t, err)

	f, err := tree.Create(ctx, "/../../escape.txt")
	require.NoError(t, err)
	assert.Equal(t, "/escape.txt", f.Path())
}

func TestCleanAndSplit(t *testing.T) {
	assert.Equal(t, "/a/b", Clean("a/b/"))
	assert.Equal(t, "/", Clean(""))

	coll, member := Split("/docs/a.txt")
	assert.Equal(t, "/docs", coll)
	assert.Equal(t, "a.txt", member)

	coll, member = Split("/top")
	assert.Equal(t, "/", coll)
	assert.Equal(t, "top", member)

	coll, member = Split("/")
	assert.Empty(t, coll)
	assert.Empty(t, member)
}
