package patch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/lock"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/store"
	"github.com/pixperk/davlock/pkg/synccoll"
	"github.com/pixperk/davlock/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h     *Handler
	tree  *node.MemoryTree
	locks *lock.Manager
	sync  *synccoll.Service
}

func newFixture(t *testing.T, opts node.MemoryOptions, max int64) *fixture {
	t.Helper()
	backend := store.NewMemory(fsm.Options{})
	tree := node.NewMemoryTree(opts)
	registry := lock.NewRegistry()
	require.NoError(t, registry.Register("memory", backend))
	registry.Freeze()

	locks := lock.NewManager(registry, lock.Config{})
	svc := synccoll.New(tree, backend, synccoll.Config{})
	return &fixture{
		h:     NewHandler(tree, locks, svc, Config{MaxPayload: max}),
		tree:  tree,
		locks: locks,
		sync:  svc,
	}
}

func (f *fixture) put(t *testing.T, p, content string) {
	t.Helper()
	file, err := f.tree.Create(context.Background(), p)
	require.NoError(t, err)
	_, err = file.Put(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
}

func (f *fixture) content(t *testing.T, p string) string {
	t.Helper()
	n, err := f.tree.Stat(context.Background(), p)
	require.NoError(t, err)
	rc, err := n.(node.File).Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func request(p, rng, payload string) Request {
	return Request{
		ResourceID:  p,
		Range:       rng,
		ContentType: ContentType,
		Length:      int64(len(payload)),
		Payload:     strings.NewReader(payload),
	}
}

// TestPatchRoundTrip tests an in place rewrite
func TestPatchRoundTrip(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello world")

	res, err := f.h.Patch(ctx, request("/a.txt", "bytes=6-10", "WORLD"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(6), res.Offset)
	assert.Equal(t, int64(5), res.Written)
	assert.NotEmpty(t, res.ETag)
	assert.Equal(t, "hello WORLD", f.content(t, "/a.txt"))
}

// TestPatchOffsetsAreZeroBased tests both ends of the content
func TestPatchOffsetsAreZeroBased(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "abcdef")

	_, err := f.h.Patch(ctx, request("/a.txt", "bytes=0-0", "A"))
	require.NoError(t, err)
	_, err = f.h.Patch(ctx, request("/a.txt", "bytes=5-5", "F"))
	require.NoError(t, err)
	assert.Equal(t, "AbcdeF", f.content(t, "/a.txt"))

	//writing past the end extends the content
	_, err = f.h.Patch(ctx, request("/a.txt", "bytes=6-", "gh"))
	require.NoError(t, err)
	assert.Equal(t, "AbcdeFgh", f.content(t, "/a.txt"))
}

// TestPatchMismatchedRange tests that nothing is written when the range lies
func TestPatchMismatchedRange(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello world")

	_, err := f.h.Patch(ctx, request("/a.txt", "bytes=0-9", "HELLO"))
	var derr *types.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, types.KindRangeNotSatisfiable, derr.Kind)
	assert.Equal(t, int64(10), derr.Declared)
	assert.Equal(t, int64(5), derr.Computed)
	assert.Equal(t, "hello world", f.content(t, "/a.txt"))

	_, err = f.h.Patch(ctx, request("/a.txt", "bytes=5-2", "x"))
	assert.True(t, types.IsKind(err, types.KindRangeNotSatisfiable))
}

func TestPatchAppend(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/log.txt", "one")

	res, err := f.h.Patch(ctx, request("/log.txt", "append", ",two"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Offset)
	assert.Equal(t, "one,two", f.content(t, "/log.txt"))
}

func TestPatchMediaType(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello")

	req := request("/a.txt", "bytes=0-0", "H")
	req.ContentType = "application/octet-stream"
	_, err := f.h.Patch(ctx, req)
	assert.True(t, types.IsKind(err, types.KindUnsupportedMediaType))

	req = request("/a.txt", "bytes=0-0", "H")
	req.ContentType = ContentType + "; charset=binary"
	_, err = f.h.Patch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", f.content(t, "/a.txt"))
}

func TestPatchMethodNotSupported(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{DisablePartialUpdate: true}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello")

	_, err := f.h.Patch(ctx, request("/a.txt", "bytes=0-0", "H"))
	assert.True(t, types.IsKind(err, types.KindMethodNotSupported))

	//creating through a tree without partial updates leaves nothing behind
	_, err = f.h.Patch(ctx, request("/new.txt", "bytes=0-1", "hi"))
	assert.True(t, types.IsKind(err, types.KindMethodNotSupported))
	_, err = f.tree.Stat(ctx, "/new.txt")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	_, err = f.h.Patch(ctx, request("/", "bytes=0-1", "hi"))
	assert.True(t, types.IsKind(err, types.KindMethodNotSupported), "collections have no bytes")
}

func TestPatchLockConflict(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello")

	held, err := f.locks.Lock(ctx, types.LockContext{ResourceID: "/a.txt", OwnerType: types.LockTypeUser, OwnerID: "alice"})
	require.NoError(t, err)

	_, err = f.h.Patch(ctx, request("/a.txt", "bytes=0-0", "J"))
	var derr *types.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, types.KindOwnerLocked, derr.Kind)
	assert.Equal(t, "alice", derr.Lock.Owner)
	assert.Equal(t, "hello", f.content(t, "/a.txt"))

	req := request("/a.txt", "bytes=0-0", "J")
	req.LockTokens = []string{held.Token}
	_, err = f.h.Patch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Jello", f.content(t, "/a.txt"))
}

func TestPatchCreatesOnlyAtZero(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()

	_, err := f.h.Patch(ctx, request("/new.txt", "bytes=3-4", "hi"))
	assert.True(t, types.IsKind(err, types.KindRangeNotSatisfiable))
	_, err = f.tree.Stat(ctx, "/new.txt")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	res, err := f.h.Patch(ctx, request("/new.txt", "bytes=0-1", "hi"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "hi", f.content(t, "/new.txt"))

	_, err = f.h.Patch(ctx, request("/missing/new.txt", "bytes=0-1", "hi"))
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestPatchTooLarge(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 4)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello")

	_, err := f.h.Patch(ctx, request("/a.txt", "bytes=0-4", "HELLO"))
	assert.True(t, types.IsKind(err, types.KindRequestTooLarge))

	//an undeclared length is still capped
	req := request("/a.txt", "bytes=0-4", "HELLO")
	req.Length = -1
	_, err = f.h.Patch(ctx, req)
	assert.True(t, types.IsKind(err, types.KindRequestTooLarge))
	assert.Equal(t, "hello", f.content(t, "/a.txt"))
}

// TestPatchPastMaxSize tests that a far offset is refused before the resource grows
func TestPatchPastMaxSize(t *testing.T) {
	backend := store.NewMemory(fsm.Options{})
	tree := node.NewMemoryTree(node.MemoryOptions{})
	registry := lock.NewRegistry()
	registry.Freeze()
	svc := synccoll.New(tree, backend, synccoll.Config{})
	h := NewHandler(tree, lock.NewManager(registry, lock.Config{}), svc, Config{MaxSize: 8})
	ctx := context.Background()

	file, err := tree.Create(ctx, "/a.txt")
	require.NoError(t, err)
	_, err = file.Put(ctx, strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = h.Patch(ctx, request("/a.txt", "bytes=1099511627776-1099511627776", "x"))
	assert.True(t, types.IsKind(err, types.KindRequestTooLarge), "got %v", err)

	_, err = h.Patch(ctx, request("/a.txt", "bytes=9223372036854775806-9223372036854775806", "x"))
	assert.True(t, types.IsKind(err, types.KindRequestTooLarge), "got %v", err)

	_, err = h.Patch(ctx, request("/a.txt", "append", "abcd"))
	assert.True(t, types.IsKind(err, types.KindRequestTooLarge), "got %v", err)

	size, err := file.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	//exactly at the limit is fine
	res, err := h.Patch(ctx, request("/a.txt", "append", "abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Offset)
}

// commits always fail, as when the change log is unreachable
type failingCommits struct {
	ChangeRecorder
}

func (failingCommits) Commit(context.Context, synccoll.Ticket) (string, error) {
	return "", errors.New("change log unavailable")
}

func commitFailures(t *testing.T, method string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "davlock_sync_commit_failed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "method" && lp.GetValue() == method {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// TestPatchCommitFailureIsCounted tests that a lost change record stays visible
func TestPatchCommitFailureIsCounted(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	_, err := f.tree.Mkcol(ctx, "/docs")
	require.NoError(t, err)
	f.put(t, "/docs/a.txt", "hello")

	h := NewHandler(f.tree, f.locks, failingCommits{f.sync}, Config{})
	before := commitFailures(t, "PATCH")

	res, err := h.Patch(ctx, request("/docs/a.txt", "bytes=0-0", "J"))
	require.NoError(t, err, "the content is written, recovery records the change later")
	assert.Empty(t, res.SyncToken)
	assert.Equal(t, "Jello", f.content(t, "/docs/a.txt"))
	assert.Equal(t, before+1, commitFailures(t, "PATCH"))
}

func TestPatchLengthMismatch(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	f.put(t, "/a.txt", "hello")

	req := request("/a.txt", "bytes=0-1", "HE")
	req.Length = 3
	_, err := f.h.Patch(context.Background(), req)
	assert.True(t, types.IsKind(err, types.KindBadRequest))
}

func TestPatchETagPreconditions(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	f.put(t, "/a.txt", "hello")

	n, err := f.tree.Stat(ctx, "/a.txt")
	require.NoError(t, err)
	etag, err := n.ETag(ctx)
	require.NoError(t, err)

	req := request("/a.txt", "bytes=0-0", "H")
	req.IfMatch = `"stale"`
	_, err = f.h.Patch(ctx, req)
	assert.True(t, types.IsKind(err, types.KindPreconditionFailed))

	req = request("/a.txt", "bytes=0-0", "H")
	req.IfNoneMatch = "*"
	_, err = f.h.Patch(ctx, req)
	assert.True(t, types.IsKind(err, types.KindPreconditionFailed))

	req = request("/a.txt", "bytes=0-0", "H")
	req.IfMatch = `W/"` + etag + `"`
	_, err = f.h.Patch(ctx, req)
	require.NoError(t, err)
}

// TestPatchRecordsChange tests that a patch advances the collection token
func TestPatchRecordsChange(t *testing.T) {
	f := newFixture(t, node.MemoryOptions{}, 0)
	ctx := context.Background()
	_, err := f.tree.Mkcol(ctx, "/docs")
	require.NoError(t, err)
	f.put(t, "/docs/a.txt", "hello")

	t0, err := f.sync.GetToken(ctx, "/docs")
	require.NoError(t, err)

	res, err := f.h.Patch(ctx, request("/docs/a.txt", "bytes=0-0", "J"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.SyncToken)

	_, err = f.h.Patch(ctx, request("/docs/b.txt", "bytes=0-1", "hi"))
	require.NoError(t, err)

	changes, err := f.sync.QueryChanges(ctx, "/docs", t0, synccoll.LevelOne, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, changes.Modified)
	assert.Equal(t, []string{"b.txt"}, changes.Added)
}
