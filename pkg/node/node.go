// Package node is the storage-level view of resources: files carrying byte
// content and an ETag, and collections listing their members.
package node

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/pixperk/davlock/pkg/types"
)

type Node interface {
	// slash separated, cleaned, always rooted at "/"
	Path() string
	IsCollection() bool
	ETag(ctx context.Context) (string, error)
}

type File interface {
	Node
	Size(ctx context.Context) (int64, error)
	Open(ctx context.Context) (io.ReadCloser, error)
	// replaces the whole content, returns the new etag
	Put(ctx context.Context, r io.Reader) (string, error)
}

// capability: byte range rewrites
// offset is 0-based, writing past the end extends the content
type PartialUpdater interface {
	File
	PutRange(ctx context.Context, r io.Reader, offset int64) (string, error)
}

type Collection interface {
	Node
	// member names, not paths
	Members(ctx context.Context) ([]string, error)
}

// capability: incremental sync-collection reports
type Syncable interface {
	Collection
	SyncEnabled() bool
}

// the resource namespace
// Stat returns types.ErrNotFound for missing paths
type Tree interface {
	Stat(ctx context.Context, p string) (Node, error)
	// creates an empty file, the parent must be an existing collection
	Create(ctx context.Context, p string) (File, error)
	Mkcol(ctx context.Context, p string) (Collection, error)
	Remove(ctx context.Context, p string) error
}

// normalizes a request path into a resource id
func Clean(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

// splits a resource id into collection id and member name
func Split(p string) (collection, member string) {
	p = Clean(p)
	if p == "/" {
		return "", ""
	}
	return path.Dir(p), path.Base(p)
}

func SupportsPartialUpdate(n Node) (PartialUpdater, bool) {
	pu, ok := n.(PartialUpdater)
	return pu, ok
}

func SupportsSync(n Node) (Syncable, bool) {
	s, ok := n.(Syncable)
	if !ok || !s.SyncEnabled() {
		return nil, false
	}
	return s, true
}

func notFound(p string) error {
	return types.Wrap(types.KindNotFound, types.ErrNotFound, p)
}
