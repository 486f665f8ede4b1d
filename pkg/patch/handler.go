// Package patch rewrites a byte range of a resource in place.
//
// The request is fully validated before anything touches the resource, so a
// rejected patch never leaves a partial write behind.
package patch

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/metrics"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/synccoll"
	"github.com/pixperk/davlock/pkg/types"
)

const (
	ContentType = "application/x-sabredav-partialupdate"

	// default cap on a single patch payload
	DefaultMaxPayload int64 = 64 << 20
	// default cap on the size a patch may grow a resource to
	DefaultMaxSize int64 = 1 << 30
)

type Request struct {
	ResourceID  string
	Range       string
	ContentType string
	// declared payload length, -1 when unknown
	Length  int64
	Payload io.Reader

	IfMatch     string
	IfNoneMatch string
	// lock tokens the client proved it holds
	LockTokens []string
}

type Result struct {
	ETag      string
	Created   bool
	Offset    int64
	Written   int64
	SyncToken string
}

// implemented by *lock.Manager
type LockChecker interface {
	CheckWrite(ctx context.Context, resourceID string, tokens []string) error
}

type ChangeRecorder interface {
	Begin(ctx context.Context, memberPath string, kind types.ChangeKind) (synccoll.Ticket, error)
	Commit(ctx context.Context, t synccoll.Ticket) (string, error)
}

type Config struct {
	MaxPayload int64
	// largest resource a patch may produce, offsets past it are refused before any write
	MaxSize    int64
	Logger     hclog.Logger
}

type Handler struct {
	tree    node.Tree
	locks   LockChecker
	changes ChangeRecorder
	max     int64
	maxSize int64
	logger  hclog.Logger
}

func NewHandler(tree node.Tree, locks LockChecker, changes ChangeRecorder, cfg Config) *Handler {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Handler{
		tree:    tree,
		locks:   locks,
		changes: changes,
		max:     cfg.MaxPayload,
		maxSize: cfg.MaxSize,
		logger:  cfg.Logger.Named("patch"),
	}
}

func (h *Handler) Patch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := h.patch(ctx, req)
	if err != nil {
		metrics.PatchTotal.WithLabelValues(types.KindOf(err).String()).Inc()
		h.logger.Debug("patch rejected", "resource", req.ResourceID, "range", req.Range, "error", err)
		return Result{}, err
	}
	metrics.PatchTotal.WithLabelValues("ok").Inc()
	metrics.PatchBytes.Observe(float64(res.Written))
	h.logger.Debug("patch applied", "resource", req.ResourceID, "offset", res.Offset, "bytes", res.Written, "took", time.Since(start))
	return res, nil
}

func (h *Handler) patch(ctx context.Context, req Request) (Result, error) {
	id := node.Clean(req.ResourceID)

	target, exists, err := h.target(ctx, id)
	if err != nil {
		return Result{}, err
	}

	rng, err := ParseRange(req.Range)
	if err != nil {
		return Result{}, err
	}

	payload, err := h.readPayload(req)
	if err != nil {
		return Result{}, err
	}

	offset, err := h.resolve(ctx, target, exists, rng, int64(len(payload)))
	if err != nil {
		return Result{}, err
	}

	if !strings.EqualFold(mediaType(req.ContentType), ContentType) {
		return Result{}, types.Errorf(types.KindUnsupportedMediaType, "content type must be %s, got %q", ContentType, req.ContentType)
	}

	if err := h.checkETag(ctx, target, exists, req); err != nil {
		return Result{}, err
	}

	if err := h.checkLocks(ctx, id, req.LockTokens); err != nil {
		return Result{}, err
	}

	if !exists {
		if offset != 0 {
			return Result{}, types.Errorf(types.KindRangeNotSatisfiable, "%s does not exist, a patch creating it must start at 0", id)
		}
		f, err := h.tree.Create(ctx, id)
		if err != nil {
			return Result{}, err
		}
		pu, ok := node.SupportsPartialUpdate(f)
		if !ok {
			_ = h.tree.Remove(ctx, id)
			return Result{}, types.Errorf(types.KindMethodNotSupported, "%s does not support partial updates", id)
		}
		target = pu
	}

	kind := types.ChangeModified
	if !exists {
		kind = types.ChangeAdded
	}
	ticket, err := h.changes.Begin(ctx, id, kind)
	if err != nil {
		return Result{}, err
	}
	etag, err := target.PutRange(ctx, bytes.NewReader(payload), offset)
	if err != nil {
		//the pending marker stays behind and Recover records the change
		return Result{}, err
	}
	token, err := h.changes.Commit(ctx, ticket)
	if err != nil {
		metrics.SyncCommitFailedTotal.WithLabelValues("PATCH").Inc()
		h.logger.Error("content written without change record", "resource", id, "error", err)
	}

	return Result{
		ETag:      etag,
		Created:   !exists,
		Offset:    offset,
		Written:   int64(len(payload)),
		SyncToken: token,
	}, nil
}

// a missing node is only acceptable when its parent can hold a patchable file
func (h *Handler) target(ctx context.Context, id string) (node.PartialUpdater, bool, error) {
	n, err := h.tree.Stat(ctx, id)
	if types.IsKind(err, types.KindNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	pu, ok := node.SupportsPartialUpdate(n)
	if !ok {
		return nil, true, types.Errorf(types.KindMethodNotSupported, "%s does not support partial updates", id)
	}
	return pu, true, nil
}

func (h *Handler) readPayload(req Request) ([]byte, error) {
	if req.Length > h.max {
		return nil, types.Errorf(types.KindRequestTooLarge, "payload of %d bytes exceeds the limit of %d", req.Length, h.max)
	}
	if req.Payload == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Payload, h.max+1))
	if err != nil {
		return nil, types.Wrap(types.KindBadRequest, err, "reading payload")
	}
	if int64(len(data)) > h.max {
		return nil, types.Errorf(types.KindRequestTooLarge, "payload exceeds the limit of %d bytes", h.max)
	}
	if req.Length >= 0 && req.Length != int64(len(data)) {
		return nil, types.Errorf(types.KindBadRequest, "declared %d payload bytes, received %d", req.Length, len(data))
	}
	return data, nil
}

// turns the parsed range into a write offset and checks it against the payload
func (h *Handler) resolve(ctx context.Context, target node.PartialUpdater, exists bool, rng Range, length int64) (int64, error) {
	start := rng.Start
	if rng.Append {
		start = 0
		if exists {
			size, err := target.Size(ctx)
			if err != nil {
				return 0, err
			}
			start = size
		}
		return start, h.checkSize(start, length)
	}
	if start < 0 {
		start = 0
	}
	end := rng.End
	if end < 0 {
		end = start + length - 1
	}
	if end < start {
		return 0, types.RangeNotSatisfiable(end-start+1, length)
	}
	if declared := end - start + 1; declared != length {
		return 0, types.RangeNotSatisfiable(declared, length)
	}
	return start, h.checkSize(start, length)
}

// the write would extend the resource to start+length bytes
func (h *Handler) checkSize(start, length int64) error {
	if start > h.maxSize-length {
		return types.Errorf(types.KindRequestTooLarge, "patch at offset %d would grow the resource past the limit of %d bytes", start, h.maxSize)
	}
	return nil
}

func (h *Handler) checkETag(ctx context.Context, target node.PartialUpdater, exists bool, req Request) error {
	if req.IfMatch == "" && req.IfNoneMatch == "" {
		return nil
	}
	current := ""
	if exists {
		etag, err := target.ETag(ctx)
		if err != nil {
			return err
		}
		current = etag
	}

	if req.IfMatch != "" {
		if !exists || !matchesETag(req.IfMatch, current) {
			return types.Errorf(types.KindPreconditionFailed, "If-Match %s does not match", req.IfMatch)
		}
	}
	if req.IfNoneMatch != "" && exists && matchesETag(req.IfNoneMatch, current) {
		return types.Errorf(types.KindPreconditionFailed, "If-None-Match %s matches", req.IfNoneMatch)
	}
	return nil
}

func (h *Handler) checkLocks(ctx context.Context, id string, tokens []string) error {
	if h.locks == nil {
		return nil
	}
	return h.locks.CheckWrite(ctx, id, tokens)
}

func matchesETag(header, current string) bool {
	if current == "" {
		return strings.TrimSpace(header) == "*"
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return true
		}
		part = strings.TrimPrefix(part, "W/")
		if strings.Trim(part, `"`) == current {
			return true
		}
	}
	return false
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
