package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/types"
)

type loggingBackend struct {
	next   Backend
	logger hclog.Logger
}

// wraps b so every write is traced and every store failure is logged
// CAS mismatches are expected under contention and only traced
func WithLogging(b Backend, logger hclog.Logger) Backend {
	if logger == nil {
		return b
	}
	return &loggingBackend{next: b, logger: logger.Named("store")}
}

func (l *loggingBackend) done(op string, start time.Time, err error, kv ...any) {
	kv = append(kv, "op", op, "took", time.Since(start))
	switch {
	case err == nil:
		l.logger.Trace("store write", kv...)
	case errors.Is(err, types.ErrCASMismatch), errors.Is(err, types.ErrNotFound):
		l.logger.Trace("store write rejected", append(kv, "error", err)...)
	default:
		l.logger.Error("store write failed", append(kv, "error", err)...)
	}
}

func (l *loggingBackend) LoadLocks(ctx context.Context, resourceID string) (types.LockSet, error) {
	set, err := l.next.LoadLocks(ctx, resourceID)
	if err != nil {
		l.logger.Error("load locks failed", "resource", resourceID, "error", err)
	}
	return set, err
}

func (l *loggingBackend) LocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error) {
	locks, err := l.next.LocksBelow(ctx, resourceID)
	if err != nil {
		l.logger.Error("load descendant locks failed", "resource", resourceID, "error", err)
	}
	return locks, err
}

func (l *loggingBackend) SwapLocks(ctx context.Context, resourceID string, expected uint64, locks []types.Lock) (uint64, error) {
	start := time.Now()
	v, err := l.next.SwapLocks(ctx, resourceID, expected, locks)
	l.done("swap_locks", start, err, "resource", resourceID, "expected", expected, "version", v, "locks", len(locks))
	return v, err
}

func (l *loggingBackend) LoadSyncState(ctx context.Context, collectionID string) (*types.SyncState, error) {
	st, err := l.next.LoadSyncState(ctx, collectionID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		l.logger.Error("load sync state failed", "collection", collectionID, "error", err)
	}
	return st, err
}

func (l *loggingBackend) EnsureCollection(ctx context.Context, collectionID string, members []string) (uint64, error) {
	start := time.Now()
	t, err := l.next.EnsureCollection(ctx, collectionID, members)
	l.done("ensure_collection", start, err, "collection", collectionID, "members", len(members), "token", t)
	return t, err
}

func (l *loggingBackend) AppendChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind) (uint64, error) {
	start := time.Now()
	t, err := l.next.AppendChange(ctx, collectionID, memberID, kind)
	l.done("append_change", start, err, "collection", collectionID, "member", memberID, "kind", kind.String(), "token", t)
	return t, err
}

func (l *loggingBackend) BeginChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind, at time.Time) error {
	start := time.Now()
	err := l.next.BeginChange(ctx, collectionID, memberID, kind, at)
	l.done("begin_change", start, err, "collection", collectionID, "member", memberID, "kind", kind.String())
	return err
}

func (l *loggingBackend) CommitChange(ctx context.Context, collectionID, memberID string) (uint64, error) {
	start := time.Now()
	t, err := l.next.CommitChange(ctx, collectionID, memberID)
	l.done("commit_change", start, err, "collection", collectionID, "member", memberID, "token", t)
	return t, err
}

func (l *loggingBackend) RecoverPending(ctx context.Context, before time.Time) (int, error) {
	start := time.Now()
	n, err := l.next.RecoverPending(ctx, before)
	l.done("recover_pending", start, err, "before", before, "recovered", n)
	return n, err
}

func (l *loggingBackend) DeleteCollection(ctx context.Context, collectionID string) error {
	start := time.Now()
	err := l.next.DeleteCollection(ctx, collectionID)
	l.done("delete_collection", start, err, "collection", collectionID)
	return err
}
