// Package store defines the durable collaborators of the lock manager and
// the sync service, and adapts any command applier into them.
package store

import (
	"context"
	"time"

	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/types"
)

// durable lock records keyed by resource id
// SwapLocks is the only write primitive: expected 0 inserts if absent, an
// empty lock list deletes if the version still matches
type LockStore interface {
	LoadLocks(ctx context.Context, resourceID string) (types.LockSet, error)
	SwapLocks(ctx context.Context, resourceID string, expected uint64, locks []types.Lock) (uint64, error)
	// every stored lock strictly below resourceID, expired ones included
	LocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error)
}

// append-only per collection log keyed by monotonic token
type ChangeLog interface {
	LoadSyncState(ctx context.Context, collectionID string) (*types.SyncState, error)
	EnsureCollection(ctx context.Context, collectionID string, members []string) (uint64, error)
	AppendChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind) (uint64, error)
	BeginChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind, at time.Time) error
	CommitChange(ctx context.Context, collectionID, memberID string) (uint64, error)
	RecoverPending(ctx context.Context, before time.Time) (int, error)
	DeleteCollection(ctx context.Context, collectionID string) error
}

type Backend interface {
	LockStore
	ChangeLog
}

// something that applies commands atomically and in order
// the in-process FSM, the raft node and the bolt store all qualify
type Applier interface {
	ApplyCommand(ctx context.Context, cmd types.Command) (any, error)
}

// read side of an applier
type Reader interface {
	ReadLocks(ctx context.Context, resourceID string) (types.LockSet, error)
	ReadLocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error)
	ReadSyncState(ctx context.Context, collectionID string) (*types.SyncState, bool, error)
}

type commandBackend struct {
	apply Applier
	read  Reader
}

// builds a Backend from a command applier and its reader
func NewBackend(apply Applier, read Reader) Backend {
	return &commandBackend{apply: apply, read: read}
}

func (b *commandBackend) LoadLocks(ctx context.Context, resourceID string) (types.LockSet, error) {
	return b.read.ReadLocks(ctx, resourceID)
}

func (b *commandBackend) LocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error) {
	return b.read.ReadLocksBelow(ctx, resourceID)
}

func (b *commandBackend) SwapLocks(ctx context.Context, resourceID string, expected uint64, locks []types.Lock) (uint64, error) {
	resp, err := b.apply.ApplyCommand(ctx, types.SwapLocksCmd{
		ResourceID: resourceID,
		Expected:   expected,
		Locks:      locks,
	})
	if err != nil {
		return 0, err
	}
	return resp.(fsm.SwapLocksResponse).Version, nil
}

func (b *commandBackend) LoadSyncState(ctx context.Context, collectionID string) (*types.SyncState, error) {
	st, ok, err := b.read.ReadSyncState(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ErrNotFound
	}
	return st, nil
}

func (b *commandBackend) EnsureCollection(ctx context.Context, collectionID string, members []string) (uint64, error) {
	return b.syncToken(ctx, types.EnsureCollectionCmd{CollectionID: collectionID, Members: members})
}

func (b *commandBackend) AppendChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind) (uint64, error) {
	return b.syncToken(ctx, types.AppendChangeCmd{CollectionID: collectionID, MemberID: memberID, Kind: kind})
}

func (b *commandBackend) BeginChange(ctx context.Context, collectionID, memberID string, kind types.ChangeKind, at time.Time) error {
	_, err := b.apply.ApplyCommand(ctx, types.BeginChangeCmd{
		CollectionID: collectionID,
		MemberID:     memberID,
		Kind:         kind,
		At:           at,
	})
	return err
}

func (b *commandBackend) CommitChange(ctx context.Context, collectionID, memberID string) (uint64, error) {
	return b.syncToken(ctx, types.CommitChangeCmd{CollectionID: collectionID, MemberID: memberID})
}

func (b *commandBackend) RecoverPending(ctx context.Context, before time.Time) (int, error) {
	resp, err := b.apply.ApplyCommand(ctx, types.RecoverPendingCmd{Before: before})
	if err != nil {
		return 0, err
	}
	return resp.(fsm.SyncResponse).Applied, nil
}

func (b *commandBackend) DeleteCollection(ctx context.Context, collectionID string) error {
	_, err := b.apply.ApplyCommand(ctx, types.DeleteCollectionCmd{CollectionID: collectionID})
	return err
}

func (b *commandBackend) syncToken(ctx context.Context, cmd types.Command) (uint64, error) {
	resp, err := b.apply.ApplyCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return resp.(fsm.SyncResponse).Token, nil
}
