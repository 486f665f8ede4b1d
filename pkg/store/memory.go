package store

import (
	"context"

	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/types"
)

// in-process backend, the FSM itself is the linearization point
// suitable for a single worker process and for tests
type Memory struct {
	Backend
	fsm *fsm.FSM
}

func NewMemory(opts fsm.Options) *Memory {
	f := fsm.NewFSM(opts)
	local := localFSM{f}
	return &Memory{
		Backend: NewBackend(local, local),
		fsm:     f,
	}
}

func (m *Memory) Stats() fsm.Stats {
	return m.fsm.Stats()
}

type localFSM struct {
	f *fsm.FSM
}

func (l localFSM) ApplyCommand(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.f.Apply(cmd)
}

func (l localFSM) ReadLocks(ctx context.Context, resourceID string) (types.LockSet, error) {
	return l.f.GetLocks(resourceID), nil
}

func (l localFSM) ReadLocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error) {
	return l.f.LocksBelow(resourceID), nil
}

func (l localFSM) ReadSyncState(ctx context.Context, collectionID string) (*types.SyncState, bool, error) {
	st, ok := l.f.GetSyncState(collectionID)
	return st, ok, nil
}
