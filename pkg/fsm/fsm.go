package fsm

import (
	"strings"
	"sync"

	"github.com/pixperk/davlock/pkg/types"
)

// default number of change records kept per collection
const DefaultRetention = 10000

// manages lock records and collection change logs in memory
// critical :
// - a lock set only changes when the caller saw its current version
// - tokens come from one global counter and are never reused
// - a collection's token advances exactly once per committed change
// the FSM never reads a clock, every time value arrives inside a command
type FSM struct {
	mu sync.RWMutex

	locks       map[string]*types.LockSet   // resource id -> lock set
	collections map[string]*types.SyncState // collection id -> sync state

	tokenCounter   uint64 // global sync token counter (monotonic)
	versionCounter uint64 // global lock set version counter (monotonic)

	retention int
}

type Options struct {
	// change records kept per collection, DefaultRetention when <= 0
	Retention int
}

func NewFSM(opts Options) *FSM {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &FSM{
		locks:       make(map[string]*types.LockSet),
		collections: make(map[string]*types.SyncState),
		retention:   opts.Retention,
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Execute(memState{f}, cmd, f.retention)
}

// returns a copy of the lock set of a resource
func (f *FSM) GetLocks(resourceID string) types.LockSet {
	f.mu.RLock()
	defer f.mu.RUnlock()

	set, ok := f.locks[resourceID]
	if !ok {
		return types.LockSet{}
	}
	return types.LockSet{
		Version: set.Version,
		Locks:   append([]types.Lock(nil), set.Locks...),
	}
}

// returns copies of every lock stored strictly below resourceID, expired ones included
func (f *FSM) LocksBelow(resourceID string) []types.Lock {
	f.mu.RLock()
	defer f.mu.RUnlock()

	prefix := types.DescendantPrefix(resourceID)
	var out []types.Lock
	for id, set := range f.locks {
		if id != resourceID && strings.HasPrefix(id, prefix) {
			out = append(out, set.Locks...)
		}
	}
	return out
}

// returns a copy of a collection's sync state
func (f *FSM) GetSyncState(collectionID string) (*types.SyncState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.collections[collectionID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// current fsm stats
type Stats struct {
	LockedResources int
	Locks           int
	Collections     int
	PendingChanges  int
	TokenCounter    uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Stats{
		LockedResources: len(f.locks),
		Collections:     len(f.collections),
		TokenCounter:    f.tokenCounter,
	}
	for _, set := range f.locks {
		s.Locks += len(set.Locks)
	}
	for _, st := range f.collections {
		s.PendingChanges += len(st.Pending)
	}
	return s
}

// State over the FSM maps, the caller holds f.mu
type memState struct {
	f *FSM
}

func (m memState) LockSet(resourceID string) (*types.LockSet, error) {
	return m.f.locks[resourceID], nil
}

func (m memState) PutLockSet(resourceID string, set *types.LockSet) error {
	if set == nil {
		delete(m.f.locks, resourceID)
		return nil
	}
	m.f.locks[resourceID] = set
	return nil
}

func (m memState) Collection(collectionID string) (*types.SyncState, error) {
	return m.f.collections[collectionID], nil
}

func (m memState) PutCollection(collectionID string, st *types.SyncState) error {
	if st == nil {
		delete(m.f.collections, collectionID)
		return nil
	}
	m.f.collections[collectionID] = st
	return nil
}

func (m memState) CollectionIDs() ([]string, error) {
	ids := make([]string, 0, len(m.f.collections))
	for id := range m.f.collections {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m memState) NextToken() (uint64, error) {
	m.f.tokenCounter++
	return m.f.tokenCounter, nil
}

func (m memState) NextVersion() (uint64, error) {
	m.f.versionCounter++
	return m.f.versionCounter, nil
}
