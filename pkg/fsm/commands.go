package fsm

import (
	"fmt"
	"sort"

	"github.com/pixperk/davlock/pkg/types"
)

// storage the command logic runs against
// the in-memory FSM and the bolt transaction both implement it
// a nil value from a getter means the record does not exist, a nil value
// passed to a putter deletes it
type State interface {
	LockSet(resourceID string) (*types.LockSet, error)
	PutLockSet(resourceID string, set *types.LockSet) error
	Collection(collectionID string) (*types.SyncState, error)
	PutCollection(collectionID string, st *types.SyncState) error
	CollectionIDs() ([]string, error)
	NextToken() (uint64, error)
	NextVersion() (uint64, error)
}

// returned when a lock set was swapped
type SwapLocksResponse struct {
	Version uint64
}

// returned by every sync command
type SyncResponse struct {
	Token   uint64
	Applied int
}

// applies cmd to s, the caller provides atomicity
func Execute(s State, cmd types.Command, retention int) (any, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	switch c := cmd.(type) {
	case types.SwapLocksCmd:
		return swapLocks(s, c)
	case types.EnsureCollectionCmd:
		return ensureCollection(s, c)
	case types.AppendChangeCmd:
		return appendChange(s, c, retention)
	case types.BeginChangeCmd:
		return beginChange(s, c)
	case types.CommitChangeCmd:
		return commitChange(s, c, retention)
	case types.RecoverPendingCmd:
		return recoverPending(s, c, retention)
	case types.DeleteCollectionCmd:
		return deleteCollection(s, c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func swapLocks(s State, cmd types.SwapLocksCmd) (any, error) {
	set, err := s.LockSet(cmd.ResourceID)
	if err != nil {
		return nil, err
	}
	var current uint64
	if set != nil {
		current = set.Version
	}
	if current != cmd.Expected {
		return nil, types.ErrCASMismatch
	}

	//compare-and-delete
	if len(cmd.Locks) == 0 {
		if set == nil {
			return SwapLocksResponse{}, nil
		}
		return SwapLocksResponse{}, s.PutLockSet(cmd.ResourceID, nil)
	}

	version, err := s.NextVersion()
	if err != nil {
		return nil, err
	}
	next := &types.LockSet{
		Version: version,
		Locks:   append([]types.Lock(nil), cmd.Locks...),
	}
	if err := s.PutLockSet(cmd.ResourceID, next); err != nil {
		return nil, err
	}
	return SwapLocksResponse{Version: version}, nil
}

func ensureCollection(s State, cmd types.EnsureCollectionCmd) (any, error) {
	st, err := s.Collection(cmd.CollectionID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return SyncResponse{Token: st.CurrentToken}, nil
	}

	token, err := s.NextToken()
	if err != nil {
		return nil, err
	}
	st = &types.SyncState{
		CollectionID: cmd.CollectionID,
		CurrentToken: token,
		Base:         token,
		Members:      make(map[string]struct{}, len(cmd.Members)),
	}
	for _, m := range cmd.Members {
		st.Members[m] = struct{}{}
	}
	if err := s.PutCollection(cmd.CollectionID, st); err != nil {
		return nil, err
	}
	return SyncResponse{Token: token, Applied: 1}, nil
}

func appendChange(s State, cmd types.AppendChangeCmd, retention int) (any, error) {
	st, err := s.Collection(cmd.CollectionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		//nobody asked for a token yet, the seed listing will cover this change
		return SyncResponse{}, nil
	}
	delete(st.Pending, cmd.MemberID)
	if err := appendRecord(s, st, cmd.MemberID, cmd.Kind, retention); err != nil {
		return nil, err
	}
	if err := s.PutCollection(cmd.CollectionID, st); err != nil {
		return nil, err
	}
	return SyncResponse{Token: st.CurrentToken, Applied: 1}, nil
}

func beginChange(s State, cmd types.BeginChangeCmd) (any, error) {
	st, err := s.Collection(cmd.CollectionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return SyncResponse{}, nil
	}
	if st.Pending == nil {
		st.Pending = make(map[string]types.PendingChange)
	}
	//an unfinished earlier marker keeps its start time so recovery still sees it as stale
	if prev, ok := st.Pending[cmd.MemberID]; ok {
		prev.Kind = mergePending(prev.Kind, cmd.Kind)
		st.Pending[cmd.MemberID] = prev
	} else {
		st.Pending[cmd.MemberID] = types.PendingChange{Kind: cmd.Kind, BeganAt: cmd.At}
	}
	if err := s.PutCollection(cmd.CollectionID, st); err != nil {
		return nil, err
	}
	return SyncResponse{Token: st.CurrentToken}, nil
}

func commitChange(s State, cmd types.CommitChangeCmd, retention int) (any, error) {
	st, err := s.Collection(cmd.CollectionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return SyncResponse{}, nil
	}
	p, ok := st.Pending[cmd.MemberID]
	if !ok {
		//already committed by recovery
		return SyncResponse{Token: st.CurrentToken}, nil
	}
	delete(st.Pending, cmd.MemberID)
	if err := appendRecord(s, st, cmd.MemberID, p.Kind, retention); err != nil {
		return nil, err
	}
	if err := s.PutCollection(cmd.CollectionID, st); err != nil {
		return nil, err
	}
	return SyncResponse{Token: st.CurrentToken, Applied: 1}, nil
}

func recoverPending(s State, cmd types.RecoverPendingCmd, retention int) (any, error) {
	ids, err := s.CollectionIDs()
	if err != nil {
		return nil, err
	}
	//deterministic order so every replica assigns the same tokens
	sort.Strings(ids)

	applied := 0
	for _, id := range ids {
		st, err := s.Collection(id)
		if err != nil {
			return nil, err
		}
		if st == nil || len(st.Pending) == 0 {
			continue
		}

		members := make([]string, 0, len(st.Pending))
		for m, p := range st.Pending {
			if p.BeganAt.Before(cmd.Before) {
				members = append(members, m)
			}
		}
		if len(members) == 0 {
			continue
		}
		sort.Strings(members)

		for _, m := range members {
			kind := st.Pending[m].Kind
			//the write may or may not have landed, modified is always a safe claim
			if _, exists := st.Members[m]; exists && kind == types.ChangeAdded {
				kind = types.ChangeModified
			}
			delete(st.Pending, m)
			if err := appendRecord(s, st, m, kind, retention); err != nil {
				return nil, err
			}
			applied++
		}
		if err := s.PutCollection(id, st); err != nil {
			return nil, err
		}
	}

	return SyncResponse{Applied: applied}, nil
}

func deleteCollection(s State, cmd types.DeleteCollectionCmd) (any, error) {
	st, err := s.Collection(cmd.CollectionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return SyncResponse{}, nil
	}
	if err := s.PutCollection(cmd.CollectionID, nil); err != nil {
		return nil, err
	}
	return SyncResponse{Applied: 1}, nil
}

// a pending delete wins over anything, otherwise the first kind sticks
func mergePending(prev, next types.ChangeKind) types.ChangeKind {
	if next == types.ChangeDeleted {
		return next
	}
	return prev
}

func appendRecord(s State, st *types.SyncState, member string, kind types.ChangeKind, retention int) error {
	token, err := s.NextToken()
	if err != nil {
		return err
	}
	st.CurrentToken = token

	if st.Members == nil {
		st.Members = make(map[string]struct{})
	}
	if kind == types.ChangeDeleted {
		delete(st.Members, member)
	} else {
		st.Members[member] = struct{}{}
	}

	st.Log = append(st.Log, types.ChangeRecord{
		MemberID: member,
		Kind:     kind,
		AtToken:  token,
	})

	//prune oldest records, base moves to the newest pruned checkpoint
	if over := len(st.Log) - retention; over > 0 {
		st.Base = st.Log[over-1].AtToken
		st.Log = append([]types.ChangeRecord(nil), st.Log[over:]...)
	}
	return nil
}
