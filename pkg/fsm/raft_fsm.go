package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/davlock/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM(opts Options) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(opts),
	}
}

func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command envelope
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply to the internal FSM, errors travel back as the response
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Locks:          make(map[string]*types.LockSet, len(rf.fsm.locks)),
		Collections:    make(map[string]*types.SyncState, len(rf.fsm.collections)),
		TokenCounter:   rf.fsm.tokenCounter,
		VersionCounter: rf.fsm.versionCounter,
	}

	//deep copy lock sets
	for id, set := range rf.fsm.locks {
		setCopy := types.LockSet{
			Version: set.Version,
			Locks:   append([]types.Lock(nil), set.Locks...),
		}
		snapshot.Locks[id] = &setCopy
	}

	//deep copy sync states
	for id, st := range rf.fsm.collections {
		snapshot.Collections[id] = st.Clone()
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or restarts
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Locks == nil {
		snap.Locks = make(map[string]*types.LockSet)
	}
	if snap.Collections == nil {
		snap.Collections = make(map[string]*types.SyncState)
	}
	for _, st := range snap.Collections {
		if st.Members == nil {
			st.Members = make(map[string]struct{})
		}
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.locks = snap.Locks
	rf.fsm.collections = snap.Collections
	rf.fsm.tokenCounter = snap.TokenCounter
	rf.fsm.versionCounter = snap.VersionCounter

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Locks          map[string]*types.LockSet   `json:"locks"`
	Collections    map[string]*types.SyncState `json:"collections"`
	TokenCounter   uint64                      `json:"token_counter"`
	VersionCounter uint64                      `json:"version_counter"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
