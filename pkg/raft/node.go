package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/storage"
	"github.com/pixperk/davlock/pkg/types"
)

// wraps a raft inst with our fsm and provides a clean api
// one bootstrapped node is the single authoritative store every worker talks to
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	raftFSM *fsm.RaftFSM
	storage *storage.RaftStores
	cfg     *Config
}

type Config struct {
	NodeID       uuid.UUID //unique ID for this node
	BindAddr     string    //net addr to bind Raft communication
	DataDir      string    //data directory for Raft storage
	Bootstrap    bool      //if this is the first node in the cluster
	Retention    int       //change records kept per collection
	ApplyTimeout time.Duration
	Logger       hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	raftFSM := fsm.NewRaftFSM(fsm.Options{Retention: cfg.Retention})
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	raftStorage, err := storage.OpenRaftStores(cfg.DataDir, storage.RaftStoresOptions{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger.Named("raft-net"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.Log, raftStorage.Stable, raftStorage.Snapshots, transport)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed, a restarted node already carries its configuration
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			raftStorage.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}

	return &Node{
		raft:    r,
		fsm:     stateMachine,
		raftFSM: raftFSM,
		storage: raftStorage,
		cfg:     cfg,
	}, nil

}

// apply a command to the Raft cluster
func (n *Node) Apply(cmd types.Command) (any, error) {
	if !n.IsLeader() {
		return nil, fmt.Errorf("%w, leader is at: %s", types.ErrNotLeader, n.GetLeader())
	}

	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	//domain errors come back as the FSM response
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// store.Applier
func (n *Node) ApplyCommand(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.Apply(cmd)
}

// reads are served from the leader's applied state
func (n *Node) ReadLocks(ctx context.Context, resourceID string) (types.LockSet, error) {
	if !n.IsLeader() {
		return types.LockSet{}, fmt.Errorf("%w, leader is at: %s", types.ErrNotLeader, n.GetLeader())
	}
	return n.fsm.GetLocks(resourceID), nil
}

func (n *Node) ReadLocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error) {
	if !n.IsLeader() {
		return nil, fmt.Errorf("%w, leader is at: %s", types.ErrNotLeader, n.GetLeader())
	}
	return n.fsm.LocksBelow(resourceID), nil
}

func (n *Node) ReadSyncState(ctx context.Context, collectionID string) (*types.SyncState, bool, error) {
	if !n.IsLeader() {
		return nil, false, fmt.Errorf("%w, leader is at: %s", types.ErrNotLeader, n.GetLeader())
	}
	st, ok := n.fsm.GetSyncState(collectionID)
	return st, ok, nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

func (n *Node) AppliedIndex() uint64 {
	return n.raft.AppliedIndex()
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.storage.Close(); err == nil {
		err = cerr
	}
	return err
}
