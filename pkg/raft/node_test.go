package raft

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// picks a port that is free right now
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func exclusiveLock(resource, owner string) types.Lock {
	return types.Lock{
		Type:       types.LockTypeUser,
		Owner:      owner,
		ResourceID: resource,
		Scope:      types.ScopeExclusive,
		Depth:      types.DepthZero,
		Token:      "opaquelocktoken:" + uuid.NewString(),
		CreatedAt:  time.Now(),
		Timeout:    time.Minute,
	}
}

// TestSingleNodeSmoke tests basic Raft functionality with a single node
func TestSingleNodeSmoke(t *testing.T) {
	cfg := &Config{
		NodeID:    uuid.New(),
		BindAddr:  freeAddr(t),
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}

	node, err := NewNode(cfg)
	require.NoError(t, err, "failed to create node")
	defer node.Shutdown()

	err = node.WaitForLeader(5 * time.Second)
	require.NoError(t, err, "no leader elected")
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond, "single node should be leader")

	//Test 1 : take a lock
	result, err := node.Apply(types.SwapLocksCmd{
		ResourceID: "/docs/a.txt",
		Locks:      []types.Lock{exclusiveLock("/docs/a.txt", "alice")},
	})
	require.NoError(t, err, "failed to swap locks")

	swapResp, ok := result.(fsm.SwapLocksResponse)
	require.True(t, ok, "expected SwapLocksResponse")
	assert.Equal(t, uint64(1), swapResp.Version, "first record should have version 1")

	//Test 2 : a stale swap is rejected through the log
	_, err = node.Apply(types.SwapLocksCmd{
		ResourceID: "/docs/a.txt",
		Locks:      []types.Lock{exclusiveLock("/docs/a.txt", "bob")},
	})
	assert.ErrorIs(t, err, types.ErrCASMismatch)

	//Test 3 : sync state
	result, err = node.Apply(types.EnsureCollectionCmd{CollectionID: "/docs", Members: []string{"a.txt"}})
	require.NoError(t, err)
	first := result.(fsm.SyncResponse).Token

	result, err = node.Apply(types.AppendChangeCmd{CollectionID: "/docs", MemberID: "b.txt", Kind: types.ChangeAdded})
	require.NoError(t, err)
	assert.Equal(t, first+1, result.(fsm.SyncResponse).Token)

	stats := node.Stats()
	assert.Equal(t, 1, stats.LockedResources)
	assert.Equal(t, 1, stats.Collections)

	//Test 4 : release
	_, err = node.Apply(types.SwapLocksCmd{ResourceID: "/docs/a.txt", Expected: swapResp.Version})
	require.NoError(t, err, "failed to release lock")
	assert.Equal(t, 0, node.Stats().Locks, "should have 0 locks after release")
}

// TestNodeAsReader tests the store.Reader side of the node
func TestNodeAsReader(t *testing.T) {
	node, err := NewNode(&Config{
		NodeID:    uuid.New(),
		BindAddr:  freeAddr(t),
		DataDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	defer node.Shutdown()
	require.NoError(t, node.WaitForLeader(5*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	ctx := context.Background()
	_, err = node.ApplyCommand(ctx, types.EnsureCollectionCmd{CollectionID: "/c"})
	require.NoError(t, err)

	st, ok, err := node.ReadSyncState(ctx, "/c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.CurrentToken)

	set, err := node.ReadLocks(ctx, "/nothing")
	require.NoError(t, err)
	assert.Zero(t, set.Version)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = node.ApplyCommand(cancelled, types.EnsureCollectionCmd{CollectionID: "/d"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatePersistance(t *testing.T) {
	cfg := &Config{
		NodeID:    uuid.New(),
		BindAddr:  freeAddr(t), //same address on restart
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}

	node1, err := NewNode(cfg)
	require.NoError(t, err, "failed to create node1")

	err = node1.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	require.Eventually(t, node1.IsLeader, 5*time.Second, 50*time.Millisecond)

	_, err = node1.Apply(types.SwapLocksCmd{
		ResourceID: "/a",
		Locks:      []types.Lock{exclusiveLock("/a", "alice")},
	})
	require.NoError(t, err)

	_, err = node1.Apply(types.EnsureCollectionCmd{CollectionID: "/c"})
	require.NoError(t, err)
	result, err := node1.Apply(types.AppendChangeCmd{CollectionID: "/c", MemberID: "f", Kind: types.ChangeAdded})
	require.NoError(t, err)
	lastToken := result.(fsm.SyncResponse).Token

	statsBefore := node1.Stats()

	err = node1.Shutdown()
	require.NoError(t, err, "failed to shutdown node1")

	time.Sleep(500 * time.Millisecond)

	//a restarted node already carries its configuration
	cfg.Bootstrap = false

	node2, err := NewNode(cfg)
	require.NoError(t, err, "failed to recreate node")
	defer node2.Shutdown()

	err = node2.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	require.Eventually(t, node2.IsLeader, 5*time.Second, 50*time.Millisecond)

	//the log is replayed once the node is leader again
	require.Eventually(t, func() bool {
		return node2.Stats().TokenCounter == statsBefore.TokenCounter
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, statsBefore.LockedResources, node2.Stats().LockedResources, "locks should persist after restart")

	result, err = node2.Apply(types.AppendChangeCmd{CollectionID: "/c", MemberID: "g", Kind: types.ChangeAdded})
	require.NoError(t, err)
	assert.Equal(t, lastToken+1, result.(fsm.SyncResponse).Token, "token should continue after restart")
}

func TestSnapshotAndRestore(t *testing.T) {
	cfg := &Config{
		NodeID:    uuid.New(),
		BindAddr:  freeAddr(t),
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}

	node, err := NewNode(cfg)
	require.NoError(t, err, "failed to create node")

	err = node.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		resource := fmt.Sprintf("/r%d", i)
		_, err := node.Apply(types.SwapLocksCmd{
			ResourceID: resource,
			Locks:      []types.Lock{exclusiveLock(resource, fmt.Sprintf("client-%d", i))},
		})
		require.NoError(t, err)
	}
	_, err = node.Apply(types.EnsureCollectionCmd{CollectionID: "/c"})
	require.NoError(t, err)

	statsBefore := node.Stats()
	assert.Equal(t, 10, statsBefore.LockedResources)

	//force a snapshot
	future := node.raft.Snapshot()
	require.NoError(t, future.Error(), "snapshot should succeed")

	err = node.Shutdown()
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	//restart node, restores from snapshot
	cfg.Bootstrap = false
	node2, err := NewNode(cfg)
	require.NoError(t, err)
	defer node2.Shutdown()

	err = node2.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	require.Eventually(t, node2.IsLeader, 5*time.Second, 50*time.Millisecond)

	statsAfter := node2.Stats()
	assert.Equal(t, statsBefore.LockedResources, statsAfter.LockedResources, "locks should be restored")
	assert.Equal(t, statsBefore.TokenCounter, statsAfter.TokenCounter, "token counter should be restored")

	//version counter continues from the snapshot
	result, err := node2.Apply(types.SwapLocksCmd{
		ResourceID: "/fresh",
		Locks:      []types.Lock{exclusiveLock("/fresh", "client-0")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), result.(fsm.SwapLocksResponse).Version)
}

func TestMultiNodeCluster(t *testing.T) {
	nodes := make([]*Node, 3)
	cfgs := make([]*Config, 3)

	for i := 0; i < 3; i++ {
		cfgs[i] = &Config{
			NodeID:    uuid.New(),
			BindAddr:  freeAddr(t),
			DataDir:   filepath.Join(t.TempDir(), fmt.Sprintf("node%d", i)),
			Bootstrap: i == 0, //bootstrap only first node
		}
	}

	var err error
	nodes[0], err = NewNode(cfgs[0])
	require.NoError(t, err, "failed to create node 0")
	defer nodes[0].Shutdown()

	err = nodes[0].WaitForLeader(5 * time.Second)
	require.NoError(t, err, "no leader elected in cluster")
	require.Eventually(t, nodes[0].IsLeader, 5*time.Second, 50*time.Millisecond, "node 0 should be leader")

	for i := 1; i < 3; i++ {
		nodes[i], err = NewNode(cfgs[i])
		require.NoError(t, err, fmt.Sprintf("failed to create node %d", i))
		defer nodes[i].Shutdown()

		future := nodes[0].raft.AddVoter(
			raft.ServerID(cfgs[i].NodeID.String()),
			raft.ServerAddress(cfgs[i].BindAddr),
			0, 0,
		)
		require.NoError(t, future.Error(), fmt.Sprintf("failed to add node %d as voter", i))
	}

	time.Sleep(2 * time.Second)

	var leader *Node
	leaderCnt := 0
	for _, node := range nodes {
		if node.IsLeader() {
			leader = node
			leaderCnt++
		}
	}
	require.Equal(t, 1, leaderCnt, "there should be exactly one leader")
	require.NotNil(t, leader, "leader node should not be nil")

	_, err = leader.Apply(types.SwapLocksCmd{
		ResourceID: "/cluster",
		Locks:      []types.Lock{exclusiveLock("/cluster", "client-1")},
	})
	require.NoError(t, err, "failed to lock via leader")

	_, err = leader.Apply(types.EnsureCollectionCmd{CollectionID: "/c"})
	require.NoError(t, err)

	//followers refuse writes
	for _, node := range nodes {
		if node == leader {
			continue
		}
		_, err := node.Apply(types.EnsureCollectionCmd{CollectionID: "/d"})
		assert.ErrorIs(t, err, types.ErrNotLeader)
	}

	//all nodes converge on the same state
	for i, node := range nodes {
		node := node
		assert.Eventually(t, func() bool {
			s := node.Stats()
			return s.Locks == 1 && s.Collections == 1
		}, 5*time.Second, 100*time.Millisecond, fmt.Sprintf("node %d should replicate the lock and collection", i))
	}
}
