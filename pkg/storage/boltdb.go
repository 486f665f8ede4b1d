package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	raftDBFile      = "raft.db"
	snapshotDirName = "snapshots"
	snapshotsRetain = 3

	// recent lock swaps and change records served without a bolt read
	DefaultLogCacheSize = 512
)

// RaftStores is what a raft node persists through, next to davlock.db
// Log : encoded commands, one per lock swap or change record
// Stable : term and vote
// Snapshots : JSON images of every lock set and sync state
type RaftStores struct {
	Log       raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore

	db *raftboltdb.BoltStore
}

type RaftStoresOptions struct {
	// 0 uses DefaultLogCacheSize, negative disables the cache
	LogCacheSize int
	Logger       hclog.Logger
}

func OpenRaftStores(dataDir string, opts RaftStoresOptions) (*RaftStores, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.LogCacheSize == 0 {
		opts.LogCacheSize = DefaultLogCacheSize
	}

	//one bolt file backs both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, raftDBFile),
	})
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}

	var logStore raft.LogStore = boltDB
	if opts.LogCacheSize > 0 {
		cached, err := raft.NewLogCache(opts.LogCacheSize, boltDB)
		if err != nil {
			boltDB.Close()
			return nil, err
		}
		logStore = cached
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, snapshotDirName), snapshotsRetain, logger.Named("snapshots"))
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &RaftStores{
		Log:       logStore,
		Stable:    boltDB,
		Snapshots: snapshots,
		db:        boltDB,
	}, nil
}

func (s *RaftStores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
