package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const stateDBFile = "davlock.db"

var (
	bucketLocks       = []byte("locks")
	bucketCollections = []byte("collections")
	bucketTokens      = []byte("tokens")
	bucketVersions    = []byte("versions")
)

// durable lock store and change log on a single bolt file
// every command runs inside one bolt write transaction, which is the atomic
// primitive: a failed command rolls back without a trace
type BoltStore struct {
	db        *bolt.DB
	retention int
}

func OpenBoltStore(dataDir string, retention int) (*BoltStore, error) {
	if retention <= 0 {
		retention = fsm.DefaultRetention
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dataDir, stateDBFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLocks, bucketCollections, bucketTokens, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db, retention: retention}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// store.Applier
func (s *BoltStore) ApplyCommand(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result any
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		result, err = fsm.Execute(boltState{tx}, cmd, s.retention)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) ReadLocks(ctx context.Context, resourceID string) (types.LockSet, error) {
	var set types.LockSet
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := boltState{tx}.LockSet(resourceID)
		if err != nil || found == nil {
			return err
		}
		set = *found
		return nil
	})
	return set, err
}

// lock keys sort by path, so the descendants of a resource are one cursor range
func (s *BoltStore) ReadLocksBelow(ctx context.Context, resourceID string) ([]types.Lock, error) {
	prefix := []byte(types.DescendantPrefix(resourceID))
	var out []types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if string(k) == resourceID {
				continue
			}
			var set types.LockSet
			if err := json.Unmarshal(v, &set); err != nil {
				return fmt.Errorf("decode lock set %s: %w", k, err)
			}
			out = append(out, set.Locks...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ReadSyncState(ctx context.Context, collectionID string) (*types.SyncState, bool, error) {
	var st *types.SyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		st, err = boltState{tx}.Collection(collectionID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return st, st != nil, nil
}

// fsm.State inside a bolt transaction
type boltState struct {
	tx *bolt.Tx
}

func (b boltState) LockSet(resourceID string) (*types.LockSet, error) {
	raw := b.tx.Bucket(bucketLocks).Get([]byte(resourceID))
	if raw == nil {
		return nil, nil
	}
	var set types.LockSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode lock set %s: %w", resourceID, err)
	}
	return &set, nil
}

func (b boltState) PutLockSet(resourceID string, set *types.LockSet) error {
	bucket := b.tx.Bucket(bucketLocks)
	if set == nil {
		return bucket.Delete([]byte(resourceID))
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(resourceID), raw)
}

func (b boltState) Collection(collectionID string) (*types.SyncState, error) {
	raw := b.tx.Bucket(bucketCollections).Get([]byte(collectionID))
	if raw == nil {
		return nil, nil
	}
	var st types.SyncState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode sync state %s: %w", collectionID, err)
	}
	if st.Members == nil {
		st.Members = make(map[string]struct{})
	}
	return &st, nil
}

func (b boltState) PutCollection(collectionID string, st *types.SyncState) error {
	bucket := b.tx.Bucket(bucketCollections)
	if st == nil {
		return bucket.Delete([]byte(collectionID))
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(collectionID), raw)
}

func (b boltState) CollectionIDs() ([]string, error) {
	var ids []string
	err := b.tx.Bucket(bucketCollections).ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}

// bucket sequences are the durable counters
func (b boltState) NextToken() (uint64, error) {
	return b.tx.Bucket(bucketTokens).NextSequence()
}

func (b boltState) NextVersion() (uint64, error) {
	return b.tx.Bucket(bucketVersions).NextSequence()
}
