package iavl

import (
	"github.com/tendermint/iavl"
	dbm "github.com/tendermint/tendermint/libs/db"

	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/store"
)

// defaultCacheSize is the number of tree nodes held in memory.
const defaultCacheSize = 10000

// CommitStore is a durable, versioned key-value store backed by an iavl
// tree. Every Commit produces a new monotonically increasing version, which
// is the sequence number used to detect out-of-order writers of swap state.
type CommitStore struct {
	tree *iavl.MutableTree
}

var _ store.CommitKVStore = (*CommitStore)(nil)

// NewCommitStore creates a new store with a disk backing under given
// directory.
func NewCommitStore(dir, name string) *CommitStore {
	db := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	return &CommitStore{
		tree: iavl.NewMutableTree(db, defaultCacheSize),
	}
}

// NewMemCommitStore creates a versioned store without disk persistence.
// Useful for tests that exercise version semantics.
func NewMemCommitStore() *CommitStore {
	return &CommitStore{
		tree: iavl.NewMutableTree(dbm.NewMemDB(), defaultCacheSize),
	}
}

// Get returns the value at the current working state.
func (s *CommitStore) Get(key []byte) ([]byte, error) {
	_, value := s.tree.Get(key)
	return value, nil
}

// Has returns true if the key exists in the current working state.
func (s *CommitStore) Has(key []byte) (bool, error) {
	return s.tree.Has(key), nil
}

// Set writes to the working state. The change is not durable until Commit.
func (s *CommitStore) Set(key, value []byte) error {
	s.tree.Set(key, value)
	return nil
}

// Delete removes the key from the working state.
func (s *CommitStore) Delete(key []byte) error {
	s.tree.Remove(key)
	return nil
}

// Iterate calls fn for every key in [start, end) in ascending order.
func (s *CommitStore) Iterate(start, end []byte, fn func(key, value []byte) bool) error {
	if start == nil && end == nil {
		s.tree.Iterate(func(key, value []byte) bool {
			return !fn(key, value)
		})
		return nil
	}
	s.tree.IterateRange(start, end, true, func(key, value []byte) bool {
		return !fn(key, value)
	})
	return nil
}

// CacheWrap returns an overlay for atomic multi-key updates.
func (s *CommitStore) CacheWrap() store.KVCacheWrap {
	return store.NewBTreeCacheWrap(s)
}

// Commit persists the working state to disk as the next version.
func (s *CommitStore) Commit() (store.CommitID, error) {
	hash, version, err := s.tree.SaveVersion()
	if err != nil {
		return store.CommitID{}, errors.Wrap(err, "save version")
	}
	return store.CommitID{Version: version, Hash: hash}, nil
}

// LatestVersion returns info on the latest version saved to disk.
func (s *CommitStore) LatestVersion() store.CommitID {
	return store.CommitID{
		Version: s.tree.Version(),
		Hash:    s.tree.Hash(),
	}
}

// LoadLatestVersion loads the latest persisted version. If there was a crash
// during the last commit, it is guaranteed to return a stable state, even if
// older.
func (s *CommitStore) LoadLatestVersion() error {
	_, err := s.tree.Load()
	return errors.Wrap(err, "load latest version")
}
