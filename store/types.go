package store

// ReadOnlyKVStore is a simple byte-oriented read interface over an ordered
// key-value store.
type ReadOnlyKVStore interface {
	// Get returns the value stored under given key, or nil when the key
	// does not exist.
	Get(key []byte) ([]byte, error)

	// Has returns true if the key exists.
	Has(key []byte) (bool, error)

	// Iterate calls fn for every key in [start, end) in ascending key
	// order. Iteration stops early when fn returns false. A nil start
	// iterates from the first key, a nil end until the last one.
	Iterate(start, end []byte, fn func(key, value []byte) bool) error
}

// KVStore adds mutation to ReadOnlyKVStore.
type KVStore interface {
	ReadOnlyKVStore

	// Set writes the value under given key, overwriting existing data.
	Set(key, value []byte) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key []byte) error
}

// CacheableKVStore is a KVStore that can spawn atomic overlays.
type CacheableKVStore interface {
	KVStore

	// CacheWrap returns an overlay whose writes are invisible to the
	// parent until Write is called, and gone after Discard.
	CacheWrap() KVCacheWrap
}

// KVCacheWrap is an overlay over a KVStore. All writes are buffered and
// applied atomically on Write, or dropped with Discard.
type KVCacheWrap interface {
	KVStore

	// Write applies all buffered operations to the parent store.
	Write() error

	// Discard drops all buffered operations.
	Discard()
}

// CommitID identifies a durably persisted state version. Version numbers are
// monotonically increasing with every commit, which is what allows detecting
// out-of-order concurrent writers.
type CommitID struct {
	Version int64
	Hash    []byte
}

// CommitKVStore is a KVStore with durable, versioned commits.
type CommitKVStore interface {
	CacheableKVStore

	// Commit persists the current state and returns its version.
	Commit() (CommitID, error)

	// LatestVersion returns the version of the last commit.
	LatestVersion() CommitID

	// LoadLatestVersion loads the last committed state. If there was a
	// crash during the last commit, it is guaranteed to return a stable
	// state, even if older.
	LoadLatestVersion() error
}
