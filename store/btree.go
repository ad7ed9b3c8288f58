package store

import (
	"bytes"

	"github.com/google/btree"
)

// item is a single btree node payload. An item with delete set is a
// tombstone shadowing the parent store.
type item struct {
	key    []byte
	value  []byte
	delete bool
}

func (i item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(item).key) < 0
}

// MemStore returns a btree backed store implementation useful for tests and
// for hosting the in-memory ledgers. There is no persistence here.
func MemStore() CacheableKVStore {
	return &memStore{
		bt: btree.New(2),
	}
}

type memStore struct {
	bt *btree.BTree
}

var _ CacheableKVStore = (*memStore)(nil)

func (s *memStore) Get(key []byte) ([]byte, error) {
	res := s.bt.Get(item{key: key})
	if res == nil {
		return nil, nil
	}
	return res.(item).value, nil
}

func (s *memStore) Has(key []byte) (bool, error) {
	return s.bt.Has(item{key: key}), nil
}

func (s *memStore) Set(key, value []byte) error {
	s.bt.ReplaceOrInsert(item{key: key, value: value})
	return nil
}

func (s *memStore) Delete(key []byte) error {
	s.bt.Delete(item{key: key})
	return nil
}

func (s *memStore) Iterate(start, end []byte, fn func(key, value []byte) bool) error {
	iter := func(i btree.Item) bool {
		it := i.(item)
		return fn(it.key, it.value)
	}
	switch {
	case start == nil && end == nil:
		s.bt.Ascend(iter)
	case start == nil:
		s.bt.AscendLessThan(item{key: end}, iter)
	case end == nil:
		s.bt.AscendGreaterOrEqual(item{key: start}, iter)
	default:
		s.bt.AscendRange(item{key: start}, item{key: end}, iter)
	}
	return nil
}

func (s *memStore) CacheWrap() KVCacheWrap {
	return NewBTreeCacheWrap(s)
}

// BTreeCacheWrap places a btree overlay over a KVStore. All writes land in
// the overlay and are applied to the parent only on Write.
type BTreeCacheWrap struct {
	bt     *btree.BTree
	parent KVStore
}

var _ KVCacheWrap = (*BTreeCacheWrap)(nil)

// NewBTreeCacheWrap initializes a btree overlay around given store.
func NewBTreeCacheWrap(parent KVStore) *BTreeCacheWrap {
	return &BTreeCacheWrap{
		bt:     btree.New(2),
		parent: parent,
	}
}

// CacheWrap layers another overlay on top of this one.
func (b *BTreeCacheWrap) CacheWrap() KVCacheWrap {
	return NewBTreeCacheWrap(b)
}

// Write applies all buffered operations to the parent store and invalidates
// this overlay.
func (b *BTreeCacheWrap) Write() error {
	var err error
	b.bt.Ascend(func(i btree.Item) bool {
		it := i.(item)
		if it.delete {
			err = b.parent.Delete(it.key)
		} else {
			err = b.parent.Set(it.key, it.value)
		}
		return err == nil
	})
	b.Discard()
	return err
}

// Discard drops all buffered operations.
func (b *BTreeCacheWrap) Discard() {
	b.bt.Clear(false)
}

func (b *BTreeCacheWrap) Set(key, value []byte) error {
	b.bt.ReplaceOrInsert(item{key: key, value: value})
	return nil
}

func (b *BTreeCacheWrap) Delete(key []byte) error {
	b.bt.ReplaceOrInsert(item{key: key, delete: true})
	return nil
}

func (b *BTreeCacheWrap) Get(key []byte) ([]byte, error) {
	if res := b.bt.Get(item{key: key}); res != nil {
		it := res.(item)
		if it.delete {
			return nil, nil
		}
		return it.value, nil
	}
	return b.parent.Get(key)
}

func (b *BTreeCacheWrap) Has(key []byte) (bool, error) {
	if res := b.bt.Get(item{key: key}); res != nil {
		return !res.(item).delete, nil
	}
	return b.parent.Has(key)
}

// Iterate merges the overlay with the parent store. Tombstones shadow parent
// entries, overlay values win over parent values for the same key.
func (b *BTreeCacheWrap) Iterate(start, end []byte, fn func(key, value []byte) bool) error {
	merged := btree.New(2)
	err := b.parent.Iterate(start, end, func(key, value []byte) bool {
		merged.ReplaceOrInsert(item{key: key, value: value})
		return true
	})
	if err != nil {
		return err
	}
	b.bt.Ascend(func(i btree.Item) bool {
		it := i.(item)
		if start != nil && bytes.Compare(it.key, start) < 0 {
			return true
		}
		if end != nil && bytes.Compare(it.key, end) >= 0 {
			return true
		}
		merged.ReplaceOrInsert(it)
		return true
	})

	merged.Ascend(func(i btree.Item) bool {
		it := i.(item)
		if it.delete {
			return true
		}
		return fn(it.key, it.value)
	})
	return nil
}
