package orm

import (
	amino "github.com/tendermint/go-amino"

	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/store"
)

// Model is implemented by any entity that can be stored in a Bucket.
type Model interface {
	Validate() error
}

// Bucket is a generic holder of a particular model type, stored under a
// common key prefix. A single owned table keyed by id, with all access
// mediated through the bucket; values are never aliased.
//
// Models are serialized with the amino codec, so plain structs can be stored
// without generated code.
type Bucket struct {
	prefix []byte
	cdc    *amino.Codec
}

// NewBucket creates a bucket namespaced by given name.
func NewBucket(name string, cdc *amino.Codec) Bucket {
	return Bucket{
		prefix: append([]byte(name), ':'),
		cdc:    cdc,
	}
}

// DBKey returns the full database key for given model key. The result is a
// fresh slice, never sharing backing memory with the prefix or earlier keys.
func (b Bucket) DBKey(key []byte) []byte {
	out := make([]byte, 0, len(b.prefix)+len(key))
	out = append(out, b.prefix...)
	return append(out, key...)
}

// One loads the entity stored under given key into dest. It returns
// ErrNotFound if the entity does not exist.
func (b Bucket) One(db store.ReadOnlyKVStore, key []byte, dest Model) error {
	raw, err := db.Get(b.DBKey(key))
	if err != nil {
		return errors.Wrap(err, "cannot read from the database")
	}
	if raw == nil {
		return errors.Wrapf(errors.ErrNotFound, "%T not in the store", dest)
	}
	if err := b.cdc.UnmarshalBinaryBare(raw, dest); err != nil {
		return errors.Wrapf(errors.ErrInvalidType, "cannot deserialize %T: %s", dest, err)
	}
	return nil
}

// Has returns true when an entity exists under given key.
func (b Bucket) Has(db store.ReadOnlyKVStore, key []byte) (bool, error) {
	return db.Has(b.DBKey(key))
}

// Put validates and saves given model under given key.
func (b Bucket) Put(db store.KVStore, key []byte, m Model) error {
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "invalid model")
	}
	raw, err := b.cdc.MarshalBinaryBare(m)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidType, "cannot serialize %T: %s", m, err)
	}
	if err := db.Set(b.DBKey(key), raw); err != nil {
		return errors.Wrap(err, "cannot store in the database")
	}
	return nil
}

// Delete removes an entity with given key from the database. It returns
// ErrNotFound if an entity with given key does not exist.
func (b Bucket) Delete(db store.KVStore, key []byte) error {
	ok, err := db.Has(b.DBKey(key))
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound
	}
	return db.Delete(b.DBKey(key))
}

// Iterate walks all entities of this bucket in ascending key order. The fn
// callback receives the model key (prefix stripped) and a decode function
// that loads the raw entity into given destination.
func (b Bucket) Iterate(db store.ReadOnlyKVStore, fn func(key []byte, load func(Model) error) bool) error {
	start := b.prefix
	end := prefixEnd(b.prefix)
	return db.Iterate(start, end, func(key, value []byte) bool {
		load := func(dest Model) error {
			if err := b.cdc.UnmarshalBinaryBare(value, dest); err != nil {
				return errors.Wrapf(errors.ErrInvalidType, "cannot deserialize %T: %s", dest, err)
			}
			return nil
		}
		return fn(key[len(b.prefix):], load)
	})
}

// prefixEnd returns the smallest key greater than all keys carrying given
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// Prefix is all 0xff, iterate until the very end.
	return nil
}
