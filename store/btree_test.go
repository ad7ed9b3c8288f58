package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreBasics(t *testing.T) {
	db := MemStore()

	k, v := []byte("lock:1"), []byte("data")

	has, err := db.Has(k)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, db.Set(k, v))

	got, err := db.Get(k)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	has, err = db.Has(k)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.Delete(k))
	got, err = db.Get(k)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemStoreIterate(t *testing.T) {
	db := MemStore()
	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	require.NoError(t, db.Set([]byte("b"), []byte("2")))
	require.NoError(t, db.Set([]byte("c"), []byte("3")))

	var keys []string
	err := db.Iterate([]byte("a"), []byte("c"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	keys = nil
	err = db.Iterate(nil, nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestCacheWrapWriteAndDiscard(t *testing.T) {
	db := MemStore()
	require.NoError(t, db.Set([]byte("a"), []byte("1")))

	cache := db.CacheWrap()
	require.NoError(t, cache.Set([]byte("b"), []byte("2")))
	require.NoError(t, cache.Delete([]byte("a")))

	// Parent must not observe buffered writes.
	got, err := db.Get([]byte("b"))
	require.NoError(t, err)
	assert.Nil(t, got)
	has, err := db.Has([]byte("a"))
	require.NoError(t, err)
	assert.True(t, has)

	// The overlay observes its own writes and tombstones.
	got, err = cache.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
	has, err = cache.Has([]byte("a"))
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, cache.Write())

	got, err = db.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
	has, err = db.Has([]byte("a"))
	require.NoError(t, err)
	assert.False(t, has)

	discarded := db.CacheWrap()
	require.NoError(t, discarded.Set([]byte("x"), []byte("9")))
	discarded.Discard()
	got, err = db.Get([]byte("x"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheWrapIterateMergesOverlay(t *testing.T) {
	db := MemStore()
	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	require.NoError(t, db.Set([]byte("b"), []byte("2")))

	cache := db.CacheWrap()
	require.NoError(t, cache.Set([]byte("c"), []byte("3")))
	require.NoError(t, cache.Set([]byte("a"), []byte("updated")))
	require.NoError(t, cache.Delete([]byte("b")))

	got := map[string]string{}
	err := cache.Iterate(nil, nil, func(key, value []byte) bool {
		got[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "updated", "c": "3"}, got)
}
