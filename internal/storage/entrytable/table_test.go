package entrytable

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/gridcache/internal/model"
)

func put(value string, order int64) UpdateFunc {
	return func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		return &model.CacheEntry{
			Key:     "k",
			Value:   []byte(value),
			Version: model.EntryVersion{Order: order, NodeOrder: 1},
		}, nil
	}
}

func TestTable_UpdateAndGet(t *testing.T) {
	tbl := New(4)
	key := []byte("k")

	assert.Nil(t, tbl.Get(2, key))

	stored, err := tbl.Update(2, key, put("v1", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Partition)
	assert.Equal(t, key, stored.KeyBytes)

	got := tbl.Get(2, key)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, int64(1), got.Version.Order)

	// Other partitions are independent
	assert.Nil(t, tbl.Get(1, key))
}

func TestTable_GetReturnsCopy(t *testing.T) {
	tbl := New(1)
	key := []byte("k")

	_, err := tbl.Update(0, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		e := &model.CacheEntry{Value: []byte("v")}
		e.AddReader("node-1")
		return e, nil
	})
	require.NoError(t, err)

	got := tbl.Get(0, key)
	got.AddReader("node-2")
	got.Version.Order = 99

	again := tbl.Get(0, key)
	assert.Equal(t, []string{"node-1"}, again.Readers)
	assert.Zero(t, again.Version.Order)
}

func TestTable_UpdateDeclined(t *testing.T) {
	tbl := New(1)
	key := []byte("k")

	stored, err := tbl.Update(0, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		assert.Nil(t, cur)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = tbl.Update(0, key, put("v1", 1))
	require.NoError(t, err)

	stored, err = tbl.Update(0, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), stored.Value)

	boom := errors.New("boom")
	_, err = tbl.Update(0, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		cur.Value = []byte("mutated")
		return cur, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []byte("v1"), tbl.Get(0, key).Value)
}

func TestTable_Mutate(t *testing.T) {
	tbl := New(2)
	for i, key := range []string{"a", "b"} {
		_, err := tbl.Update(i, []byte(key), func(cur *model.CacheEntry) (*model.CacheEntry, error) {
			return &model.CacheEntry{Value: []byte("v"), Readers: []string{"node-1", "node-2"}}, nil
		})
		require.NoError(t, err)
	}

	tbl.Mutate(func(e *model.CacheEntry) {
		e.RemoveReader("node-1")
	})

	assert.Equal(t, []string{"node-2"}, tbl.Get(0, []byte("a")).Readers)
	assert.Equal(t, []string{"node-2"}, tbl.Get(1, []byte("b")).Readers)
}

func TestTable_OutOfRange(t *testing.T) {
	tbl := New(2)

	_, err := tbl.Update(5, []byte("k"), put("v", 1))
	assert.Error(t, err)
	assert.Nil(t, tbl.Get(-1, []byte("k")))
	assert.Zero(t, tbl.Len(9))
}

func TestTable_ConcurrentWritersSerialized(t *testing.T) {
	tbl := New(2)
	key := []byte("counter")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := tbl.Update(1, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
					next := &model.CacheEntry{Value: []byte{}}
					if cur != nil {
						next.Version.Order = cur.Version.Order + 1
					}
					return next, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// Every increment observed the previous one
	assert.Equal(t, int64(799), tbl.Get(1, key).Version.Order)
}

func TestTable_DeleteEntriesAndStats(t *testing.T) {
	tbl := New(3)

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("key-%d", 4-i))
		_, err := tbl.Update(i%2, key, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
			return &model.CacheEntry{Value: []byte("v")}, nil
		})
		require.NoError(t, err)
	}
	_, err := tbl.Update(2, []byte("gone"), func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		return &model.CacheEntry{Value: nil}, nil
	})
	require.NoError(t, err)

	st := tbl.Stats()
	assert.Equal(t, 5, st.Entries)
	assert.Equal(t, 1, st.Tombstones)
	assert.Equal(t, 3, st.Partitions)

	entries := tbl.Entries(0)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("key-0"), entries[0].KeyBytes)
	assert.Equal(t, []byte("key-4"), entries[2].KeyBytes)

	assert.False(t, tbl.Delete(0, []byte("key-0"), func(e *model.CacheEntry) bool { return e.Value == nil }))
	assert.True(t, tbl.Delete(0, []byte("key-0"), nil))
	assert.Equal(t, 2, tbl.Len(0))

	removed := tbl.RemoveIf(func(e *model.CacheEntry) bool { return e.State() == model.StateTombstone })
	assert.Equal(t, 1, removed)

	near := []byte("near")
	_, err = tbl.Update(1, near, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		return &model.CacheEntry{Value: []byte("n"), Role: model.RoleNear}, nil
	})
	require.NoError(t, err)

	keepNear := func(e *model.CacheEntry) bool { return e.Role == model.RoleNear }
	assert.Equal(t, 2, tbl.EvictPartition(1, keepNear))
	assert.Equal(t, 1, tbl.Len(1))
	assert.Equal(t, 1, tbl.EvictPartition(1, nil))
	assert.Zero(t, tbl.Len(1))
}

func TestTable_UpdateBatch(t *testing.T) {
	tbl := New(4)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("a")}

	var committed []*model.CacheEntry
	out, err := tbl.UpdateBatch(1, keys, func(i int, cur *model.CacheEntry) (*model.CacheEntry, error) {
		if string(keys[i]) == "b" {
			return nil, nil
		}
		order := int64(1)
		if cur != nil {
			order = cur.Version.Order + 1
		}
		return &model.CacheEntry{Value: []byte(fmt.Sprint(i)), Version: model.EntryVersion{Order: order}}, nil
	}, func(staged []*model.CacheEntry) error {
		committed = staged
		return nil
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Nil(t, out[1])

	// The second write to "a" saw the first one
	assert.Equal(t, int64(2), out[2].Version.Order)
	require.Len(t, committed, 3)
	assert.Nil(t, committed[1])
	assert.Equal(t, []byte("0"), committed[0].Value)

	got := tbl.Get(1, []byte("a"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("2"), got.Value)
	assert.Nil(t, tbl.Get(1, []byte("b")))
}

func TestTable_UpdateBatchRollsBack(t *testing.T) {
	tbl := New(2)
	_, err := tbl.Update(0, []byte("a"), put("old", 1))
	require.NoError(t, err)

	keys := [][]byte{[]byte("a"), []byte("b")}
	newValue := func(i int, cur *model.CacheEntry) (*model.CacheEntry, error) {
		return &model.CacheEntry{Value: []byte("new")}, nil
	}

	_, err = tbl.UpdateBatch(0, keys, newValue, func([]*model.CacheEntry) error {
		return errors.New("store down")
	})
	require.Error(t, err)
	assert.Equal(t, []byte("old"), tbl.Get(0, []byte("a")).Value)
	assert.Nil(t, tbl.Get(0, []byte("b")))

	_, err = tbl.UpdateBatch(0, keys, func(i int, cur *model.CacheEntry) (*model.CacheEntry, error) {
		if i == 1 {
			return nil, errors.New("rejected")
		}
		return newValue(i, cur)
	}, nil)
	require.Error(t, err)
	assert.Equal(t, []byte("old"), tbl.Get(0, []byte("a")).Value)

	_, err = tbl.UpdateBatch(9, keys, newValue, nil)
	assert.Error(t, err)
}
