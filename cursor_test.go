package bpstore

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func fillSequential(t *testing.T, db *DB, n uint64) {
	t.Helper()
	for k := uint64(0); k < n; k++ {
		require.NoError(t, db.Set(k, u32val(k)))
	}
}

func drain(t *testing.T, c *Cursor) []uint64 {
	t.Helper()
	var keys []uint64
	for {
		k, v, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		require.Equal(t, k, uint64(binary.LittleEndian.Uint32(v)))
		keys = append(keys, k)
	}
}

func TestCursorQuarters(t *testing.T) {
	db, _ := openTestDB(t, WithPageSize(512))
	fillSequential(t, db, 1000)

	seen := make(map[uint64]struct{})
	for _, bounds := range [][2]uint64{{0, 249}, {250, 499}, {500, 749}, {750, 999}} {
		c, err := db.Range(bounds[0], bounds[1])
		require.NoError(t, err)
		keys := drain(t, c)
		c.Close()

		require.Len(t, keys, 250)
		require.Equal(t, bounds[0], keys[0])
		require.Equal(t, bounds[1], keys[len(keys)-1])
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	require.Len(t, seen, 1000)
}

func TestConcurrentCursors(t *testing.T) {
	db, _ := openTestDB(t, WithPageSize(512))
	fillSequential(t, db, 1000)

	c1, err := db.Range(250, 499)
	require.NoError(t, err)
	c2, err := db.Range(500, 749)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]uint64, 2)
	for i, c := range []*Cursor{c1, c2} {
		wg.Add(1)
		go func(i int, c *Cursor) {
			defer wg.Done()
			defer c.Close()
			var keys []uint64
			for {
				k, _, ok, err := c.Next()
				if err != nil || !ok {
					break
				}
				keys = append(keys, k)
			}
			results[i] = keys
		}(i, c)
	}
	wg.Wait()

	require.Len(t, results[0], 250)
	require.Len(t, results[1], 250)
	require.Equal(t, uint64(250), results[0][0])
	require.Equal(t, uint64(500), results[1][0])
}

func TestRangeInclusiveBounds(t *testing.T) {
	db, _ := openTestDB(t)
	for _, k := range []uint64{10, 20, 30, 40} {
		require.NoError(t, db.Set(k, u32val(k)))
	}

	c, err := db.Range(20, 30)
	require.NoError(t, err)
	keys := drain(t, c)
	c.Close()
	require.Equal(t, []uint64{20, 30}, keys)

	// Bounds between stored keys.
	c, err = db.Range(11, 39)
	require.NoError(t, err)
	keys = drain(t, c)
	c.Close()
	require.Equal(t, []uint64{20, 30}, keys)
}

func TestRangeEmptyWhenEndBeforeStart(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.Set(5, u32val(5)))

	c, err := db.Range(10, 1)
	require.NoError(t, err)
	defer c.Close()

	_, _, ok, err := c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRangeOnEmptyStore(t *testing.T) {
	db, _ := openTestDB(t)

	c, err := db.Range(0, ^uint64(0))
	require.NoError(t, err)
	defer c.Close()

	_, _, ok, err := c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCursorCloseUnblocksWriter(t *testing.T) {
	db, _ := openTestDB(t)
	fillSequential(t, db, 10)

	c, err := db.Range(0, 9)
	require.NoError(t, err)
	_ = drain(t, c)
	c.Close()
	c.Close() // idempotent

	// With the cursor closed, the write lock is obtainable again.
	require.NoError(t, db.Set(100, u32val(100)))
}

func TestKeysAndValues(t *testing.T) {
	db, _ := openTestDB(t)
	for _, k := range []uint64{3, 1, 2} {
		require.NoError(t, db.Set(k, u32val(k)))
	}

	keys, err := db.Keys(0, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, keys)

	values, err := db.Values(0, 10)
	require.NoError(t, err)
	require.Len(t, values, 3)
	for i, v := range values {
		require.Equal(t, u32val(uint64(i+1)), v)
	}
}

func TestCursorSpansOverflowValues(t *testing.T) {
	db, _ := openTestDB(t, WithPageSize(512))

	big := patterned(3000)
	require.NoError(t, db.Set(1, []byte("a")))
	require.NoError(t, db.Set(2, big))
	require.NoError(t, db.Set(3, []byte("c")))

	c, err := db.Range(1, 3)
	require.NoError(t, err)
	defer c.Close()

	k, v, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), k)
	require.Equal(t, []byte("a"), v)

	k, v, ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), k)
	require.Equal(t, big, v)

	k, v, ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), k)
	require.Equal(t, []byte("c"), v)

	_, _, ok, err = c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}
