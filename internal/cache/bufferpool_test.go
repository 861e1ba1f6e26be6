package cache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bpstore/internal/base"
	"bpstore/internal/pager"
	"bpstore/internal/storage"
	"bpstore/internal/wal"
)

const testPageSize = 512

func openTestPool(t *testing.T, capacity int, policy Policy) (*BufferPool, *pager.PageStore, *wal.WAL) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.OpenFile(filepath.Join(dir, "data.db"), testPageSize)
	require.NoError(t, err)
	ps, err := pager.Open(store, testPageSize)
	require.NoError(t, err)
	w, err := wal.Open(filepath.Join(dir, "data.db.wal"), testPageSize, false)
	require.NoError(t, err)
	pool, err := New(ps, w, capacity, policy, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		ps.Close()
	})
	return pool, ps, w
}

// allocate pages so reads hit real file space.
func allocPages(t *testing.T, ps *pager.PageStore, n int) []base.PageID {
	t.Helper()
	ids := make([]base.PageID, n)
	for i := range ids {
		id, err := ps.AllocatePage()
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestGetPinsAndCaches(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, 1)

	buf, err := pool.Get(ids[0])
	require.NoError(t, err)
	buf[100] = 0xAB
	require.NoError(t, pool.Unpin(ids[0], true))

	// A second Get sees the same frame, not a fresh disk load.
	buf2, err := pool.Get(ids[0])
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), buf2[100])
	require.NoError(t, pool.Unpin(ids[0], false))

	stats := pool.Stats()
	require.Equal(t, uint64(1), stats.Loads)
}

func TestUnpinUnpinnedIsLockMisuse(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, 1)

	_, err := pool.Get(ids[0])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(ids[0], false))

	err = pool.Unpin(ids[0], false)
	if !errors.Is(err, base.ErrLockMisuse) {
		t.Fatalf("expected ErrLockMisuse, got %v", err)
	}
	err = pool.Unpin(9999, false)
	if !errors.Is(err, base.ErrLockMisuse) {
		t.Fatalf("expected ErrLockMisuse for unknown page, got %v", err)
	}
}

func TestFlushWritesThroughWALAndStore(t *testing.T) {
	pool, ps, w := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, 1)

	buf, err := pool.Get(ids[0])
	require.NoError(t, err)
	buf[0] = base.PageLeaf
	buf[50] = 0x77
	require.NoError(t, pool.Unpin(ids[0], true))
	require.NoError(t, pool.Flush(ids[0]))

	// On disk now.
	disk := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(ids[0], disk))
	require.Equal(t, byte(0x77), disk[50])

	// And the WAL holds the committed image.
	commits, _ := w.Counters()
	require.Equal(t, uint64(1), commits)
	size, err := w.Size()
	require.NoError(t, err)
	require.Greater(t, size, int64(wal.HeaderSize))
}

func TestEvictionFlushesVictim(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, MinCapacity+1)

	// Fill the pool with dirty, unpinned frames.
	for _, id := range ids[:MinCapacity] {
		buf, err := pool.Get(id)
		require.NoError(t, err)
		buf[10] = byte(id)
		require.NoError(t, pool.Unpin(id, true))
	}

	// One more load forces an eviction, which must flush first.
	_, err := pool.Get(ids[MinCapacity])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(ids[MinCapacity], false))

	stats := pool.Stats()
	require.Equal(t, uint64(1), stats.Evictions)
	require.GreaterOrEqual(t, stats.Flushes, uint64(1))

	// The evicted page is the least recently used: ids[0].
	disk := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(ids[0], disk))
	require.Equal(t, byte(ids[0]), disk[10])
}

func TestAllPinnedIsPoolExhausted(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, MinCapacity+1)

	for _, id := range ids[:MinCapacity] {
		_, err := pool.Get(id)
		require.NoError(t, err)
	}

	_, err := pool.Get(ids[MinCapacity])
	if !errors.Is(err, base.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	for _, id := range ids[:MinCapacity] {
		require.NoError(t, pool.Unpin(id, false))
	}
}

func TestClockEvictionSkipsPinned(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, Clock)
	ids := allocPages(t, ps, MinCapacity+1)

	// Pin the first frame, leave the rest unpinned.
	_, err := pool.Get(ids[0])
	require.NoError(t, err)
	for _, id := range ids[1:MinCapacity] {
		_, err := pool.Get(id)
		require.NoError(t, err)
		require.NoError(t, pool.Unpin(id, false))
	}

	_, err = pool.Get(ids[MinCapacity])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(ids[MinCapacity], false))

	// The pinned frame survived; the clock hand passed over it.
	buf, err := pool.Get(ids[0])
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, pool.Unpin(ids[0], false))
	require.NoError(t, pool.Unpin(ids[0], false))
}

func TestDropPinnedIsLockMisuse(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, 1)

	_, err := pool.Get(ids[0])
	require.NoError(t, err)

	err = pool.Drop(ids[0])
	if !errors.Is(err, base.ErrLockMisuse) {
		t.Fatalf("expected ErrLockMisuse, got %v", err)
	}
	require.NoError(t, pool.Unpin(ids[0], false))
	require.NoError(t, pool.Drop(ids[0]))
}

func TestFlushAllClearsDirtyFrames(t *testing.T) {
	pool, ps, _ := openTestPool(t, MinCapacity, LRU)
	ids := allocPages(t, ps, 3)

	for i, id := range ids {
		buf, err := pool.Get(id)
		require.NoError(t, err)
		buf[20] = byte(i + 1)
		require.NoError(t, pool.Unpin(id, true))
	}
	require.NoError(t, pool.FlushAll())

	disk := make([]byte, testPageSize)
	for i, id := range ids {
		require.NoError(t, ps.ReadPage(id, disk))
		require.Equal(t, byte(i+1), disk[20])
	}

	// A second FlushAll has nothing to do.
	before := pool.Stats().Flushes
	require.NoError(t, pool.FlushAll())
	require.Equal(t, before, pool.Stats().Flushes)
}

func TestReadTierServesEvictedPages(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenFile(filepath.Join(dir, "data.db"), testPageSize)
	require.NoError(t, err)
	ps, err := pager.Open(store, testPageSize)
	require.NoError(t, err)
	w, err := wal.Open(filepath.Join(dir, "data.db.wal"), testPageSize, false)
	require.NoError(t, err)
	defer func() {
		w.Close()
		ps.Close()
	}()

	pool, err := New(ps, w, MinCapacity, LRU, 64)
	require.NoError(t, err)

	ids := allocPages(t, ps, MinCapacity+1)
	for _, id := range ids {
		buf, err := pool.Get(id)
		require.NoError(t, err)
		buf[30] = byte(id)
		require.NoError(t, pool.Unpin(id, true))
	}

	// ids[0] was evicted into the read tier; getting it back still returns
	// the flushed content.
	buf, err := pool.Get(ids[0])
	require.NoError(t, err)
	require.Equal(t, byte(ids[0]), buf[30])
	require.NoError(t, pool.Unpin(ids[0], false))
}
