package pager

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bpstore/internal/base"
	"bpstore/internal/storage"
)

const testPageSize = 512

func openTestStore(t *testing.T) (*PageStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := storage.OpenFile(path, testPageSize)
	require.NoError(t, err)
	ps, err := Open(store, testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps, path
}

func TestInitializeFreshStore(t *testing.T) {
	ps, _ := openTestStore(t)

	meta := ps.Meta()
	require.Equal(t, uint32(testPageSize), meta.PageSize)
	require.Equal(t, base.PageID(2), meta.RootPage)
	require.Equal(t, uint32(1), meta.TreeDepth)
	require.Equal(t, uint32(3), meta.TotalPages)
	require.Equal(t, uint64(0), meta.KeyCount)
	require.Equal(t, base.PageID(0), meta.FreeHead)

	// Page 2 is a formatted empty leaf.
	buf := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(2, buf))
	leaf, err := base.DecodeLeaf(buf)
	require.NoError(t, err)
	require.Len(t, leaf.Cells, 0)
}

func TestReopenKeepsMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := storage.OpenFile(path, testPageSize)
	require.NoError(t, err)
	ps, err := Open(store, testPageSize)
	require.NoError(t, err)

	require.NoError(t, ps.UpdateMeta(func(m *base.Meta) { m.KeyCount = 55 }))
	require.NoError(t, ps.Close())

	store2, err := storage.OpenFile(path, testPageSize)
	require.NoError(t, err)
	ps2, err := Open(store2, testPageSize)
	require.NoError(t, err)
	defer ps2.Close()
	require.Equal(t, uint64(55), ps2.Meta().KeyCount)
}

func TestOpenRejectsPageSizeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := storage.OpenFile(path, testPageSize)
	require.NoError(t, err)
	ps, err := Open(store, testPageSize)
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	store2, err := storage.OpenFile(path, 1024)
	require.NoError(t, err)
	defer store2.Close()
	_, err = Open(store2, 1024)
	if !errors.Is(err, base.ErrCorruptPage) {
		t.Fatalf("expected ErrCorruptPage on page size change, got %v", err)
	}
}

func TestAllocateBumpsAndZeroes(t *testing.T) {
	ps, _ := openTestStore(t)

	id, err := ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, base.PageID(3), id)
	require.Equal(t, uint32(4), ps.Meta().TotalPages)

	buf := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(id, buf))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestFreeThenAllocateReusesHead(t *testing.T) {
	ps, _ := openTestStore(t)

	a, err := ps.AllocatePage()
	require.NoError(t, err)
	b, err := ps.AllocatePage()
	require.NoError(t, err)

	require.NoError(t, ps.FreePage(a))
	require.NoError(t, ps.FreePage(b))
	require.Equal(t, b, ps.Meta().FreeHead)

	// LIFO: the most recently freed page comes back first.
	got, err := ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, b, got)
	require.Equal(t, a, ps.Meta().FreeHead)

	got, err = ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, got)
	require.Equal(t, base.PageID(0), ps.Meta().FreeHead)
}

func TestCollectFreePages(t *testing.T) {
	ps, _ := openTestStore(t)

	var ids []base.PageID
	for i := 0; i < 5; i++ {
		id, err := ps.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, ps.FreePage(ids[1]))
	require.NoError(t, ps.FreePage(ids[3]))

	free, err := ps.CollectFreePages()
	require.NoError(t, err)
	require.Len(t, free, 2)
	require.Contains(t, free, ids[1])
	require.Contains(t, free, ids[3])
}

func TestCollectDetectsCycle(t *testing.T) {
	ps, _ := openTestStore(t)

	a, err := ps.AllocatePage()
	require.NoError(t, err)
	b, err := ps.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, ps.FreePage(a))
	require.NoError(t, ps.FreePage(b))

	// Point a back at b, closing the loop b -> a -> b.
	buf := make([]byte, testPageSize)
	binary.LittleEndian.PutUint32(buf[0:4], b)
	require.NoError(t, ps.WritePage(a, buf))

	_, err = ps.CollectFreePages()
	if !errors.Is(err, base.ErrCorruptFreeList) {
		t.Fatalf("expected ErrCorruptFreeList, got %v", err)
	}
}

func TestVacuumReclaimsTrailingPages(t *testing.T) {
	ps, _ := openTestStore(t)

	var ids []base.PageID
	for i := 0; i < 6; i++ {
		id, err := ps.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Free an interior page and the trailing three.
	require.NoError(t, ps.FreePage(ids[0]))
	require.NoError(t, ps.FreePage(ids[5]))
	require.NoError(t, ps.FreePage(ids[4]))
	require.NoError(t, ps.FreePage(ids[3]))

	reclaimed, remaining, err := ps.Vacuum()
	require.NoError(t, err)
	require.Equal(t, 3, reclaimed)
	require.Equal(t, 1, remaining)
	require.Equal(t, uint32(6), ps.Meta().TotalPages)

	// The surviving free page is still allocatable.
	got, err := ps.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, ids[0], got)

	// Idempotent: nothing left to reclaim.
	reclaimed, _, err = ps.Vacuum()
	require.NoError(t, err)
	require.Zero(t, reclaimed)
}
