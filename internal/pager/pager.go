// Package pager owns the meta page, page allocation, and the persistent
// free list.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"bpstore/internal/base"
	"bpstore/internal/storage"
)

// FirstDataPage is the lowest allocatable page: 0 is meta, 1 is reserved,
// 2 is the initial root leaf.
const FirstDataPage base.PageID = 3

// PageStore wraps a storage.Store with meta-page ownership and allocation.
// Meta writes are immediate, never buffered.
type PageStore struct {
	mu       sync.Mutex
	store    storage.Store
	pageSize int
	meta     base.Meta

	allocated atomic.Uint64
	freed     atomic.Uint64
}

// Open loads the meta page, initializing a fresh store when the magic is
// absent. A decoded page size different from the configured one fails: the
// page size is immutable after first open.
func Open(store storage.Store, pageSize int) (*PageStore, error) {
	ps := &PageStore{store: store, pageSize: pageSize}

	buf := make([]byte, pageSize)
	count, err := store.PageCount()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		if err := store.ReadPage(0, buf); err != nil {
			return nil, err
		}
	}

	meta, err := base.DecodeMeta(buf)
	switch {
	case err == nil:
		if int(meta.PageSize) != pageSize {
			return nil, fmt.Errorf("%w: file page size %d, configured %d",
				base.ErrCorruptPage, meta.PageSize, pageSize)
		}
		if meta.TreeDepth < 1 || meta.TotalPages < 3 || meta.RootPage >= meta.TotalPages {
			return nil, fmt.Errorf("%w: implausible meta (root=%d depth=%d pages=%d)",
				base.ErrCorruptPage, meta.RootPage, meta.TreeDepth, meta.TotalPages)
		}
		ps.meta = *meta
		return ps, nil
	case errors.Is(err, base.ErrInvalidMagic):
		if err := ps.initialize(); err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, err
	}
}

// initialize writes a fresh meta page, zeroes the reserved page, and formats
// page 2 as an empty root leaf.
func (p *PageStore) initialize() error {
	p.meta = base.Meta{
		PageSize:   uint32(p.pageSize),
		RootPage:   2,
		TreeDepth:  1,
		TotalPages: 3,
		KeyCount:   0,
		FreeHead:   0,
	}
	if err := p.writeMetaLocked(); err != nil {
		return err
	}
	buf := make([]byte, p.pageSize)
	if err := p.store.WritePage(1, buf); err != nil {
		return err
	}
	if err := base.EncodeLeaf(buf, &base.Leaf{}); err != nil {
		return err
	}
	if err := p.store.WritePage(2, buf); err != nil {
		return err
	}
	return p.store.Sync()
}

// Reset reformats the store to its three-page initial state. Used by
// defragment after the live entries have been collected.
func (p *PageStore) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.TruncatePages(3); err != nil {
		return err
	}
	return p.initialize()
}

// Meta returns a copy of the current meta page.
func (p *PageStore) Meta() base.Meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

// UpdateMeta applies fn to the meta fields and writes page 0 through.
func (p *PageStore) UpdateMeta(fn func(*base.Meta)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.meta)
	return p.writeMetaLocked()
}

// ReloadMeta re-reads page 0 from disk, discarding the cached copy. Called
// after WAL replay may have rewritten it.
func (p *PageStore) ReloadMeta() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, p.pageSize)
	if err := p.store.ReadPage(0, buf); err != nil {
		return err
	}
	meta, err := base.DecodeMeta(buf)
	if err != nil {
		return err
	}
	p.meta = *meta
	return nil
}

func (p *PageStore) writeMetaLocked() error {
	buf := make([]byte, p.pageSize)
	base.EncodeMeta(buf, &p.meta)
	return p.store.WritePage(0, buf)
}

// ReadPage reads page id into buf.
func (p *PageStore) ReadPage(id base.PageID, buf []byte) error {
	return p.store.ReadPage(id, buf)
}

// WritePage writes page id from buf.
func (p *PageStore) WritePage(id base.PageID, buf []byte) error {
	return p.store.WritePage(id, buf)
}

// AllocatePage pops the free-list head, or bumps TotalPages and zeroes the
// new page on disk. The meta page is written through either way.
func (p *PageStore) AllocatePage() (base.PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocated.Add(1)
	if head := p.meta.FreeHead; head != 0 {
		buf := make([]byte, p.pageSize)
		if err := p.store.ReadPage(head, buf); err != nil {
			return 0, err
		}
		p.meta.FreeHead = binary.LittleEndian.Uint32(buf[0:4])
		if err := p.writeMetaLocked(); err != nil {
			return 0, err
		}
		return head, nil
	}

	id := p.meta.TotalPages
	p.meta.TotalPages++
	buf := make([]byte, p.pageSize)
	if err := p.store.WritePage(id, buf); err != nil {
		return 0, err
	}
	if err := p.writeMetaLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// FreePage pushes id onto the free-list head: the successor pointer lands at
// offset 0 of the freed page.
func (p *PageStore) FreePage(id base.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, p.pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.meta.FreeHead)
	if err := p.store.WritePage(id, buf); err != nil {
		return err
	}
	p.meta.FreeHead = id
	p.freed.Add(1)
	return p.writeMetaLocked()
}

// CollectFreePages walks the free chain with a seen-set. A revisited page or
// a pointer below the data region is a corrupt chain.
func (p *PageStore) CollectFreePages() (map[base.PageID]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked()
}

func (p *PageStore) collectLocked() (map[base.PageID]struct{}, error) {
	free := make(map[base.PageID]struct{})
	buf := make([]byte, p.pageSize)
	for id := p.meta.FreeHead; id != 0; {
		if id < FirstDataPage {
			return nil, fmt.Errorf("%w: chain reaches reserved page %d", base.ErrCorruptFreeList, id)
		}
		if _, ok := free[id]; ok {
			return nil, fmt.Errorf("%w: cycle at page %d", base.ErrCorruptFreeList, id)
		}
		free[id] = struct{}{}
		if err := p.store.ReadPage(id, buf); err != nil {
			return nil, err
		}
		id = binary.LittleEndian.Uint32(buf[0:4])
	}
	return free, nil
}

// Vacuum reclaims trailing free pages: pops from the end of the file while
// the last page is free, rewrites the remaining free chain without the
// reclaimed pages, and truncates. Idempotent.
func (p *PageStore) Vacuum() (reclaimed int, remaining int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free, err := p.collectLocked()
	if err != nil {
		return 0, 0, err
	}

	for p.meta.TotalPages > 3 {
		last := p.meta.TotalPages - 1
		if _, ok := free[last]; !ok {
			break
		}
		delete(free, last)
		p.meta.TotalPages--
		reclaimed++
	}
	if reclaimed == 0 {
		return 0, len(free), nil
	}

	// Rewrite the persistent chain from the surviving set.
	buf := make([]byte, p.pageSize)
	next := base.PageID(0)
	for id := range free {
		binary.LittleEndian.PutUint32(buf[0:4], next)
		if err := p.store.WritePage(id, buf); err != nil {
			return 0, 0, err
		}
		next = id
	}
	p.meta.FreeHead = next
	if err := p.writeMetaLocked(); err != nil {
		return 0, 0, err
	}
	if err := p.store.TruncatePages(p.meta.TotalPages); err != nil {
		return 0, 0, err
	}
	if err := p.store.Sync(); err != nil {
		return 0, 0, err
	}
	return reclaimed, len(free), nil
}

// Sync flushes the underlying store.
func (p *PageStore) Sync() error {
	return p.store.Sync()
}

// Close syncs and closes the underlying store.
func (p *PageStore) Close() error {
	if err := p.store.Sync(); err != nil {
		p.store.Close()
		return err
	}
	return p.store.Close()
}

// PageSize returns the configured page size.
func (p *PageStore) PageSize() int {
	return p.pageSize
}

// Counters returns pages allocated and freed since open.
func (p *PageStore) Counters() (allocated, freed uint64) {
	return p.allocated.Load(), p.freed.Load()
}
