// Package cache provides the pinning buffer pool between the tree and the
// page store.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"bpstore/internal/base"
	"bpstore/internal/pager"
	"bpstore/internal/wal"
)

// Policy selects the eviction strategy.
type Policy int

const (
	// LRU evicts the unpinned frame with the smallest last-access tick.
	LRU Policy = iota
	// Clock cycles a round-robin hand over the frames, skipping pinned
	// ones, giving up after two full revolutions.
	Clock
)

const MinCapacity = 8

// frame is one resident page. The pool owns the byte buffer for the
// lifetime of the frame; callers hold it only while pinned.
type frame struct {
	page       base.PageID
	buf        []byte
	dirty      bool
	pins       int
	lastAccess uint64
}

// Stats are the pool's accumulated counters.
type Stats struct {
	Loads       uint64
	Flushes     uint64
	Evictions   uint64
	MaxResident int
}

// BufferPool is a bounded pinning cache of pages. A dirty frame always
// flushes through the WAL before its on-disk bytes change.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	policy   Policy
	frames   map[base.PageID]*frame
	ring     []base.PageID // insertion order, for the clock hand
	hand     int
	tick     uint64

	pager *pager.PageStore
	wal   *wal.WAL
	reads *readCache

	loads       atomic.Uint64
	flushes     atomic.Uint64
	evictions   atomic.Uint64
	maxResident int
}

// New creates a pool of capacity frames over ps and w. readAheadPages > 0
// enables the clean-page read tier.
func New(ps *pager.PageStore, w *wal.WAL, capacity int, policy Policy, readAheadPages int) (*BufferPool, error) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	p := &BufferPool{
		capacity: capacity,
		policy:   policy,
		frames:   make(map[base.PageID]*frame),
		pager:    ps,
		wal:      w,
	}
	if readAheadPages > 0 {
		reads, err := newReadCache(readAheadPages)
		if err != nil {
			return nil, err
		}
		p.reads = reads
	}
	return p, nil
}

// Get pins the page and returns its buffer. The caller must Unpin on every
// exit path. The buffer stays valid until the matching Unpin.
func (p *BufferPool) Get(id base.PageID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[id]; ok {
		f.pins++
		p.tick++
		f.lastAccess = p.tick
		return f.buf, nil
	}

	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, p.pager.PageSize())
	if p.reads == nil || !p.reads.get(id, buf) {
		if err := p.pager.ReadPage(id, buf); err != nil {
			return nil, err
		}
	}
	p.loads.Add(1)

	p.tick++
	f := &frame{page: id, buf: buf, pins: 1, lastAccess: p.tick}
	p.frames[id] = f
	p.ring = append(p.ring, id)
	if len(p.frames) > p.maxResident {
		p.maxResident = len(p.frames)
	}
	return f.buf, nil
}

// Unpin releases one pin, optionally marking the frame dirty.
func (p *BufferPool) Unpin(id base.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok || f.pins == 0 {
		return fmt.Errorf("%w: unpin of unpinned page %d", base.ErrLockMisuse, id)
	}
	f.pins--
	f.dirty = f.dirty || dirty
	return nil
}

// Flush writes a dirty frame through the WAL (one transaction with the full
// page image) and then back to the page store, clearing the dirty bit.
func (p *BufferPool) Flush(id base.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok {
		return nil
	}
	return p.flushLocked(f)
}

func (p *BufferPool) flushLocked(f *frame) error {
	if !f.dirty {
		return nil
	}
	txID, err := p.wal.Begin()
	if err != nil {
		return err
	}
	if err := p.wal.StagePage(txID, f.page, f.buf); err != nil {
		p.wal.Rollback(txID)
		return err
	}
	if err := p.wal.Commit(txID); err != nil {
		return err
	}
	if err := p.pager.WritePage(f.page, f.buf); err != nil {
		return err
	}
	f.dirty = false
	p.flushes.Add(1)
	return nil
}

// FlushAll flushes every dirty frame, in page order for determinism.
func (p *BufferPool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]base.PageID, 0, len(p.frames))
	for id := range p.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := p.flushLocked(p.frames[id]); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked selects an unpinned victim, flushes it if dirty, and removes
// it. ErrPoolExhausted when every frame is pinned.
func (p *BufferPool) evictLocked() error {
	var victim *frame
	switch p.policy {
	case Clock:
		for i := 0; i < 2*len(p.ring); i++ {
			if p.hand >= len(p.ring) {
				p.hand = 0
			}
			f := p.frames[p.ring[p.hand]]
			p.hand++
			if f.pins == 0 {
				victim = f
				break
			}
		}
	default: // LRU
		for _, f := range p.frames {
			if f.pins != 0 {
				continue
			}
			if victim == nil || f.lastAccess < victim.lastAccess {
				victim = f
			}
		}
	}
	if victim == nil {
		return base.ErrPoolExhausted
	}
	if err := p.flushLocked(victim); err != nil {
		return err
	}
	if p.reads != nil {
		p.reads.put(victim.page, victim.buf)
	}
	p.removeLocked(victim.page)
	p.evictions.Add(1)
	return nil
}

func (p *BufferPool) removeLocked(id base.PageID) {
	delete(p.frames, id)
	for i, rid := range p.ring {
		if rid == id {
			p.ring = append(p.ring[:i], p.ring[i+1:]...)
			if p.hand > i {
				p.hand--
			}
			break
		}
	}
}

// Drop removes a frame without flushing. Used for freed pages whose content
// no longer matters. Dropping a pinned page is a caller bug.
func (p *BufferPool) Drop(id base.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok {
		if p.reads != nil {
			p.reads.remove(id)
		}
		return nil
	}
	if f.pins > 0 {
		return fmt.Errorf("%w: drop of pinned page %d", base.ErrLockMisuse, id)
	}
	p.removeLocked(id)
	if p.reads != nil {
		p.reads.remove(id)
	}
	return nil
}

// Reset discards every frame. The caller must have flushed first.
func (p *BufferPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = make(map[base.PageID]*frame)
	p.ring = nil
	p.hand = 0
	if p.reads != nil {
		p.reads.purge()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	maxResident := p.maxResident
	p.mu.Unlock()
	return Stats{
		Loads:       p.loads.Load(),
		Flushes:     p.flushes.Load(),
		Evictions:   p.evictions.Load(),
		MaxResident: maxResident,
	}
}
