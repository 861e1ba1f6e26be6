package bpstore

import (
	"fmt"

	"bpstore/internal/base"
	"bpstore/internal/cache"
	"bpstore/internal/pager"
)

// overflowStore keeps the tails of values that exceed the inline leaf
// capacity in singly-linked chains of overflow pages.
type overflowStore struct {
	pager    *pager.PageStore
	pool     *cache.BufferPool
	pageSize int
}

// allocateChain splits data into pageSize-16 chunks, writes each to a fresh
// page, and links them head to tail. Empty input allocates nothing.
func (o *overflowStore) allocateChain(data []byte) (base.PageID, error) {
	if len(data) == 0 {
		return 0, nil
	}
	capacity := base.OverflowCapacity(o.pageSize)
	count := (len(data) + capacity - 1) / capacity

	pages := make([]base.PageID, count)
	for i := range pages {
		id, err := o.pager.AllocatePage()
		if err != nil {
			return 0, err
		}
		pages[i] = id
	}

	for i := 0; i < count; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(data) {
			end = len(data)
		}
		next := base.PageID(0)
		if i+1 < count {
			next = pages[i+1]
		}
		buf, err := o.pool.Get(pages[i])
		if err != nil {
			return 0, err
		}
		eerr := base.EncodeOverflow(buf, next, data[start:end])
		if uerr := o.pool.Unpin(pages[i], eerr == nil); uerr != nil && eerr == nil {
			eerr = uerr
		}
		if eerr != nil {
			return 0, eerr
		}
	}
	return pages[0], nil
}

// readChain follows next pointers from head until totalLen bytes have been
// collected. A chain that ends early is truncated; a revisited page is a
// cycle and the chain is corrupt.
func (o *overflowStore) readChain(head base.PageID, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	seen := make(map[base.PageID]struct{})
	for id := head; uint32(len(out)) < totalLen; {
		if id == 0 {
			return nil, fmt.Errorf("%w: %d of %d bytes", base.ErrTruncatedChain, len(out), totalLen)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: overflow chain cycle at page %d", base.ErrCorruptPage, id)
		}
		seen[id] = struct{}{}

		buf, err := o.pool.Get(id)
		if err != nil {
			return nil, err
		}
		next, payload, derr := base.DecodeOverflow(buf)
		if derr == nil {
			remaining := int(totalLen) - len(out)
			if len(payload) > remaining {
				payload = payload[:remaining]
			}
			out = append(out, payload...)
		}
		if uerr := o.pool.Unpin(id, false); uerr != nil && derr == nil {
			derr = uerr
		}
		if derr != nil {
			return nil, derr
		}
		id = next
	}
	return out, nil
}

// freeChain returns every page of the chain to the free list.
func (o *overflowStore) freeChain(head base.PageID) error {
	seen := make(map[base.PageID]struct{})
	for id := head; id != 0; {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: overflow chain cycle at page %d", base.ErrCorruptPage, id)
		}
		seen[id] = struct{}{}

		buf, err := o.pool.Get(id)
		if err != nil {
			return err
		}
		next, _, derr := base.DecodeOverflow(buf)
		if uerr := o.pool.Unpin(id, false); uerr != nil && derr == nil {
			derr = uerr
		}
		if derr != nil {
			return derr
		}
		if err := o.pool.Drop(id); err != nil {
			return err
		}
		if err := o.pager.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
