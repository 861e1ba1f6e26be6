package bpstore

import (
	"bpstore/internal/base"
	"bpstore/internal/latch"
)

// pathEntry is one internal level of a descent. childIdx 0 means the
// descent took LeftChild; i > 0 means Cells[i-1].Child.
type pathEntry struct {
	page     base.PageID
	node     *base.Internal
	childIdx int
}

// latchGroup collects latch releasers so every exit path frees them in
// reverse acquisition order.
type latchGroup struct {
	rels []latch.Release
}

func (g *latchGroup) add(r latch.Release) {
	g.rels = append(g.rels, r)
}

func (g *latchGroup) releaseAll() {
	for i := len(g.rels) - 1; i >= 0; i-- {
		g.rels[i]()
	}
	g.rels = nil
}

// loadLeaf pins the page just long enough to decode it; the returned Leaf
// owns copies of all cell data.
func (db *DB) loadLeaf(id base.PageID) (*base.Leaf, error) {
	buf, err := db.pool.Get(id)
	if err != nil {
		return nil, err
	}
	l, derr := base.DecodeLeaf(buf)
	if uerr := db.pool.Unpin(id, false); uerr != nil && derr == nil {
		derr = uerr
	}
	if derr != nil {
		return nil, derr
	}
	return l, nil
}

// storeLeaf serializes l back into the page's frame and marks it dirty.
func (db *DB) storeLeaf(id base.PageID, l *base.Leaf) error {
	buf, err := db.pool.Get(id)
	if err != nil {
		return err
	}
	eerr := base.EncodeLeaf(buf, l)
	if uerr := db.pool.Unpin(id, eerr == nil); uerr != nil && eerr == nil {
		eerr = uerr
	}
	return eerr
}

func (db *DB) loadInternal(id base.PageID) (*base.Internal, error) {
	buf, err := db.pool.Get(id)
	if err != nil {
		return nil, err
	}
	n, derr := base.DecodeInternal(buf)
	if uerr := db.pool.Unpin(id, false); uerr != nil && derr == nil {
		derr = uerr
	}
	if derr != nil {
		return nil, derr
	}
	return n, nil
}

func (db *DB) storeInternal(id base.PageID, n *base.Internal) error {
	buf, err := db.pool.Get(id)
	if err != nil {
		return err
	}
	eerr := base.EncodeInternal(buf, n)
	if uerr := db.pool.Unpin(id, eerr == nil); uerr != nil && eerr == nil {
		eerr = uerr
	}
	return eerr
}

// freeTreePage drops any cached frame and returns the page to the free list.
func (db *DB) freeTreePage(id base.PageID) error {
	if err := db.pool.Drop(id); err != nil {
		return err
	}
	return db.pager.FreePage(id)
}

// childFor picks the child whose subtree must contain key: keys below the
// first separator live under LeftChild, keys in [K_i, K_{i+1}) under cell i,
// keys at or above the last separator under the last cell.
func childFor(n *base.Internal, key uint64) (base.PageID, int) {
	lo, hi := 0, len(n.Cells)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.Cells[mid].Key <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the number of separators <= key.
	if lo == 0 {
		return n.LeftChild, 0
	}
	return n.Cells[lo-1].Child, lo
}

// leafSearch locates key in the leaf: the index it occupies, or the index
// where it would be inserted.
func leafSearch(l *base.Leaf, key uint64) (int, bool) {
	lo, hi := 0, len(l.Cells)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Cells[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(l.Cells) && l.Cells[lo].Key == key
}
