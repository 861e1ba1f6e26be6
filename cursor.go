package bpstore

import (
	"bpstore/internal/base"
	"bpstore/internal/latch"
)

// Cursor iterates a key range in order, lazily. It keeps only the current
// leaf pinned and share-latched, and holds the coordinator read lock until
// Close, so mutations wait for draining cursors.
type Cursor struct {
	db    *DB
	end   uint64
	page  base.PageID
	leaf  *base.Leaf
	idx   int
	rel   latch.Release
	valid bool
	done  bool
}

// Range returns a cursor over [start, end], inclusive of both endpoints.
// An end below start yields an empty cursor. The caller must Close it.
func (db *DB) Range(start, end uint64) (*Cursor, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrDatabaseClosed
	}

	c := &Cursor{db: db, end: end}
	if end < start {
		return c, nil
	}
	if err := c.seek(start); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// seek positions the cursor on the first key >= start.
func (c *Cursor) seek(start uint64) error {
	page, leaf, rel, err := c.db.readDescend(start)
	if err != nil {
		return err
	}
	if _, err := c.db.pool.Get(page); err != nil {
		rel()
		return err
	}
	c.page, c.leaf, c.rel = page, leaf, rel

	idx, _ := leafSearch(leaf, start)
	c.idx = idx
	c.valid = true
	for c.idx >= len(c.leaf.Cells) {
		if err := c.advanceLeaf(); err != nil {
			return err
		}
		if !c.valid {
			return nil
		}
	}
	if c.leaf.Cells[c.idx].Key > c.end {
		c.release()
		c.valid = false
	}
	return nil
}

// advanceLeaf moves to the right sibling, swapping the pin and latch.
func (c *Cursor) advanceLeaf() error {
	next := c.leaf.RightSibling
	if next == 0 {
		c.release()
		c.valid = false
		return nil
	}
	nrel := c.db.latches.Shared(next)
	if _, err := c.db.pool.Get(next); err != nil {
		nrel()
		c.release()
		c.valid = false
		return err
	}
	c.release()
	c.page, c.rel, c.idx = next, nrel, 0

	leaf, err := c.db.loadLeaf(next)
	if err != nil {
		c.release()
		c.valid = false
		return err
	}
	c.leaf = leaf
	c.valid = true
	return nil
}

// release drops the current leaf's pin and latch, if any.
func (c *Cursor) release() {
	if c.rel != nil {
		_ = c.db.pool.Unpin(c.page, false)
		c.rel()
		c.rel = nil
	}
	c.valid = false
}

// Next yields the next pair in the range. ok is false once the range is
// exhausted; the cursor stays closed-over its read lock until Close.
func (c *Cursor) Next() (key uint64, value []byte, ok bool, err error) {
	if c.done || !c.valid {
		return 0, nil, false, nil
	}
	for c.idx >= len(c.leaf.Cells) {
		if err := c.advanceLeaf(); err != nil {
			return 0, nil, false, err
		}
		if !c.valid {
			return 0, nil, false, nil
		}
	}
	cell := &c.leaf.Cells[c.idx]
	if cell.Key > c.end {
		c.release()
		return 0, nil, false, nil
	}
	value, err = c.db.materialize(cell)
	if err != nil {
		c.release()
		return 0, nil, false, err
	}
	c.idx++
	return cell.Key, value, true, nil
}

// Close releases the leaf and the coordinator read lock. Idempotent.
func (c *Cursor) Close() {
	if c.done {
		return
	}
	c.release()
	c.done = true
	c.db.mu.RUnlock()
}

// Keys drains a range into the keys it contains, in order.
func (db *DB) Keys(start, end uint64) ([]uint64, error) {
	c, err := db.Range(start, end)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out []uint64
	for {
		k, _, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, k)
	}
}

// Values drains a range into its values, in key order.
func (db *DB) Values(start, end uint64) ([][]byte, error) {
	c, err := db.Range(start, end)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out [][]byte
	for {
		_, v, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
