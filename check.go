package bpstore

import (
	"bpstore/internal/base"
)

// Check verifies the structural invariants of the tree: page types match
// their depth, no page is reachable twice, keys and separators are ordered
// and within their subtree bounds, and the cells across all leaves add up
// to the meta key count. It reports false on a violation; an error means
// the walk itself failed.
func (db *DB) Check() (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false, ErrDatabaseClosed
	}

	meta := db.pager.Meta()
	visited := make(map[base.PageID]struct{})

	count, ok, err := db.checkSubtree(meta.RootPage, meta.TreeDepth, 0, ^uint64(0), visited)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return count == meta.KeyCount, nil
}

// checkSubtree walks the subtree at page, expected at the given level
// (1 = leaf), with all keys in [low, high].
func (db *DB) checkSubtree(page base.PageID, level uint32, low, high uint64, visited map[base.PageID]struct{}) (uint64, bool, error) {
	if _, seen := visited[page]; seen {
		return 0, false, nil // cycle
	}
	visited[page] = struct{}{}

	buf, err := db.pool.Get(page)
	if err != nil {
		return 0, false, err
	}
	tag := base.PageTag(buf)
	if err := db.pool.Unpin(page, false); err != nil {
		return 0, false, err
	}

	if level == 1 {
		if tag != base.PageLeaf {
			return 0, false, nil
		}
		leaf, err := db.loadLeaf(page)
		if err != nil {
			return 0, false, err
		}
		for i := range leaf.Cells {
			if leaf.Cells[i].Key < low || leaf.Cells[i].Key > high {
				return 0, false, nil
			}
		}
		return uint64(len(leaf.Cells)), true, nil
	}

	if tag != base.PageInternal {
		return 0, false, nil
	}
	node, err := db.loadInternal(page)
	if err != nil {
		return 0, false, err
	}
	if len(node.Cells) == 0 {
		return 0, false, nil // only a mid-rebalance root may be empty
	}

	total := uint64(0)
	childLow := low
	for i := 0; i <= len(node.Cells); i++ {
		var child base.PageID
		childHigh := high
		if i == 0 {
			child = node.LeftChild
			childHigh = node.Cells[0].Key - 1
		} else {
			child = node.Cells[i-1].Child
			childLow = node.Cells[i-1].Key
			if i < len(node.Cells) {
				childHigh = node.Cells[i].Key - 1
			}
		}
		n, ok, err := db.checkSubtree(child, level-1, childLow, childHigh, visited)
		if err != nil || !ok {
			return 0, false, err
		}
		total += n
	}
	return total, true, nil
}
