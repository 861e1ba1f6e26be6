package bpstore

import (
	"bpstore/internal/base"
)

// deleteLocked removes key under the coordinator write lock, reporting
// whether it existed, and rebalances the leaf and its ancestors.
func (db *DB) deleteLocked(key uint64) (bool, error) {
	var g latchGroup
	defer g.releaseAll()

	path, leafPage, leaf, err := db.writeDescend(key, &g)
	if err != nil {
		return false, err
	}
	idx, found := leafSearch(leaf, key)
	if !found {
		return false, nil
	}

	if head := leaf.Cells[idx].OverflowHead; head != 0 {
		if err := db.overflow.freeChain(head); err != nil {
			return false, err
		}
	}
	leaf.Cells = append(leaf.Cells[:idx], leaf.Cells[idx+1:]...)
	if idx == 0 && len(leaf.Cells) > 0 {
		if err := db.updateParentSeparator(path, leaf.Cells[0].Key); err != nil {
			return false, err
		}
	}
	if err := db.storeLeaf(leafPage, leaf); err != nil {
		return false, err
	}
	if err := db.pager.UpdateMeta(func(m *base.Meta) { m.KeyCount-- }); err != nil {
		return false, err
	}

	if err := db.rebalanceLeaf(path, leafPage, leaf, &g); err != nil {
		return false, err
	}
	if err := db.rebalanceInternals(path, &g); err != nil {
		return false, err
	}
	return true, db.collapseRoot(path)
}

// siblingPages returns the pages flanking child childIdx under parent, 0
// when absent.
func siblingPages(parent *pathEntry) (left, right base.PageID) {
	node := parent.node
	if parent.childIdx > 0 {
		if parent.childIdx == 1 {
			left = node.LeftChild
		} else {
			left = node.Cells[parent.childIdx-2].Child
		}
	}
	if parent.childIdx < len(node.Cells) {
		right = node.Cells[parent.childIdx].Child
	}
	return left, right
}

// rebalanceLeaf restores the minimum occupancy of a leaf after a delete:
// borrow from a sibling when it can spare a cell, otherwise merge, always
// preferring the left neighbor. Every move is size-guarded; a leaf that can
// neither borrow nor merge stays under-full.
func (db *DB) rebalanceLeaf(path []pathEntry, leafPage base.PageID, leaf *base.Leaf, g *latchGroup) error {
	if len(path) == 0 {
		return nil // the root leaf has no minimum
	}
	minCells := base.MinLeafCells(db.pageSize)
	if len(leaf.Cells) >= minCells {
		return nil
	}

	parent := &path[len(path)-1]
	leftPage, rightPage := siblingPages(parent)

	if leftPage != 0 {
		g.add(db.latches.Exclusive(leftPage))
		left, err := db.loadLeaf(leftPage)
		if err != nil {
			return err
		}
		if len(left.Cells) > minCells {
			moved := left.Cells[len(left.Cells)-1]
			if leaf.Size()+base.SlotSize+moved.Size() <= db.pageSize {
				left.Cells = left.Cells[:len(left.Cells)-1]
				leaf.Cells = append([]base.LeafCell{moved}, leaf.Cells...)
				parent.node.Cells[parent.childIdx-1].Key = moved.Key
				if err := db.storeLeaf(leftPage, left); err != nil {
					return err
				}
				if err := db.storeLeaf(leafPage, leaf); err != nil {
					return err
				}
				return db.storeInternal(parent.page, parent.node)
			}
		}
	}

	if rightPage != 0 {
		g.add(db.latches.Exclusive(rightPage))
		right, err := db.loadLeaf(rightPage)
		if err != nil {
			return err
		}
		if len(right.Cells) > minCells {
			moved := right.Cells[0]
			if leaf.Size()+base.SlotSize+moved.Size() <= db.pageSize {
				right.Cells = right.Cells[1:]
				leaf.Cells = append(leaf.Cells, moved)
				parent.node.Cells[parent.childIdx].Key = right.Cells[0].Key
				if err := db.storeLeaf(rightPage, right); err != nil {
					return err
				}
				if err := db.storeLeaf(leafPage, leaf); err != nil {
					return err
				}
				return db.storeInternal(parent.page, parent.node)
			}
		}
	}

	if leftPage != 0 {
		left, err := db.loadLeaf(leftPage)
		if err != nil {
			return err
		}
		if left.Size()+leaf.Size()-base.PageHeaderSize <= db.pageSize {
			left.Cells = append(left.Cells, leaf.Cells...)
			left.RightSibling = leaf.RightSibling
			if err := db.storeLeaf(leftPage, left); err != nil {
				return err
			}
			if err := db.freeTreePage(leafPage); err != nil {
				return err
			}
			parent.node.Cells = append(parent.node.Cells[:parent.childIdx-1], parent.node.Cells[parent.childIdx:]...)
			parent.childIdx--
			return db.storeInternal(parent.page, parent.node)
		}
	}

	if rightPage != 0 {
		right, err := db.loadLeaf(rightPage)
		if err != nil {
			return err
		}
		if leaf.Size()+right.Size()-base.PageHeaderSize <= db.pageSize {
			leaf.Cells = append(leaf.Cells, right.Cells...)
			leaf.RightSibling = right.RightSibling
			if err := db.storeLeaf(leafPage, leaf); err != nil {
				return err
			}
			if err := db.freeTreePage(rightPage); err != nil {
				return err
			}
			parent.node.Cells = append(parent.node.Cells[:parent.childIdx], parent.node.Cells[parent.childIdx+1:]...)
			return db.storeInternal(parent.page, parent.node)
		}
	}
	return nil
}

// rebalanceInternals walks the path bottom-up. A node at or above the
// minimum stops the walk; a borrow rotates a separator through the parent;
// a merge concatenates siblings around the parent separator and continues
// upward.
func (db *DB) rebalanceInternals(path []pathEntry, g *latchGroup) error {
	minKeys := base.MinInternalKeys(db.pageSize)
	maxKeys := base.MaxInternalKeys(db.pageSize)

	for level := len(path) - 1; level > 0; level-- {
		entry := &path[level]
		if len(entry.node.Cells) >= minKeys {
			return nil
		}
		parent := &path[level-1]
		leftPage, rightPage := siblingPages(parent)

		if leftPage != 0 {
			g.add(db.latches.Exclusive(leftPage))
			left, err := db.loadInternal(leftPage)
			if err != nil {
				return err
			}
			if len(left.Cells) > minKeys {
				// Rotate: the parent separator descends, the sibling's last
				// separator ascends, its last child changes sides.
				sep := &parent.node.Cells[parent.childIdx-1]
				last := left.Cells[len(left.Cells)-1]
				entry.node.Cells = append([]base.InternalCell{{Key: sep.Key, Child: entry.node.LeftChild}}, entry.node.Cells...)
				entry.node.LeftChild = last.Child
				sep.Key = last.Key
				left.Cells = left.Cells[:len(left.Cells)-1]
				if err := db.storeInternal(leftPage, left); err != nil {
					return err
				}
				if err := db.storeInternal(entry.page, entry.node); err != nil {
					return err
				}
				return db.storeInternal(parent.page, parent.node)
			}
		}

		if rightPage != 0 {
			g.add(db.latches.Exclusive(rightPage))
			right, err := db.loadInternal(rightPage)
			if err != nil {
				return err
			}
			if len(right.Cells) > minKeys {
				sep := &parent.node.Cells[parent.childIdx]
				entry.node.Cells = append(entry.node.Cells, base.InternalCell{Key: sep.Key, Child: right.LeftChild})
				right.LeftChild = right.Cells[0].Child
				sep.Key = right.Cells[0].Key
				right.Cells = right.Cells[1:]
				if err := db.storeInternal(rightPage, right); err != nil {
					return err
				}
				if err := db.storeInternal(entry.page, entry.node); err != nil {
					return err
				}
				return db.storeInternal(parent.page, parent.node)
			}
		}

		merged := false
		if leftPage != 0 {
			left, err := db.loadInternal(leftPage)
			if err != nil {
				return err
			}
			if len(left.Cells)+1+len(entry.node.Cells) <= maxKeys {
				sep := parent.node.Cells[parent.childIdx-1]
				left.Cells = append(left.Cells, base.InternalCell{Key: sep.Key, Child: entry.node.LeftChild})
				left.Cells = append(left.Cells, entry.node.Cells...)
				left.RightSibling = entry.node.RightSibling
				if err := db.storeInternal(leftPage, left); err != nil {
					return err
				}
				if err := db.freeTreePage(entry.page); err != nil {
					return err
				}
				parent.node.Cells = append(parent.node.Cells[:parent.childIdx-1], parent.node.Cells[parent.childIdx:]...)
				parent.childIdx--
				if err := db.storeInternal(parent.page, parent.node); err != nil {
					return err
				}
				merged = true
			}
		}
		if !merged && rightPage != 0 {
			right, err := db.loadInternal(rightPage)
			if err != nil {
				return err
			}
			if len(entry.node.Cells)+1+len(right.Cells) <= maxKeys {
				sep := parent.node.Cells[parent.childIdx]
				entry.node.Cells = append(entry.node.Cells, base.InternalCell{Key: sep.Key, Child: right.LeftChild})
				entry.node.Cells = append(entry.node.Cells, right.Cells...)
				entry.node.RightSibling = right.RightSibling
				if err := db.storeInternal(entry.page, entry.node); err != nil {
					return err
				}
				if err := db.freeTreePage(rightPage); err != nil {
					return err
				}
				parent.node.Cells = append(parent.node.Cells[:parent.childIdx], parent.node.Cells[parent.childIdx+1:]...)
				if err := db.storeInternal(parent.page, parent.node); err != nil {
					return err
				}
				merged = true
			}
		}
		if !merged {
			return nil
		}
	}
	return nil
}

// collapseRoot promotes the root's only child when the root runs out of
// separators, shrinking the tree by one level.
func (db *DB) collapseRoot(path []pathEntry) error {
	if len(path) == 0 {
		return nil
	}
	root := &path[0]
	if len(root.node.Cells) > 0 {
		return nil
	}
	newRoot := root.node.LeftChild
	if err := db.freeTreePage(root.page); err != nil {
		return err
	}
	return db.pager.UpdateMeta(func(m *base.Meta) {
		m.RootPage = newRoot
		m.TreeDepth--
	})
}
