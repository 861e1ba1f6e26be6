package bpstore

import (
	"math"

	"bpstore/internal/base"
	"bpstore/internal/latch"
)

// readDescend walks from the root to the leaf that must contain key, taking
// shared latches crab-style: the child latch is acquired before the parent
// latch is released.
//
// At each internal level a B-link move-right applies: when every separator
// is at or below the search key and the right sibling's first separator is
// too, the traversal shifts to the sibling at the same level. This tolerates
// a split whose separator has not yet reached the parent. The leaf level
// moves right while the leaf's high key is below the search key.
func (db *DB) readDescend(key uint64) (base.PageID, *base.Leaf, latch.Release, error) {
	meta := db.pager.Meta()
	page := meta.RootPage
	rel := db.latches.Shared(page)

	for level := meta.TreeDepth; level > 1; level-- {
		node, err := db.loadInternal(page)
		if err != nil {
			rel()
			return 0, nil, nil, err
		}

		for node.RightSibling != 0 && len(node.Cells) > 0 && key >= node.Cells[len(node.Cells)-1].Key {
			sib, err := db.loadInternal(node.RightSibling)
			if err != nil {
				rel()
				return 0, nil, nil, err
			}
			if len(sib.Cells) == 0 || key < sib.Cells[0].Key {
				break
			}
			next := node.RightSibling
			nrel := db.latches.Shared(next)
			rel()
			rel = nrel
			page, node = next, sib
		}

		child, _ := childFor(node, key)
		crel := db.latches.Shared(child)
		rel()
		rel = crel
		page = child
	}

	leaf, err := db.loadLeaf(page)
	if err != nil {
		rel()
		return 0, nil, nil, err
	}
	for leaf.RightSibling != 0 && len(leaf.Cells) > 0 && leaf.Cells[len(leaf.Cells)-1].Key < key {
		next := leaf.RightSibling
		nrel := db.latches.Shared(next)
		rel()
		rel = nrel
		page = next
		if leaf, err = db.loadLeaf(page); err != nil {
			rel()
			return 0, nil, nil, err
		}
	}
	return page, leaf, rel, nil
}

// writeDescend walks to the target leaf holding exclusive latches on the
// whole path; they are released only when the mutation, including any split
// or merge propagation, is complete.
func (db *DB) writeDescend(key uint64, g *latchGroup) ([]pathEntry, base.PageID, *base.Leaf, error) {
	meta := db.pager.Meta()
	page := meta.RootPage
	g.add(db.latches.Exclusive(page))

	var path []pathEntry
	for level := meta.TreeDepth; level > 1; level-- {
		node, err := db.loadInternal(page)
		if err != nil {
			return nil, 0, nil, err
		}
		child, idx := childFor(node, key)
		path = append(path, pathEntry{page: page, node: node, childIdx: idx})
		g.add(db.latches.Exclusive(child))
		page = child
	}

	leaf, err := db.loadLeaf(page)
	if err != nil {
		return nil, 0, nil, err
	}
	return path, page, leaf, nil
}

// materialize reconstructs a cell's value: the inline prefix plus, when an
// overflow chain is present, its remainder.
func (db *DB) materialize(c *base.LeafCell) ([]byte, error) {
	if c.OverflowHead == 0 {
		n := int(c.TotalLen)
		if n > len(c.Inline) {
			n = len(c.Inline)
		}
		out := make([]byte, n)
		copy(out, c.Inline)
		return out, nil
	}
	rest, err := db.overflow.readChain(c.OverflowHead, c.TotalLen-uint32(len(c.Inline)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.TotalLen)
	out = append(out, c.Inline...)
	return append(out, rest...), nil
}

// makeCell builds a leaf cell for value, spilling anything beyond the inline
// limit into a fresh overflow chain.
func (db *DB) makeCell(key uint64, value []byte) (base.LeafCell, error) {
	cell := base.LeafCell{Key: key, TotalLen: uint32(len(value))}
	maxInline := base.MaxInlineValue(db.pageSize)
	if len(value) <= maxInline {
		cell.Inline = append([]byte(nil), value...)
		return cell, nil
	}
	head, err := db.overflow.allocateChain(value[maxInline:])
	if err != nil {
		return base.LeafCell{}, err
	}
	cell.Inline = append([]byte(nil), value[:maxInline]...)
	cell.OverflowHead = head
	return cell, nil
}

// insertLocked performs one set under the coordinator write lock. Overwrites
// free the previous value's overflow chain and leave the key count alone.
func (db *DB) insertLocked(key uint64, value []byte) error {
	if int64(len(value)) > math.MaxUint32 {
		return ErrValueTooLarge
	}

	var g latchGroup
	defer g.releaseAll()

	path, leafPage, leaf, err := db.writeDescend(key, &g)
	if err != nil {
		return err
	}

	idx, found := leafSearch(leaf, key)
	if found {
		if head := leaf.Cells[idx].OverflowHead; head != 0 {
			if err := db.overflow.freeChain(head); err != nil {
				return err
			}
		}
		cell, err := db.makeCell(key, value)
		if err != nil {
			return err
		}
		leaf.Cells[idx] = cell
	} else {
		cell, err := db.makeCell(key, value)
		if err != nil {
			return err
		}
		leaf.Cells = append(leaf.Cells, base.LeafCell{})
		copy(leaf.Cells[idx+1:], leaf.Cells[idx:])
		leaf.Cells[idx] = cell
		if idx == 0 {
			if err := db.updateParentSeparator(path, key); err != nil {
				return err
			}
		}
		if err := db.pager.UpdateMeta(func(m *base.Meta) { m.KeyCount++ }); err != nil {
			return err
		}
	}

	if leaf.Size() > db.pageSize {
		return db.splitLeaf(path, leafPage, leaf)
	}
	return db.storeLeaf(leafPage, leaf)
}

// updateParentSeparator rewrites the separator guarding the descent's leaf
// after its minimum key changed. A leaf reached through LeftChild has no
// separator to maintain.
func (db *DB) updateParentSeparator(path []pathEntry, newMin uint64) error {
	if len(path) == 0 {
		return nil
	}
	parent := &path[len(path)-1]
	if parent.childIdx == 0 {
		return nil
	}
	parent.node.Cells[parent.childIdx-1].Key = newMin
	return db.storeInternal(parent.page, parent.node)
}

// splitLeaf divides an oversized leaf at the cell where the accumulated
// serialized size crosses half the total, then propagates the new page's
// first key upward.
func (db *DB) splitLeaf(path []pathEntry, leafPage base.PageID, leaf *base.Leaf) error {
	total := 0
	for i := range leaf.Cells {
		total += base.SlotSize + leaf.Cells[i].Size()
	}
	splitIdx, acc := 0, 0
	for i := range leaf.Cells {
		acc += base.SlotSize + leaf.Cells[i].Size()
		if acc >= total/2 {
			splitIdx = i + 1
			break
		}
	}
	if splitIdx < 1 {
		splitIdx = 1
	}
	if splitIdx >= len(leaf.Cells) {
		splitIdx = len(leaf.Cells) - 1
	}

	newID, err := db.pager.AllocatePage()
	if err != nil {
		return err
	}
	right := &base.Leaf{
		RightSibling: leaf.RightSibling,
		Cells:        append([]base.LeafCell(nil), leaf.Cells[splitIdx:]...),
	}
	leaf.Cells = leaf.Cells[:splitIdx]
	leaf.RightSibling = newID

	if err := db.storeLeaf(newID, right); err != nil {
		return err
	}
	if err := db.storeLeaf(leafPage, leaf); err != nil {
		return err
	}
	return db.propagateSplit(path, len(path)-1, leafPage, right.Cells[0].Key, newID)
}

// propagateSplit inserts (key, rightPage) into the node at path[level],
// splitting upward as needed. Above the root a new root is allocated and the
// tree grows one level.
func (db *DB) propagateSplit(path []pathEntry, level int, leftPage base.PageID, key uint64, rightPage base.PageID) error {
	if level < 0 {
		rootID, err := db.pager.AllocatePage()
		if err != nil {
			return err
		}
		root := &base.Internal{
			LeftChild: leftPage,
			Cells:     []base.InternalCell{{Key: key, Child: rightPage}},
		}
		if err := db.storeInternal(rootID, root); err != nil {
			return err
		}
		return db.pager.UpdateMeta(func(m *base.Meta) {
			m.RootPage = rootID
			m.TreeDepth++
		})
	}

	entry := &path[level]
	node := entry.node

	pos := len(node.Cells)
	for i := range node.Cells {
		if node.Cells[i].Key > key {
			pos = i
			break
		}
	}
	node.Cells = append(node.Cells, base.InternalCell{})
	copy(node.Cells[pos+1:], node.Cells[pos:])
	node.Cells[pos] = base.InternalCell{Key: key, Child: rightPage}

	if len(node.Cells) <= base.MaxInternalKeys(db.pageSize) {
		return db.storeInternal(entry.page, node)
	}

	// Split at ceil(n/2)-1; the median separator moves up, its child becomes
	// the new node's left child.
	n := len(node.Cells)
	m := (n+1)/2 - 1
	median := node.Cells[m]

	newID, err := db.pager.AllocatePage()
	if err != nil {
		return err
	}
	right := &base.Internal{
		RightSibling: node.RightSibling,
		LeftChild:    median.Child,
		Cells:        append([]base.InternalCell(nil), node.Cells[m+1:]...),
	}
	node.Cells = node.Cells[:m]
	node.RightSibling = newID

	if err := db.storeInternal(newID, right); err != nil {
		return err
	}
	if err := db.storeInternal(entry.page, node); err != nil {
		return err
	}
	return db.propagateSplit(path, level-1, entry.page, median.Key, newID)
}
