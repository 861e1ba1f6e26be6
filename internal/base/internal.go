package base

import (
	"encoding/binary"
	"fmt"
)

// InternalCell routes keys in [Key, nextKey) to Child.
type InternalCell struct {
	Key   uint64
	Child PageID
}

// Internal is a decoded internal page. Keys strictly less than the first
// separator live under LeftChild; RightSibling links nodes at the same level
// for B-link traversal.
//
// INTERNAL PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────┐
// │ Header (32 bytes): tag, cell count, right sibling           │
// ├─────────────────────────────────────────────────────────────┤
// │ LeftChild (4 bytes)                                         │
// ├─────────────────────────────────────────────────────────────┤
// │ Cells (12 bytes each): key (8, big-endian), child (4)       │
// └─────────────────────────────────────────────────────────────┘
type Internal struct {
	RightSibling PageID
	LeftChild    PageID
	Cells        []InternalCell
}

// EncodeInternal serializes n into buf.
func EncodeInternal(buf []byte, n *Internal) error {
	if internalCellsOffset+len(n.Cells)*InternalCellSize > len(buf) {
		return ErrPageOverflow
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = PageInternal
	binary.LittleEndian.PutUint16(buf[cellCountOffset:], uint16(len(n.Cells)))
	binary.LittleEndian.PutUint32(buf[rightSiblingOffset:], n.RightSibling)
	binary.LittleEndian.PutUint32(buf[leftChildOffset:], n.LeftChild)
	for i := range n.Cells {
		off := internalCellsOffset + i*InternalCellSize
		EncodeKey(buf[off:], n.Cells[i].Key)
		binary.LittleEndian.PutUint32(buf[off+KeySize:], n.Cells[i].Child)
	}
	return nil
}

// DecodeInternal parses an internal page.
func DecodeInternal(buf []byte) (*Internal, error) {
	if buf[0] != PageInternal {
		return nil, fmt.Errorf("%w: tag %d, want internal", ErrCorruptPage, buf[0])
	}
	count := int(binary.LittleEndian.Uint16(buf[cellCountOffset:]))
	if internalCellsOffset+count*InternalCellSize > len(buf) {
		return nil, fmt.Errorf("%w: %d cells overrun page", ErrCorruptPage, count)
	}
	n := &Internal{
		RightSibling: binary.LittleEndian.Uint32(buf[rightSiblingOffset:]),
		LeftChild:    binary.LittleEndian.Uint32(buf[leftChildOffset:]),
		Cells:        make([]InternalCell, count),
	}
	for i := 0; i < count; i++ {
		off := internalCellsOffset + i*InternalCellSize
		n.Cells[i].Key = DecodeKey(buf[off:])
		n.Cells[i].Child = binary.LittleEndian.Uint32(buf[off+KeySize:])
		if i > 0 && n.Cells[i-1].Key >= n.Cells[i].Key {
			return nil, fmt.Errorf("%w: separators not strictly increasing", ErrCorruptPage)
		}
	}
	return n, nil
}
