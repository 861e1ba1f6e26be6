package base

import (
	"encoding/binary"
	"fmt"
)

// LeafCell is one key-value entry in a leaf page. Values longer than the
// inline limit keep their tail in an overflow chain rooted at OverflowHead.
type LeafCell struct {
	Key          uint64
	Inline       []byte
	TotalLen     uint32
	OverflowHead PageID
}

// Size returns the serialized cell size, excluding its slot pointer.
func (c *LeafCell) Size() int {
	return LeafCellHeaderSize + KeySize + len(c.Inline)
}

// Leaf is a decoded leaf page: cells in strictly increasing key order plus a
// right-sibling link for B-link traversal and range scans.
//
// LEAF PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────┐
// │ Header (32 bytes): tag, cell count, right sibling           │
// ├─────────────────────────────────────────────────────────────┤
// │ Slot array: u16 offsets from page start, growing forward →  │
// ├─────────────────────────────────────────────────────────────┤
// │ free space                                                  │
// ├─────────────────────────────────────────────────────────────┤
// │ ← Cells packed backward from the page end:                  │
// │   keyLen, inlineLen, totalLen, overflowHead, key, inline    │
// └─────────────────────────────────────────────────────────────┘
type Leaf struct {
	RightSibling PageID
	Cells        []LeafCell
}

// Size returns the full serialized page size of the leaf.
func (l *Leaf) Size() int {
	n := PageHeaderSize + len(l.Cells)*SlotSize
	for i := range l.Cells {
		n += l.Cells[i].Size()
	}
	return n
}

// EncodeLeaf serializes l into buf. Slot pointers pack forward from the
// header, cell records backward from the end of the page; ErrPageOverflow
// when the two regions would collide.
func EncodeLeaf(buf []byte, l *Leaf) error {
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = PageLeaf
	binary.LittleEndian.PutUint16(buf[cellCountOffset:], uint16(len(l.Cells)))
	binary.LittleEndian.PutUint32(buf[rightSiblingOffset:], l.RightSibling)

	slotEnd := PageHeaderSize + len(l.Cells)*SlotSize
	cellStart := len(buf)
	for i := range l.Cells {
		c := &l.Cells[i]
		cellStart -= c.Size()
		if cellStart < slotEnd {
			return ErrPageOverflow
		}
		binary.LittleEndian.PutUint16(buf[PageHeaderSize+i*SlotSize:], uint16(cellStart))

		off := cellStart
		binary.LittleEndian.PutUint16(buf[off:], uint16(KeySize))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(len(c.Inline)))
		binary.LittleEndian.PutUint32(buf[off+4:], c.TotalLen)
		binary.LittleEndian.PutUint32(buf[off+8:], c.OverflowHead)
		EncodeKey(buf[off+LeafCellHeaderSize:], c.Key)
		copy(buf[off+LeafCellHeaderSize+KeySize:], c.Inline)
	}
	return nil
}

// DecodeLeaf parses a leaf page, copying cell payloads out of buf.
func DecodeLeaf(buf []byte) (*Leaf, error) {
	if buf[0] != PageLeaf {
		return nil, fmt.Errorf("%w: tag %d, want leaf", ErrCorruptPage, buf[0])
	}
	count := int(binary.LittleEndian.Uint16(buf[cellCountOffset:]))
	l := &Leaf{
		RightSibling: binary.LittleEndian.Uint32(buf[rightSiblingOffset:]),
		Cells:        make([]LeafCell, count),
	}
	slotEnd := PageHeaderSize + count*SlotSize
	if slotEnd > len(buf) {
		return nil, fmt.Errorf("%w: %d cells overrun slot array", ErrCorruptPage, count)
	}
	for i := 0; i < count; i++ {
		off := int(binary.LittleEndian.Uint16(buf[PageHeaderSize+i*SlotSize:]))
		if off < slotEnd || off+LeafCellHeaderSize+KeySize > len(buf) {
			return nil, fmt.Errorf("%w: cell offset %d out of range", ErrCorruptPage, off)
		}
		keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
		if keyLen != KeySize {
			return nil, fmt.Errorf("%w: cell key length %d", ErrInvalidKey, keyLen)
		}
		inlineLen := int(binary.LittleEndian.Uint16(buf[off+2:]))
		if off+LeafCellHeaderSize+KeySize+inlineLen > len(buf) {
			return nil, fmt.Errorf("%w: cell payload overruns page", ErrCorruptPage)
		}
		c := &l.Cells[i]
		c.TotalLen = binary.LittleEndian.Uint32(buf[off+4:])
		c.OverflowHead = binary.LittleEndian.Uint32(buf[off+8:])
		c.Key = DecodeKey(buf[off+LeafCellHeaderSize:])
		c.Inline = make([]byte, inlineLen)
		copy(c.Inline, buf[off+LeafCellHeaderSize+KeySize:])
		if i > 0 && l.Cells[i-1].Key >= c.Key {
			return nil, fmt.Errorf("%w: leaf keys not strictly increasing", ErrCorruptPage)
		}
	}
	return l, nil
}
