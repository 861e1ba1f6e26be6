package base

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultPageSize  = 4096
	PageSizeMultiple = 512

	// Page-type tags, stored in the first header byte of every tree page.
	// The meta page is recognized by its magic string instead.
	PageMeta     uint8 = 0
	PageInternal uint8 = 1
	PageLeaf     uint8 = 2
	PageOverflow uint8 = 3

	// Tree pages carry a 32-byte header:
	// [0] tag [1] reserved [2:4] cell count [4:8] right sibling [8:32] reserved
	PageHeaderSize = 32

	// Overflow pages carry a compact 16-byte header so each chain page holds
	// pageSize-16 payload bytes:
	// [0] tag [1:4] reserved [4:8] next [8:12] length [12:16] reserved
	OverflowHeaderSize = 16

	KeySize            = 8
	SlotSize           = 2
	LeafCellHeaderSize = 12 // keyLen(2) + inlineLen(2) + totalLen(4) + overflowHead(4)
	InternalCellSize   = 12 // key(8) + child(4)

	cellCountOffset   = 2
	rightSiblingOffset = 4
	leftChildOffset   = PageHeaderSize
	internalCellsOffset = PageHeaderSize + 4
)

// PageID addresses a page within the store. Page 0 is the meta page,
// page 1 is reserved, page 2 is the initial root leaf.
type PageID = uint32

// MetaMagic identifies the data file format. Written zero-padded to 16 bytes.
var MetaMagic = []byte("BPTREE_V1")

const (
	metaMagicSize      = 16
	metaPageSizeOffset = 16
	metaRootOffset     = 20
	metaDepthOffset    = 24
	metaTotalOffset    = 28
	metaKeyCountOffset = 32
	metaFreeHeadOffset = 40
	metaChecksumOffset = 44
)

// Meta is the decoded page 0.
type Meta struct {
	PageSize   uint32
	RootPage   PageID
	TreeDepth  uint32
	TotalPages uint32
	KeyCount   uint64
	FreeHead   PageID
}

// EncodeMeta serializes m into buf (a full page). The xxhash trailer covers
// the fixed fields; DecodeMeta skips validation when the stored trailer is
// zero, as it is in files written without one.
func EncodeMeta(buf []byte, m *Meta) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:metaMagicSize], MetaMagic)
	binary.LittleEndian.PutUint32(buf[metaPageSizeOffset:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[metaRootOffset:], m.RootPage)
	binary.LittleEndian.PutUint32(buf[metaDepthOffset:], m.TreeDepth)
	binary.LittleEndian.PutUint32(buf[metaTotalOffset:], m.TotalPages)
	binary.LittleEndian.PutUint64(buf[metaKeyCountOffset:], m.KeyCount)
	binary.LittleEndian.PutUint32(buf[metaFreeHeadOffset:], m.FreeHead)
	binary.LittleEndian.PutUint64(buf[metaChecksumOffset:], xxhash.Sum64(buf[:metaChecksumOffset]))
}

// DecodeMeta parses page 0. Returns ErrInvalidMagic when the magic string is
// absent or wrong (the caller initializes a fresh store), ErrInvalidChecksum
// when a nonzero trailer does not match the fields.
func DecodeMeta(buf []byte) (*Meta, error) {
	magic := make([]byte, metaMagicSize)
	copy(magic, MetaMagic)
	if !bytes.Equal(buf[0:metaMagicSize], magic) {
		return nil, ErrInvalidMagic
	}
	if sum := binary.LittleEndian.Uint64(buf[metaChecksumOffset:]); sum != 0 {
		if sum != xxhash.Sum64(buf[:metaChecksumOffset]) {
			return nil, ErrInvalidChecksum
		}
	}
	return &Meta{
		PageSize:   binary.LittleEndian.Uint32(buf[metaPageSizeOffset:]),
		RootPage:   binary.LittleEndian.Uint32(buf[metaRootOffset:]),
		TreeDepth:  binary.LittleEndian.Uint32(buf[metaDepthOffset:]),
		TotalPages: binary.LittleEndian.Uint32(buf[metaTotalOffset:]),
		KeyCount:   binary.LittleEndian.Uint64(buf[metaKeyCountOffset:]),
		FreeHead:   binary.LittleEndian.Uint32(buf[metaFreeHeadOffset:]),
	}, nil
}

// ValidPageSize reports whether n is a positive multiple of 512.
func ValidPageSize(n int) bool {
	return n >= PageSizeMultiple && n%PageSizeMultiple == 0
}

// EncodeKey writes k big-endian so lexicographic byte order matches unsigned
// numeric order.
func EncodeKey(dst []byte, k uint64) {
	binary.BigEndian.PutUint64(dst, k)
}

// DecodeKey reads an 8-byte big-endian key.
func DecodeKey(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// ParseKey converts a raw key to its numeric form, rejecting any width other
// than 8 bytes.
func ParseKey(raw []byte) (uint64, error) {
	if len(raw) != KeySize {
		return 0, ErrInvalidKey
	}
	return binary.BigEndian.Uint64(raw), nil
}

// PageTag returns the page-type tag of a serialized tree page.
func PageTag(buf []byte) uint8 {
	return buf[0]
}

// MaxInlineValue is the largest value that fits inline in an otherwise empty
// leaf: header + one slot + one cell header + the key.
func MaxInlineValue(pageSize int) int {
	return pageSize - PageHeaderSize - SlotSize - LeafCellHeaderSize - KeySize
}

// MaxInternalKeys is the internal-node fanout the page size supports.
func MaxInternalKeys(pageSize int) int {
	return (pageSize - internalCellsOffset) / InternalCellSize
}

// MinInternalKeys is the rebalance threshold for internal nodes.
func MinInternalKeys(pageSize int) int {
	return MaxInternalKeys(pageSize) / 2
}

// MaxLeafCells caps leaf fanout using a nominal 64-byte cell budget. Cells
// are variable-size, so splits are driven by serialized size; this constant
// only anchors the deletion thresholds.
func MaxLeafCells(pageSize int) int {
	return (pageSize - PageHeaderSize) / 64
}

// MinLeafCells is the rebalance threshold for leaves.
func MinLeafCells(pageSize int) int {
	return MaxLeafCells(pageSize) / 2
}
