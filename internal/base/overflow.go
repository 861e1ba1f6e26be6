package base

import (
	"encoding/binary"
	"fmt"
)

const (
	overflowNextOffset   = 4
	overflowLengthOffset = 8
)

// OverflowCapacity is the payload capacity of one overflow page.
func OverflowCapacity(pageSize int) int {
	return pageSize - OverflowHeaderSize
}

// EncodeOverflow serializes one overflow chain page: next is the following
// page in the chain (0 = terminal) and payload at most pageSize-16 bytes.
func EncodeOverflow(buf []byte, next PageID, payload []byte) error {
	if len(payload) > OverflowCapacity(len(buf)) {
		return ErrPageOverflow
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = PageOverflow
	binary.LittleEndian.PutUint32(buf[overflowNextOffset:], next)
	binary.LittleEndian.PutUint32(buf[overflowLengthOffset:], uint32(len(payload)))
	copy(buf[OverflowHeaderSize:], payload)
	return nil
}

// DecodeOverflow parses an overflow page; the returned payload aliases buf.
func DecodeOverflow(buf []byte) (next PageID, payload []byte, err error) {
	if buf[0] != PageOverflow {
		return 0, nil, fmt.Errorf("%w: tag %d, want overflow", ErrCorruptPage, buf[0])
	}
	next = binary.LittleEndian.Uint32(buf[overflowNextOffset:])
	length := int(binary.LittleEndian.Uint32(buf[overflowLengthOffset:]))
	if length > OverflowCapacity(len(buf)) {
		return 0, nil, fmt.Errorf("%w: overflow length %d", ErrCorruptPage, length)
	}
	return next, buf[OverflowHeaderSize : OverflowHeaderSize+length], nil
}
