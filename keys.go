package bpstore

import "bpstore/internal/base"

// KeySize is the fixed key width in bytes.
const KeySize = base.KeySize

// EncodeKey writes k into an 8-byte big-endian slice, the on-disk key form:
// lexicographic byte order equals unsigned numeric order.
func EncodeKey(k uint64) []byte {
	raw := make([]byte, base.KeySize)
	base.EncodeKey(raw, k)
	return raw
}

// ParseKey converts a raw 8-byte key to its numeric form; any other width
// is ErrInvalidKey.
func ParseKey(raw []byte) (uint64, error) {
	return base.ParseKey(raw)
}
