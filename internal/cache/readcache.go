package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"bpstore/internal/base"
)

// readCache is the non-pinning tier below the buffer pool: an LRU of clean
// page images sized by the readAheadPages hint. Purely advisory; a miss
// falls through to disk.
type readCache struct {
	lru *freelru.LRU[base.PageID, []byte]
}

func hashPageID(id base.PageID) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], id)
	return uint32(xxhash.Sum64(b[:]))
}

func newReadCache(capacity int) (*readCache, error) {
	lru, err := freelru.New[base.PageID, []byte](uint32(capacity), hashPageID)
	if err != nil {
		return nil, err
	}
	return &readCache{lru: lru}, nil
}

func (c *readCache) get(id base.PageID, dst []byte) bool {
	img, ok := c.lru.Get(id)
	if !ok {
		return false
	}
	copy(dst, img)
	return true
}

func (c *readCache) put(id base.PageID, src []byte) {
	img := make([]byte, len(src))
	copy(img, src)
	c.lru.Add(id, img)
}

func (c *readCache) remove(id base.PageID) {
	c.lru.Remove(id)
}

func (c *readCache) purge() {
	c.lru.Purge()
}
