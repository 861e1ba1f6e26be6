// Package bpstore is a single-writer, multi-reader, durable B+tree
// key-value store: fixed-width uint64 keys, arbitrary byte values, fixed-
// size pages, a write-ahead log for crash recovery, a pinning buffer pool,
// and overflow chains for values beyond the inline leaf capacity.
package bpstore

import (
	"sync"
	"time"

	"bpstore/internal/base"
	"bpstore/internal/cache"
	"bpstore/internal/latch"
	"bpstore/internal/pager"
	"bpstore/internal/storage"
	"bpstore/internal/wal"
)

// DB is the coordinator: one process-wide reader-writer lock serializes
// mutations against lookups, and a checkpoint cadence bounds the log.
type DB struct {
	mu   sync.RWMutex
	opts Options

	pageSize int
	store    storage.Store
	pager    *pager.PageStore
	wal      *wal.WAL
	pool     *cache.BufferPool
	latches  *latch.Manager
	overflow *overflowStore
	log      Logger

	closed             bool
	opsSinceCheckpoint int
	lastCheckpoint     time.Time
	checkpoints        uint64
}

// Stats is a snapshot of the store's counters.
type Stats struct {
	PoolLoads       uint64
	PoolFlushes     uint64
	PoolEvictions   uint64
	PoolMaxResident int
	WALCommits      uint64
	WALCheckpoints  uint64
	Checkpoints     uint64
	PagesAllocated  uint64
	PagesFreed      uint64
	KeyCount        uint64
}

// Open opens or creates the store at path. Recovery runs before the first
// operation: the log is replayed and truncated, so a fresh handle always
// observes every fsynced commit and nothing else.
func Open(path string, options ...Option) (*DB, error) {
	opts := DefaultOptions(path)
	for _, opt := range options {
		opt(&opts)
	}
	return openWithOptions(opts)
}

// OpenOptions opens the store from a fully built Options value, e.g. one
// loaded from a yaml file.
func OpenOptions(opts Options) (*DB, error) {
	return openWithOptions(opts)
}

func openWithOptions(opts Options) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var store storage.Store
	var err error
	if opts.SegmentPages > 0 {
		store, err = storage.OpenSegmented(opts.Path, opts.PageSize, opts.SegmentPages)
	} else {
		store, err = storage.OpenFile(opts.Path, opts.PageSize)
	}
	if err != nil {
		return nil, err
	}

	ps, err := pager.Open(store, opts.PageSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	w, err := wal.Open(opts.WALPath, opts.PageSize, opts.GroupCommit)
	if err != nil {
		store.Close()
		return nil, err
	}

	walSize, _ := w.Size()
	if err := w.Replay(ps.WritePage, ps.Sync); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}
	if err := ps.ReloadMeta(); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	pool, err := cache.New(ps, w, opts.BufferPages, evictionPolicy(opts.EvictionPolicy), opts.ReadAheadPages)
	if err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	db := &DB{
		opts:           opts,
		pageSize:       opts.PageSize,
		store:          store,
		pager:          ps,
		wal:            w,
		pool:           pool,
		latches:        latch.NewManager(),
		log:            opts.Logger,
		lastCheckpoint: time.Now(),
	}
	db.overflow = &overflowStore{pager: ps, pool: pool, pageSize: opts.PageSize}

	meta := ps.Meta()
	db.log.Info("store opened",
		"path", opts.Path,
		"page_size", opts.PageSize,
		"keys", meta.KeyCount,
		"pages", meta.TotalPages,
		"wal_bytes_recovered", walSize-wal.HeaderSize,
	)
	if opts.BufferPagesLimit > 0 && opts.BufferPages > opts.BufferPagesLimit {
		db.log.Warn("buffer pool above advisory limit",
			"buffer_pages", opts.BufferPages, "limit", opts.BufferPagesLimit)
	}
	if opts.RSSLimitBytes > 0 && uint64(opts.BufferPages)*uint64(opts.PageSize) > opts.RSSLimitBytes {
		db.log.Warn("buffer pool above advisory memory limit",
			"pool_bytes", uint64(opts.BufferPages)*uint64(opts.PageSize), "limit", opts.RSSLimitBytes)
	}
	return db, nil
}

func evictionPolicy(p EvictionPolicy) cache.Policy {
	if p == EvictClock {
		return cache.Clock
	}
	return cache.LRU
}

// Get returns the value stored at key, or nil when the key is absent.
// Absence is not an error.
func (db *DB) Get(key uint64) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}

	_, leaf, rel, err := db.readDescend(key)
	if err != nil {
		return nil, err
	}
	defer rel()

	idx, found := leafSearch(leaf, key)
	if !found {
		return nil, nil
	}
	return db.materialize(&leaf.Cells[idx])
}

// Set stores value at key, overwriting any previous value. The operation is
// durable when it returns unless group commit is on.
func (db *DB) Set(key uint64, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if err := db.insertLocked(key, value); err != nil {
		return err
	}
	return db.mutationEpilogue()
}

// Delete removes key, reporting whether it existed.
func (db *DB) Delete(key uint64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, ErrDatabaseClosed
	}
	existed, err := db.deleteLocked(key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	return true, db.mutationEpilogue()
}

// mutationEpilogue flushes the mutation's dirty pages through the log and
// runs the checkpoint cadence. Called with the write lock held.
func (db *DB) mutationEpilogue() error {
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	db.opsSinceCheckpoint++

	due := db.opts.CheckpointEveryOps > 0 && db.opsSinceCheckpoint >= db.opts.CheckpointEveryOps
	if !due && db.opts.CheckpointIntervalMs > 0 {
		due = time.Since(db.lastCheckpoint) >= time.Duration(db.opts.CheckpointIntervalMs)*time.Millisecond
	}
	if !due {
		return nil
	}
	return db.checkpointLocked()
}

// checkpointLocked flushes everything and truncates the log to its header.
func (db *DB) checkpointLocked() error {
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.wal.Checkpoint(db.pager.WritePage, db.pager.Sync); err != nil {
		return err
	}
	ops := db.opsSinceCheckpoint
	db.opsSinceCheckpoint = 0
	db.lastCheckpoint = time.Now()
	db.checkpoints++
	db.log.Info("checkpoint complete", "ops", ops, "total", db.checkpoints)
	return nil
}

// Checkpoint forces a checkpoint outside the regular cadence.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return db.checkpointLocked()
}

// Defragment rebuilds the tree from scratch: every live pair is collected,
// the file is reset to its three initial pages, and the pairs reinserted.
// Atomic from the client's perspective; free pages do not survive it.
func (db *DB) Defragment() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}

	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.wal.Checkpoint(db.pager.WritePage, db.pager.Sync); err != nil {
		return err
	}

	type pair struct {
		key   uint64
		value []byte
	}
	var pairs []pair
	if err := db.walkLeaves(func(leaf *base.Leaf) error {
		for i := range leaf.Cells {
			v, err := db.materialize(&leaf.Cells[i])
			if err != nil {
				return err
			}
			pairs = append(pairs, pair{key: leaf.Cells[i].Key, value: v})
		}
		return nil
	}); err != nil {
		return err
	}

	db.pool.Reset()
	if err := db.wal.Reset(); err != nil {
		return err
	}
	if err := db.pager.Reset(); err != nil {
		return err
	}

	for _, p := range pairs {
		if err := db.insertLocked(p.key, p.value); err != nil {
			return err
		}
	}
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.wal.Checkpoint(db.pager.WritePage, db.pager.Sync); err != nil {
		return err
	}
	db.log.Info("defragment complete", "keys", len(pairs), "pages", db.pager.Meta().TotalPages)
	return nil
}

// walkLeaves visits every leaf left to right along the sibling chain.
func (db *DB) walkLeaves(fn func(*base.Leaf) error) error {
	meta := db.pager.Meta()
	page := meta.RootPage
	for level := meta.TreeDepth; level > 1; level-- {
		node, err := db.loadInternal(page)
		if err != nil {
			return err
		}
		page = node.LeftChild
	}
	for page != 0 {
		leaf, err := db.loadLeaf(page)
		if err != nil {
			return err
		}
		if err := fn(leaf); err != nil {
			return err
		}
		page = leaf.RightSibling
	}
	return nil
}

// Vacuum reclaims trailing free pages and truncates the data file.
func (db *DB) Vacuum() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}

	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	// The log may still reference pages beyond the new end; empty it first.
	if err := db.wal.Checkpoint(db.pager.WritePage, db.pager.Sync); err != nil {
		return err
	}
	reclaimed, remaining, err := db.pager.Vacuum()
	if err != nil {
		return err
	}
	db.log.Info("vacuum complete", "reclaimed", reclaimed, "free_remaining", remaining)
	return nil
}

// FreePages returns the number of pages currently on the free list.
func (db *DB) FreePages() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, ErrDatabaseClosed
	}
	free, err := db.pager.CollectFreePages()
	if err != nil {
		return 0, err
	}
	return len(free), nil
}

// Meta returns a copy of the current meta page.
func (db *DB) Meta() base.Meta {
	return db.pager.Meta()
}

// Stats returns a snapshot of the store's counters.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	checkpoints := db.checkpoints
	db.mu.RUnlock()

	pool := db.pool.Stats()
	commits, walCheckpoints := db.wal.Counters()
	allocated, freed := db.pager.Counters()
	return Stats{
		PoolLoads:       pool.Loads,
		PoolFlushes:     pool.Flushes,
		PoolEvictions:   pool.Evictions,
		PoolMaxResident: pool.MaxResident,
		WALCommits:      commits,
		WALCheckpoints:  walCheckpoints,
		Checkpoints:     checkpoints,
		PagesAllocated:  allocated,
		PagesFreed:      freed,
		KeyCount:        db.pager.Meta().KeyCount,
	}
}

// Close flushes, checkpoints, and closes the log and data files.
// Idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}

	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.wal.Checkpoint(db.pager.WritePage, db.pager.Sync); err != nil {
		return err
	}
	if err := db.latches.Reset(); err != nil {
		return err
	}
	if err := db.wal.Close(); err != nil {
		db.pager.Close()
		return err
	}
	if err := db.pager.Close(); err != nil {
		return err
	}
	db.closed = true
	db.log.Info("store closed", "path", db.opts.Path)
	return nil
}
