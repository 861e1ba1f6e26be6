package bpstore

import (
	"fmt"

	"bpstore/internal/base"
)

// EvictionPolicy names a buffer pool eviction strategy.
type EvictionPolicy string

const (
	EvictLRU   EvictionPolicy = "lru"
	EvictClock EvictionPolicy = "clock"
)

// Options configures a store. The zero value is not usable; start from
// DefaultOptions or LoadOptions.
type Options struct {
	// Path is the base path for the data file (and segment files).
	Path string `yaml:"file_path"`

	// WALPath overrides the log location. Default <Path>.wal.
	WALPath string `yaml:"wal_path"`

	// PageSize must be a positive multiple of 512 and is immutable after
	// the first open. Default 4096.
	PageSize int `yaml:"page_size"`

	// SegmentPages > 0 splits the data file into segments of that many
	// pages, created lazily.
	SegmentPages int `yaml:"segment_pages"`

	// ReadAheadPages sizes the clean-page read tier. Advisory; 0 disables.
	ReadAheadPages int `yaml:"read_ahead_pages"`

	// BufferPages is the buffer pool capacity in frames.
	BufferPages int `yaml:"buffer_pages"`

	// EvictionPolicy is "lru" or "clock".
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy"`

	// GroupCommit skips the fsync on each commit; checkpoint and close
	// still fsync. Weakens durability, not consistency.
	GroupCommit bool `yaml:"group_commit"`

	// CheckpointEveryOps checkpoints after that many mutations; 0 disables.
	CheckpointEveryOps int `yaml:"checkpoint_interval_ops"`

	// CheckpointIntervalMs checkpoints when that much wall time has passed
	// since the last one, checked after each mutation; 0 disables.
	CheckpointIntervalMs int `yaml:"checkpoint_interval_ms"`

	// RSSLimitBytes and BufferPagesLimit are advisory alert thresholds,
	// logged when exceeded, never enforced.
	RSSLimitBytes    uint64 `yaml:"rss_limit_bytes"`
	BufferPagesLimit int    `yaml:"buffer_pages_limit"`

	Logger Logger `yaml:"-"`
}

// DefaultOptions returns the stock configuration for a store at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:               path,
		PageSize:           base.DefaultPageSize,
		BufferPages:        256,
		EvictionPolicy:     EvictLRU,
		CheckpointEveryOps: 1024,
		Logger:             DiscardLogger{},
	}
}

func (o *Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("options: file path is required")
	}
	if !base.ValidPageSize(o.PageSize) {
		return fmt.Errorf("options: page size %d is not a positive multiple of %d",
			o.PageSize, base.PageSizeMultiple)
	}
	if o.SegmentPages < 0 {
		return fmt.Errorf("options: segment pages must be >= 1 when set")
	}
	switch o.EvictionPolicy {
	case EvictLRU, EvictClock:
	default:
		return fmt.Errorf("options: unknown eviction policy %q", o.EvictionPolicy)
	}
	if o.WALPath == "" {
		o.WALPath = o.Path + ".wal"
	}
	if o.Logger == nil {
		o.Logger = DiscardLogger{}
	}
	return nil
}

// Option configures a store using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size for a fresh store.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithBufferPages sets the buffer pool capacity in frames.
func WithBufferPages(n int) Option {
	return func(o *Options) { o.BufferPages = n }
}

// WithEvictionPolicy selects lru or clock eviction.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(o *Options) { o.EvictionPolicy = p }
}

// WithSegmentPages enables segmented data files of n pages each.
func WithSegmentPages(n int) Option {
	return func(o *Options) { o.SegmentPages = n }
}

// WithWALPath overrides the write-ahead log location.
func WithWALPath(path string) Option {
	return func(o *Options) { o.WALPath = path }
}

// WithGroupCommit defers fsync from commit to checkpoint.
func WithGroupCommit() Option {
	return func(o *Options) { o.GroupCommit = true }
}

// WithCheckpointEvery checkpoints after n mutations; 0 disables.
func WithCheckpointEvery(n int) Option {
	return func(o *Options) { o.CheckpointEveryOps = n }
}

// WithCheckpointIntervalMs adds a wall-clock checkpoint cadence; 0 disables.
func WithCheckpointIntervalMs(ms int) Option {
	return func(o *Options) { o.CheckpointIntervalMs = ms }
}

// WithReadAhead sizes the clean-page read tier; advisory.
func WithReadAhead(pages int) Option {
	return func(o *Options) { o.ReadAheadPages = pages }
}

// WithLogger installs a logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMemoryLimit sets advisory alert thresholds.
func WithMemoryLimit(rssBytes uint64, bufferPages int) Option {
	return func(o *Options) {
		o.RSSLimitBytes = rssBytes
		o.BufferPagesLimit = bufferPages
	}
}
