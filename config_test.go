package bpstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOptionsFromYAML(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "store.db")
	cfgPath := filepath.Join(dir, "store.yaml")

	cfg := `file_path: ` + dataPath + `
page_size: 1024
buffer_pages: 64
eviction_policy: clock
group_commit: true
checkpoint_interval_ops: 32
read_ahead_pages: 16
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0600))

	opts, err := LoadOptions(cfgPath)
	require.NoError(t, err)
	require.Equal(t, dataPath, opts.Path)
	require.Equal(t, 1024, opts.PageSize)
	require.Equal(t, 64, opts.BufferPages)
	require.Equal(t, EvictClock, opts.EvictionPolicy)
	require.True(t, opts.GroupCommit)
	require.Equal(t, 32, opts.CheckpointEveryOps)
	require.Equal(t, 16, opts.ReadAheadPages)

	db, err := OpenOptions(opts)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set(1, []byte("configured")))
	v, err := db.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("configured"), v)
}

func TestLoadOptionsKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "store.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("file_path: "+filepath.Join(dir, "x.db")+"\n"), 0600))

	opts, err := LoadOptions(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 4096, opts.PageSize)
	require.Equal(t, EvictLRU, opts.EvictionPolicy)
	require.Equal(t, 256, opts.BufferPages)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadOptionsMalformed(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("page_size: [not a number]\n"), 0600))

	_, err := LoadOptions(cfgPath)
	require.Error(t, err)
}
