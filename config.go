package bpstore

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// LoadOptions reads a yaml options file and layers it over the defaults.
// Fields absent from the file keep their default values.
//
//	file_path: /var/lib/app/data.db
//	page_size: 8192
//	buffer_pages: 512
//	eviction_policy: clock
//	group_commit: true
//	checkpoint_interval_ops: 4096
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions("")
	f, err := os.Open(path)
	if err != nil {
		return opts, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&opts); err != nil {
		return opts, fmt.Errorf("options file %s: %w", path, err)
	}
	if opts.Logger == nil {
		opts.Logger = DiscardLogger{}
	}
	return opts, nil
}
