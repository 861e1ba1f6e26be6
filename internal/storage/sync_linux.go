//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data and the metadata needed to read it back, such
// as a grown file length, without forcing other metadata like timestamps.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
