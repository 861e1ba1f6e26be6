// Package storage provides block-addressed page I/O over one or more files.
package storage

import (
	"fmt"
	"os"

	"bpstore/internal/base"
)

// Store is uniform random page I/O. Reads beyond the current end pad the
// file with zero pages on demand; writes extend it implicitly.
type Store interface {
	ReadPage(id base.PageID, buf []byte) error
	WritePage(id base.PageID, buf []byte) error
	TruncatePages(n uint32) error
	Sync() error
	PageCount() (uint32, error)
	Close() error
}

// File is the single-file backend.
type File struct {
	file     *os.File
	pageSize int
}

var _ Store = (*File)(nil)

// OpenFile opens or creates the data file at path.
func OpenFile(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: f, pageSize: pageSize}, nil
}

// ReadPage fills buf with the page's current bytes, extending the file with
// zeros if the page lies beyond the end.
func (s *File) ReadPage(id base.PageID, buf []byte) error {
	if err := s.padTo(id); err != nil {
		return err
	}
	n, err := s.file.ReadAt(buf[:s.pageSize], int64(id)*int64(s.pageSize))
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short read: got %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

// WritePage writes the full page at id; WriteAt zero-fills any gap.
func (s *File) WritePage(id base.PageID, buf []byte) error {
	n, err := s.file.WriteAt(buf[:s.pageSize], int64(id)*int64(s.pageSize))
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

// TruncatePages shrinks the file to exactly n pages.
func (s *File) TruncatePages(n uint32) error {
	return s.file.Truncate(int64(n) * int64(s.pageSize))
}

// Sync flushes OS buffers to durable media.
func (s *File) Sync() error {
	return fdatasync(s.file)
}

// PageCount returns the file size in pages, rounded up.
func (s *File) PageCount() (uint32, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint32((info.Size() + int64(s.pageSize) - 1) / int64(s.pageSize)), nil
}

func (s *File) Close() error {
	return s.file.Close()
}

// padTo extends the file so it covers at least id+1 pages.
func (s *File) padTo(id base.PageID) error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	want := (int64(id) + 1) * int64(s.pageSize)
	if info.Size() >= want {
		return nil
	}
	return s.file.Truncate(want)
}
