package storage

import (
	"fmt"
	"os"

	"bpstore/internal/base"
)

// Segmented routes page n to segment n/segmentPages at offset
// (n mod segmentPages) * pageSize. Segment 0 lives at basePath, segment N at
// basePath.segN. Segments are created lazily and closed together.
type Segmented struct {
	basePath     string
	pageSize     int
	segmentPages uint32
	segments     map[uint32]*os.File
}

var _ Store = (*Segmented)(nil)

// OpenSegmented opens a segmented store rooted at basePath.
func OpenSegmented(basePath string, pageSize int, segmentPages int) (*Segmented, error) {
	if segmentPages < 1 {
		return nil, fmt.Errorf("segmentPages must be >= 1, got %d", segmentPages)
	}
	s := &Segmented{
		basePath:     basePath,
		pageSize:     pageSize,
		segmentPages: uint32(segmentPages),
		segments:     make(map[uint32]*os.File),
	}
	// Segment 0 always exists so an empty store still has its base file.
	if _, err := s.segment(0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segmented) segmentPath(idx uint32) string {
	if idx == 0 {
		return s.basePath
	}
	return fmt.Sprintf("%s.seg%d", s.basePath, idx)
}

func (s *Segmented) segment(idx uint32) (*os.File, error) {
	if f, ok := s.segments[idx]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.segmentPath(idx), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	s.segments[idx] = f
	return f, nil
}

func (s *Segmented) locate(id base.PageID) (idx uint32, offset int64) {
	return id / s.segmentPages, int64(id%s.segmentPages) * int64(s.pageSize)
}

func (s *Segmented) ReadPage(id base.PageID, buf []byte) error {
	idx, offset := s.locate(id)
	f, err := s.segment(idx)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < offset+int64(s.pageSize) {
		if err := f.Truncate(offset + int64(s.pageSize)); err != nil {
			return err
		}
	}
	n, err := f.ReadAt(buf[:s.pageSize], offset)
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short read: got %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

func (s *Segmented) WritePage(id base.PageID, buf []byte) error {
	idx, offset := s.locate(id)
	f, err := s.segment(idx)
	if err != nil {
		return err
	}
	n, err := f.WriteAt(buf[:s.pageSize], offset)
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

// TruncatePages shrinks the store to exactly n pages, removing segments that
// fall entirely beyond the new end: every such segment open in this handle,
// and the files on disk from the next segment upward to the first missing one.
func (s *Segmented) TruncatePages(n uint32) error {
	lastIdx := uint32(0)
	if n > 0 {
		lastIdx = (n - 1) / s.segmentPages
	}
	for idx := lastIdx + 1; ; idx++ {
		if err := os.Remove(s.segmentPath(idx)); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return err
		}
	}
	for idx, f := range s.segments {
		if idx <= lastIdx {
			continue
		}
		if err := f.Close(); err != nil {
			return err
		}
		delete(s.segments, idx)
		if err := os.Remove(s.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	f, err := s.segment(lastIdx)
	if err != nil {
		return err
	}
	keep := n - lastIdx*s.segmentPages
	return f.Truncate(int64(keep) * int64(s.pageSize))
}

func (s *Segmented) Sync() error {
	for _, f := range s.segments {
		if err := fdatasync(f); err != nil {
			return err
		}
	}
	return nil
}

// PageCount sums full segments below the highest one plus the pages in the
// highest one. The highest segment is taken from the segments open in this
// handle and the files found on disk by probing upward from segment 0; the
// probe stops at the first missing file, so a segment file past such a gap
// that this handle has not opened is not counted.
func (s *Segmented) PageCount() (uint32, error) {
	highest := uint32(0)
	for idx := uint32(0); ; idx++ {
		if _, ok := s.segments[idx]; ok {
			highest = idx
			continue
		}
		if _, err := os.Stat(s.segmentPath(idx)); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return 0, err
		}
		highest = idx
	}
	for idx := range s.segments {
		if idx > highest {
			highest = idx
		}
	}
	f, err := s.segment(highest)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pages := uint32((info.Size() + int64(s.pageSize) - 1) / int64(s.pageSize))
	return highest*s.segmentPages + pages, nil
}

func (s *Segmented) Close() error {
	var firstErr error
	for _, f := range s.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.segments = make(map[uint32]*os.File)
	return firstErr
}
